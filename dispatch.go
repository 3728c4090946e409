// dispatch.go - opcode dispatch table (spec 4.7)
//
// A plain switch on the decoded opcode byte, in the same style as the
// teacher's cpu_x86_ops.go execute step; kept as one function per the
// teacher's convention of a single big per-instruction switch rather
// than a constructed function-pointer table, since this core (unlike
// the teacher's) needs per-opcode access to decode-time fields
// (operand size, REP prefix, ModR/M reg field) that a flat [256]func
// table would have to smuggle through a closure anyway.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

func (c *CPU) dispatch(insn *Instruction) *CPUFault {
	if insn.Opcode0F {
		return c.dispatch0F(insn)
	}

	switch insn.Opcode {
	case 0x06, 0x0E, 0x16, 0x1E:
		return c.execPushSeg(insn)
	case 0x07, 0x17, 0x1F:
		return c.execPopSeg(insn)
	case 0x27:
		return c.execDAA(insn)
	case 0x2F:
		return c.execDAS(insn)
	case 0x37:
		return c.execAAA(insn)
	case 0x3F:
		return c.execAAS(insn)
	case 0x40, 0x41, 0x42, 0x43, 0x44, 0x45, 0x46, 0x47:
		return c.execIncDecReg(insn, true)
	case 0x48, 0x49, 0x4A, 0x4B, 0x4C, 0x4D, 0x4E, 0x4F:
		return c.execIncDecReg(insn, false)
	case 0x50, 0x51, 0x52, 0x53, 0x54, 0x55, 0x56, 0x57:
		return c.execPushReg(insn)
	case 0x58, 0x59, 0x5A, 0x5B, 0x5C, 0x5D, 0x5E, 0x5F:
		return c.execPopReg(insn)
	case 0x60:
		return c.execPUSHA(insn)
	case 0x61:
		return c.execPOPA(insn)
	case 0x62:
		return c.execBOUND(insn)
	case 0x63:
		return c.execARPL(insn)
	case 0x68, 0x6A:
		return c.execPushImm(insn)
	case 0x69, 0x6B:
		return c.execIMULImm(insn)
	case 0x6C, 0x6D, 0x6E, 0x6F:
		return c.execStringOp(insn)
	case 0xC8:
		return c.execENTER(insn)
	case 0xC9:
		return c.execLEAVE(insn)
	case 0x70, 0x71, 0x72, 0x73, 0x74, 0x75, 0x76, 0x77,
		0x78, 0x79, 0x7A, 0x7B, 0x7C, 0x7D, 0x7E, 0x7F:
		return c.execJcc(insn, int(insn.Opcode&0xF))
	case 0x80, 0x81, 0x83:
		return c.execALUImmGroup(insn)
	case 0x84, 0x85:
		return c.execTEST(insn)
	case 0x86, 0x87:
		return c.execXCHG(insn)
	case 0x88, 0x89, 0x8A, 0x8B:
		return c.execMovRM(insn)
	case 0x8C, 0x8E:
		return c.execMovSeg(insn)
	case 0x8D:
		return c.execLEA(insn)
	case 0x8F:
		return c.execPushRMOrPopRM(insn, false)
	case 0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97:
		return c.execXCHG(insn)
	case 0x98:
		return c.execCBWCWDE(insn)
	case 0x99:
		return c.execCWDCDQ(insn)
	case 0x9B:
		return c.execWAIT(insn)
	case 0x9C:
		return c.execPUSHF(insn)
	case 0x9D:
		return c.execPOPF(insn)
	case 0x9E:
		return c.execSAHF(insn)
	case 0x9F:
		return c.execLAHF(insn)
	case 0xA0, 0xA1, 0xA2, 0xA3:
		return c.execMovMoffs(insn)
	case 0xA4, 0xA5, 0xA6, 0xA7, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF:
		return c.execStringOp(insn)
	case 0xA8, 0xA9:
		return c.execTEST(insn)
	case 0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7,
		0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF:
		return c.execMovImmReg(insn)
	case 0xC0, 0xC1, 0xD0, 0xD1, 0xD2, 0xD3:
		return c.execShiftGroup(insn)
	case 0xC2, 0xC3:
		return c.execRetNear(insn)
	case 0xC6, 0xC7:
		return c.execMovImmRM(insn)
	case 0xCA, 0xCB:
		return c.execRetFar(insn)
	case 0xCC:
		return c.execINT3(insn)
	case 0xCD:
		return c.execINTImm(insn)
	case 0xCE:
		return c.execINTO(insn)
	case 0xCF:
		return c.execIRET(insn)
	case 0xD4:
		return c.execAAM(insn)
	case 0xD5:
		return c.execAAD(insn)
	case 0xD7:
		return c.execXLAT(insn)
	case 0xE0, 0xE1, 0xE2, 0xE3:
		return c.execLoop(insn)
	case 0xE4, 0xE5, 0xEC, 0xED:
		return c.execIN(insn)
	case 0xE6, 0xE7, 0xEE, 0xEF:
		return c.execOUT(insn)
	case 0xE8:
		return c.execCallNear(insn)
	case 0xE9, 0xEB:
		w := Width8
		if insn.Opcode == 0xE9 {
			w = insn.OperandSize
		}
		return c.execJmpRel(insn, w)
	case 0x9A:
		return c.execCallFarDirect(insn)
	case 0xEA:
		return c.execJmpFarDirect(insn)
	case 0xF1:
		return c.execVKILL(insn)
	case 0xF4:
		return c.execHLT(insn)
	case 0xF5:
		return c.execCMC(insn)
	case 0xF6, 0xF7:
		return c.dispatchGroupF6F7(insn)
	case 0xF8:
		return c.execCLC(insn)
	case 0xF9:
		return c.execSTC(insn)
	case 0xFA:
		return c.execCLI(insn)
	case 0xFB:
		return c.execSTI(insn)
	case 0xFC:
		return c.execCLD(insn)
	case 0xFD:
		return c.execSTD(insn)
	case 0xFE:
		return c.execIncDec(insn)
	case 0xFF:
		return c.dispatchGroupFF(insn)
	default:
		if insn.Opcode <= 0x3D {
			return c.execALUGroup(insn)
		}
		return newFault(FaultInvalidOpcode)
	}
}

func (c *CPU) dispatchGroupF6F7(insn *Instruction) *CPUFault {
	if insn.RegField == 0 || insn.RegField == 1 {
		w := insn.OperandSize
		if insn.Opcode == 0xF6 {
			w = Width8
		}
		imm, fault := c.fetchImmediate(insn, w)
		if fault != nil {
			return fault
		}
		return c.execMulDivGroup(insn, imm, true)
	}
	return c.execMulDivGroup(insn, 0, false)
}

func (c *CPU) dispatchGroupFF(insn *Instruction) *CPUFault {
	switch insn.RegField {
	case 0, 1:
		return c.execIncDec(insn)
	case 2:
		return c.execCallRM(insn, false)
	case 3:
		return c.execCallRM(insn, true)
	case 4:
		return c.execJmpRM(insn, false)
	case 5:
		return c.execJmpRM(insn, true)
	case 6:
		return c.execPushRMOrPopRM(insn, true)
	default:
		return newFault(FaultInvalidOpcode)
	}
}

// dispatch0F handles the 0F-prefixed opcode space this core implements:
// the system-instruction groups, LAR/LSL, MOVZX/MOVSX, IMUL r/rm,
// CPUID/RDTSC, and Jcc-near.
func (c *CPU) dispatch0F(insn *Instruction) *CPUFault {
	switch insn.Opcode {
	case 0x00:
		return c.execGroup0F00(insn)
	case 0x01:
		return c.execGroup0F01(insn)
	case 0x02:
		return c.execLAR(insn)
	case 0x03:
		return c.execLSL(insn)
	case 0x06:
		return c.execCLTS(insn)
	case 0x20, 0x22:
		return c.execMovCR(insn, insn.Opcode == 0x22)
	case 0x21, 0x23:
		return c.execMovDR(insn, insn.Opcode == 0x23)
	case 0xA2:
		return c.execCPUID(insn)
	case 0x31:
		return c.execRDTSC(insn)
	case 0xAF:
		return c.execIMULRM(insn)
	case 0xB6, 0xB7:
		return c.execMovSXZX(insn, false)
	case 0xBE, 0xBF:
		return c.execMovSXZX(insn, true)
	case 0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
		0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8E, 0x8F:
		return c.execJcc(insn, int(insn.Opcode&0xF))
	default:
		return newFault(FaultInvalidOpcode)
	}
}

func (c *CPU) execSAHF(*Instruction) *CPUFault {
	const mask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF
	c.EFLAGS = (c.EFLAGS &^ mask) | (uint32(c.Reg8(4)) & mask)
	return nil
}

func (c *CPU) execLAHF(*Instruction) *CPUFault {
	c.SetReg8(4, uint8(c.EFLAGS&0xFF))
	return nil
}

// execIMULImm handles 0x69/0x6B: IMUL r, r/m, imm.
func (c *CPU) execIMULImm(insn *Instruction) *CPUFault {
	immWidth := insn.OperandSize
	signExtend := false
	if insn.Opcode == 0x6B {
		immWidth = Width8
		signExtend = true
	}
	imm, fault := c.fetchImmediate(insn, immWidth)
	if fault != nil {
		return fault
	}
	if signExtend {
		imm = uint32(signExtendTo32(imm, Width8))
	}
	src, fault := c.readRM(insn.RM, insn.OperandSize)
	if fault != nil {
		return fault
	}
	result, overflow := c.imul(src, imm, insn.OperandSize)
	c.setFlag(FlagCF, overflow)
	c.setFlag(FlagOF, overflow)
	return c.writeRM(OperandLocator{Reg: insn.RegField}, result, insn.OperandSize)
}

// execIMULRM handles 0F AF: IMUL r, r/m (two-operand form).
func (c *CPU) execIMULRM(insn *Instruction) *CPUFault {
	src, fault := c.readRM(insn.RM, insn.OperandSize)
	if fault != nil {
		return fault
	}
	dst, fault := c.readRM(OperandLocator{Reg: insn.RegField}, insn.OperandSize)
	if fault != nil {
		return fault
	}
	result, overflow := c.imul(src, dst, insn.OperandSize)
	c.setFlag(FlagCF, overflow)
	c.setFlag(FlagOF, overflow)
	return c.writeRM(OperandLocator{Reg: insn.RegField}, result, insn.OperandSize)
}

func (c *CPU) imul(a, b uint32, w Width) (uint32, bool) {
	if w == Width16 {
		p := int32(int16(a)) * int32(int16(b))
		return uint32(uint16(p)), p != int32(int16(uint16(p)))
	}
	p := int64(int32(a)) * int64(int32(b))
	return uint32(p), p != int64(int32(uint32(p)))
}
