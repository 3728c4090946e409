// exec_alu.go - arithmetic/logical instruction handlers (spec 4.7)
//
// Covers the eight classic ALU groups (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP)
// across their register-form, immediate-form, and accumulator-form
// encodings, plus INC/DEC/NEG/NOT/TEST/MUL/IMUL/DIV/IDIV. Grounded on
// cpu_x86_ops.go's per-opcode flag updates, re-expressed through the
// shared aluAdd/aluSub/aluLogic helpers in flags.go.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

type aluOp int

const (
	aluADD aluOp = iota
	aluOR
	aluADC
	aluSBB
	aluAND
	aluSUB
	aluXOR
	aluCMP
)

func (c *CPU) applyALU(op aluOp, dst, src uint32, w Width) (uint32, bool) {
	switch op {
	case aluADD:
		return c.aluAdd(dst, src, 0, w), true
	case aluADC:
		cf := uint32(0)
		if c.flagSet(FlagCF) {
			cf = 1
		}
		return c.aluAdd(dst, src, cf, w), true
	case aluSUB, aluCMP:
		return c.aluSub(dst, src, 0, w), op != aluCMP
	case aluSBB:
		bf := uint32(0)
		if c.flagSet(FlagCF) {
			bf = 1
		}
		return c.aluSub(dst, src, bf, w), true
	case aluOR:
		return c.aluLogic(dst|src, w), true
	case aluAND:
		return c.aluLogic(dst&src, w), true
	case aluXOR:
		return c.aluLogic(dst^src, w), true
	}
	return dst, false
}

// execALUGroup handles the 00-3D opcode space: op = (opcode>>3)&7
// selects the ALU operation, and the low 3 bits select among the
// rm8/r8, rm/r, r8/rm8, r/rm, AL/imm8, and eAX/imm forms.
func (c *CPU) execALUGroup(insn *Instruction) *CPUFault {
	op := aluOp((insn.Opcode >> 3) & 7)
	form := insn.Opcode & 7
	w := insn.OperandSize
	if form == 0 || form == 2 || form == 4 {
		w = Width8
	}

	switch form {
	case 0, 1: // rm, reg (dest is r/m)
		src, fault := c.readRM(OperandLocator{IsMemory: false, Reg: insn.RegField}, w)
		if fault != nil {
			return fault
		}
		dst, fault := c.readRM(insn.RM, w)
		if fault != nil {
			return fault
		}
		result, writeBack := c.applyALU(op, dst, src, w)
		if writeBack {
			return c.writeRM(insn.RM, result, w)
		}
		return nil
	case 2, 3: // reg, rm (dest is register)
		src, fault := c.readRM(insn.RM, w)
		if fault != nil {
			return fault
		}
		dst, fault := c.readRM(OperandLocator{IsMemory: false, Reg: insn.RegField}, w)
		if fault != nil {
			return fault
		}
		result, writeBack := c.applyALU(op, dst, src, w)
		if writeBack {
			return c.writeRM(OperandLocator{IsMemory: false, Reg: insn.RegField}, result, w)
		}
		return nil
	case 4: // AL, imm8
		imm, fault := c.fetchImmediate(insn, Width8)
		if fault != nil {
			return fault
		}
		dst := uint32(c.Reg8(0))
		result, writeBack := c.applyALU(op, dst, imm, Width8)
		if writeBack {
			c.SetReg8(0, uint8(result))
		}
		return nil
	default: // 5: eAX, imm16/32
		imm, fault := c.fetchImmediate(insn, w)
		if fault != nil {
			return fault
		}
		dst := c.Reg32(RegEAX) & w.mask()
		result, writeBack := c.applyALU(op, dst, imm, w)
		if writeBack {
			c.writeWidenedEAX(result, w)
		}
		return nil
	}
}

func (c *CPU) writeWidenedEAX(v uint32, w Width) {
	switch w {
	case Width16:
		c.SetReg16(RegEAX, uint16(v))
	default:
		c.SetReg32(RegEAX, v)
	}
}

// execALUImmGroup handles 0x80/0x81/0x83: ALU op (from ModR/M reg field)
// applied between r/m and an immediate (8-bit, full-width, or
// sign-extended 8-bit respectively).
func (c *CPU) execALUImmGroup(insn *Instruction) *CPUFault {
	op := aluOp(insn.RegField & 7)
	w := insn.OperandSize
	if insn.Opcode == 0x80 {
		w = Width8
	}
	immWidth := w
	signExtend := false
	if insn.Opcode == 0x83 {
		immWidth = Width8
		signExtend = true
	}
	imm, fault := c.fetchImmediate(insn, immWidth)
	if fault != nil {
		return fault
	}
	if signExtend {
		imm = uint32(int32(int8(imm)))
	}
	dst, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}
	result, writeBack := c.applyALU(op, dst, imm, w)
	if writeBack {
		return c.writeRM(insn.RM, result, w)
	}
	return nil
}

// execTEST handles 0x84/0x85 (rm, reg) and 0xA8/0xA9 (AL/eAX, imm): AND
// without writeback. The 0xF6/0xF7 reg==0 (rm, imm) form goes through
// execMulDivGroup.
func (c *CPU) execTEST(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0x84 || insn.Opcode == 0xA8 {
		w = Width8
	}
	switch insn.Opcode {
	case 0x84, 0x85:
		src, fault := c.readRM(OperandLocator{Reg: insn.RegField}, w)
		if fault != nil {
			return fault
		}
		dst, fault := c.readRM(insn.RM, w)
		if fault != nil {
			return fault
		}
		c.aluLogic(dst&src, w)
		return nil
	default: // 0xA8/0xA9
		imm, fault := c.fetchImmediate(insn, w)
		if fault != nil {
			return fault
		}
		dst := c.Reg32(RegEAX) & w.mask()
		c.aluLogic(dst&imm, w)
		return nil
	}
}

// execIncDec handles 0xFE/0xFF (INC/DEC/CALL/JMP/PUSH by ModR/M reg
// field) for the INC/DEC cases; dispatchGroupFF in dispatch.go routes
// the CALL/JMP/PUSH forms elsewhere before reaching here.
func (c *CPU) execIncDec(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xFE {
		w = Width8
	}
	dst, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}
	var result uint32
	if insn.RegField == 0 {
		result = c.aluInc(dst, w)
	} else {
		result = c.aluDec(dst, w)
	}
	return c.writeRM(insn.RM, result, w)
}

// execIncDecReg handles 0x40-0x4F: INC/DEC on a register named by the
// opcode's low 3 bits, no ModR/M byte.
func (c *CPU) execIncDecReg(insn *Instruction, inc bool) *CPUFault {
	reg := int(insn.Opcode & 7)
	dst := c.Reg32(reg) & insn.OperandSize.mask()
	var result uint32
	if inc {
		result = c.aluInc(dst, insn.OperandSize)
	} else {
		result = c.aluDec(dst, insn.OperandSize)
	}
	return c.writeRM(OperandLocator{Reg: reg}, result, insn.OperandSize)
}

// execMulDivGroup handles 0xF6/0xF7 by reg field: TEST rm, imm (0 and
// 1), then NOT, NEG, MUL, IMUL, DIV, IDIV (2-7) against AL/AX/EAX (or AX:DX / EDX:EAX for the wide forms).
func (c *CPU) execMulDivGroup(insn *Instruction, imm uint32, hasImm bool) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xF6 {
		w = Width8
	}
	src, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}

	switch insn.RegField {
	case 0, 1: // TEST rm, imm
		_ = imm
		if hasImm {
			dst := src
			c.aluLogic(dst&imm, w)
		}
		return nil
	case 2: // NOT
		return c.writeRM(insn.RM, ^src&w.mask(), w)
	case 3: // NEG
		result := c.aluSub(0, src, 0, w)
		c.setFlag(FlagCF, src != 0)
		return c.writeRM(insn.RM, result, w)
	case 4: // MUL
		c.doMul(src, w, false)
		return nil
	case 5: // IMUL
		c.doMul(src, w, true)
		return nil
	case 6: // DIV
		return c.doDiv(src, w, false)
	default: // IDIV
		return c.doDiv(src, w, true)
	}
}

func (c *CPU) doMul(src uint32, w Width, signed bool) {
	switch w {
	case Width8:
		a := c.Reg8(0)
		var full uint32
		var overflow bool
		if signed {
			p := int32(int8(a)) * int32(int8(src))
			full = uint32(p)
			overflow = p != int32(int8(uint8(p)))
		} else {
			p := uint32(a) * (src & 0xFF)
			full = p
			overflow = p > 0xFF
		}
		c.SetReg16(RegEAX, uint16(full))
		c.setFlag(FlagCF, overflow)
		c.setFlag(FlagOF, overflow)
	case Width16:
		a := c.Reg16(RegEAX)
		var full uint32
		var overflow bool
		if signed {
			p := int32(int16(a)) * int32(int16(src))
			full = uint32(p)
			overflow = p != int32(int16(uint16(p)))
		} else {
			p := uint32(a) * (src & 0xFFFF)
			full = p
			overflow = p > 0xFFFF
		}
		c.SetReg16(RegEAX, uint16(full))
		c.SetReg16(RegEDX, uint16(full>>16))
		c.setFlag(FlagCF, overflow)
		c.setFlag(FlagOF, overflow)
	default:
		a := c.Reg32(RegEAX)
		var overflow bool
		var lo, hi uint32
		if signed {
			p := int64(int32(a)) * int64(int32(src))
			lo = uint32(p)
			hi = uint32(p >> 32)
			overflow = p != int64(int32(lo))
		} else {
			p := uint64(a) * uint64(src)
			lo = uint32(p)
			hi = uint32(p >> 32)
			overflow = hi != 0
		}
		c.SetReg32(RegEAX, lo)
		c.SetReg32(RegEDX, hi)
		c.setFlag(FlagCF, overflow)
		c.setFlag(FlagOF, overflow)
	}
}

func (c *CPU) doDiv(src uint32, w Width, signed bool) *CPUFault {
	if src&w.mask() == 0 {
		return newFault(FaultDivideError)
	}
	switch w {
	case Width8:
		dividend := c.Reg16(RegEAX)
		if signed {
			q := int16(dividend) / int16(int8(src))
			r := int16(dividend) % int16(int8(src))
			if q > 127 || q < -128 {
				return newFault(FaultDivideError)
			}
			c.SetReg8(0, uint8(int8(q)))
			c.SetReg8(4, uint8(int8(r)))
		} else {
			q := dividend / uint16(uint8(src))
			r := dividend % uint16(uint8(src))
			if q > 0xFF {
				return newFault(FaultDivideError)
			}
			c.SetReg8(0, uint8(q))
			c.SetReg8(4, uint8(r))
		}
	case Width16:
		dividend := uint32(c.Reg16(RegEDX))<<16 | uint32(c.Reg16(RegEAX))
		if signed {
			q := int32(dividend) / int32(int16(src))
			r := int32(dividend) % int32(int16(src))
			if q > 32767 || q < -32768 {
				return newFault(FaultDivideError)
			}
			c.SetReg16(RegEAX, uint16(int16(q)))
			c.SetReg16(RegEDX, uint16(int16(r)))
		} else {
			q := dividend / uint32(uint16(src))
			r := dividend % uint32(uint16(src))
			if q > 0xFFFF {
				return newFault(FaultDivideError)
			}
			c.SetReg16(RegEAX, uint16(q))
			c.SetReg16(RegEDX, uint16(r))
		}
	default:
		dividend := uint64(c.Reg32(RegEDX))<<32 | uint64(c.Reg32(RegEAX))
		if signed {
			q := int64(dividend) / int64(int32(src))
			r := int64(dividend) % int64(int32(src))
			if q > int64(int32(0x7FFFFFFF)) || q < int64(int32(-0x80000000)) {
				return newFault(FaultDivideError)
			}
			c.SetReg32(RegEAX, uint32(int32(q)))
			c.SetReg32(RegEDX, uint32(int32(r)))
		} else {
			q := dividend / uint64(src)
			r := dividend % uint64(src)
			if q > 0xFFFFFFFF {
				return newFault(FaultDivideError)
			}
			c.SetReg32(RegEAX, uint32(q))
			c.SetReg32(RegEDX, uint32(r))
		}
	}
	return nil
}
