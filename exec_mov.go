// exec_mov.go - data movement: MOV family, LEA, XCHG, sign/zero extend
// (spec 4.7)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// execMovRM handles 0x88-0x8B: MOV between r/m and reg.
func (c *CPU) execMovRM(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0x88 || insn.Opcode == 0x8A {
		w = Width8
	}
	toRM := insn.Opcode == 0x88 || insn.Opcode == 0x89

	if toRM {
		v, fault := c.readRM(OperandLocator{Reg: insn.RegField}, w)
		if fault != nil {
			return fault
		}
		return c.writeRM(insn.RM, v, w)
	}
	v, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}
	return c.writeRM(OperandLocator{Reg: insn.RegField}, v, w)
}

// execMovImmRM handles 0xC6/0xC7: MOV r/m, imm.
func (c *CPU) execMovImmRM(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xC6 {
		w = Width8
	}
	imm, fault := c.fetchImmediate(insn, w)
	if fault != nil {
		return fault
	}
	return c.writeRM(insn.RM, imm, w)
}

// execMovImmReg handles 0xB0-0xBF: MOV reg, imm (register encoded in
// the low 3 bits of the opcode itself, no ModR/M byte).
func (c *CPU) execMovImmReg(insn *Instruction) *CPUFault {
	reg := int(insn.Opcode & 7)
	w := insn.OperandSize
	if insn.Opcode < 0xB8 {
		w = Width8
	}
	imm, fault := c.fetchImmediate(insn, w)
	if fault != nil {
		return fault
	}
	return c.writeRM(OperandLocator{Reg: reg}, imm, w)
}

// execMovMoffs handles 0xA0-0xA3: MOV AL/eAX, [moffs] and the reverse,
// using DS (or a segment override) and a direct address-sized offset.
func (c *CPU) execMovMoffs(insn *Instruction) *CPUFault {
	off, fault := c.fetchImmediate(insn, insn.AddressSize)
	if fault != nil {
		return fault
	}
	seg := insn.SegOverride
	w := insn.OperandSize
	if insn.Opcode == 0xA0 || insn.Opcode == 0xA2 {
		w = Width8
	}
	loc := OperandLocator{IsMemory: true, Seg: seg, Offset: off}
	if insn.Opcode == 0xA0 || insn.Opcode == 0xA1 {
		v, fault := c.readRM(loc, w)
		if fault != nil {
			return fault
		}
		return c.writeRM(OperandLocator{Reg: 0}, v, w)
	}
	v, fault := c.readRM(OperandLocator{Reg: 0}, w)
	if fault != nil {
		return fault
	}
	return c.writeRM(loc, v, w)
}

// execMovSeg handles 0x8C (MOV r/m, seg) and 0x8E (MOV seg, r/m). The
// ModR/M reg field selects among ES,CS,SS,DS,FS,GS.
func (c *CPU) execMovSeg(insn *Instruction) *CPUFault {
	seg := SegmentIndex(insn.RegField)
	if seg > SegGS {
		return newFault(FaultInvalidOpcode)
	}
	if insn.Opcode == 0x8C {
		return c.writeRM(insn.RM, uint32(c.Seg[seg]), Width16)
	}
	v, fault := c.readRM(insn.RM, Width16)
	if fault != nil {
		return fault
	}
	if fault := c.loadSegment(seg, Selector(v)); fault != nil {
		return fault
	}
	if seg == SegSS {
		c.suppressInterruptOnce = true
	}
	return nil
}

// execLEA handles 0x8D: load the computed effective address (not its
// contents) into the destination register.
func (c *CPU) execLEA(insn *Instruction) *CPUFault {
	if !insn.RM.IsMemory {
		return newFault(FaultInvalidOpcode)
	}
	return c.writeRM(OperandLocator{Reg: insn.RegField}, insn.RM.Offset, insn.OperandSize)
}

// execXCHG handles 0x86/0x87 (rm, reg) and 0x90-0x97 (reg, eAX).
func (c *CPU) execXCHG(insn *Instruction) *CPUFault {
	if insn.Opcode >= 0x90 {
		reg := int(insn.Opcode & 7)
		if reg == 0 {
			return nil // 0x90 is NOP
		}
		a := c.Reg32(RegEAX)
		b := c.Reg32(reg)
		if insn.OperandSize == Width16 {
			av, bv := c.Reg16(RegEAX), c.Reg16(reg)
			c.SetReg16(RegEAX, bv)
			c.SetReg16(reg, av)
		} else {
			c.SetReg32(RegEAX, b)
			c.SetReg32(reg, a)
		}
		return nil
	}
	w := insn.OperandSize
	if insn.Opcode == 0x86 {
		w = Width8
	}
	a, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}
	b, fault := c.readRM(OperandLocator{Reg: insn.RegField}, w)
	if fault != nil {
		return fault
	}
	if fault := c.writeRM(insn.RM, b, w); fault != nil {
		return fault
	}
	return c.writeRM(OperandLocator{Reg: insn.RegField}, a, w)
}

// execMovSXZX handles the 0F B6/B7 (MOVZX) and 0F BE/BF (MOVSX) forms.
func (c *CPU) execMovSXZX(insn *Instruction, signed bool) *CPUFault {
	srcWidth := Width8
	if insn.Opcode == 0xB7 || insn.Opcode == 0xBF {
		srcWidth = Width16
	}
	v, fault := c.readRM(insn.RM, srcWidth)
	if fault != nil {
		return fault
	}
	var ext uint32
	if signed {
		ext = uint32(signExtendTo32(v, srcWidth))
	} else {
		ext = v
	}
	return c.writeRM(OperandLocator{Reg: insn.RegField}, ext, insn.OperandSize)
}

// execCBWCWDE handles 0x98: sign-extend AL into AX, or AX into EAX,
// depending on the operand-size prefix.
func (c *CPU) execCBWCWDE(insn *Instruction) *CPUFault {
	if insn.OperandSize == Width16 {
		c.SetReg16(RegEAX, uint16(int16(int8(c.Reg8(0)))))
	} else {
		c.SetReg32(RegEAX, uint32(int32(int16(c.Reg16(RegEAX)))))
	}
	return nil
}

// execCWDCDQ handles 0x99: sign-extend AX into DX:AX, or EAX into
// EDX:EAX.
func (c *CPU) execCWDCDQ(insn *Instruction) *CPUFault {
	if insn.OperandSize == Width16 {
		v := int16(c.Reg16(RegEAX))
		if v < 0 {
			c.SetReg16(RegEDX, 0xFFFF)
		} else {
			c.SetReg16(RegEDX, 0)
		}
	} else {
		v := int32(c.Reg32(RegEAX))
		if v < 0 {
			c.SetReg32(RegEDX, 0xFFFFFFFF)
		} else {
			c.SetReg32(RegEDX, 0)
		}
	}
	return nil
}
