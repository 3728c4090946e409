// exec_bcd.go - decimal adjust instructions, XLAT, BOUND (spec 4.7 plus
// the BOUND/BCD/XLAT supplemental features pulled from
// original_source/x86/186.cpp)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

func (c *CPU) execAAA(insn *Instruction) *CPUFault {
	al := c.Reg8(0)
	if al&0x0F > 9 || c.flagSet(FlagAF) {
		c.SetReg8(0, al+6)
		c.SetReg8(4, c.Reg8(4)+1)
		c.setFlag(FlagAF, true)
		c.setFlag(FlagCF, true)
	} else {
		c.setFlag(FlagAF, false)
		c.setFlag(FlagCF, false)
	}
	c.SetReg8(0, c.Reg8(0)&0x0F)
	return nil
}

func (c *CPU) execAAS(insn *Instruction) *CPUFault {
	al := c.Reg8(0)
	if al&0x0F > 9 || c.flagSet(FlagAF) {
		c.SetReg8(0, al-6)
		c.SetReg8(4, c.Reg8(4)-1)
		c.setFlag(FlagAF, true)
		c.setFlag(FlagCF, true)
	} else {
		c.setFlag(FlagAF, false)
		c.setFlag(FlagCF, false)
	}
	c.SetReg8(0, c.Reg8(0)&0x0F)
	return nil
}

func (c *CPU) execAAM(insn *Instruction) *CPUFault {
	base, fault := c.fetchImmediate(insn, Width8)
	if fault != nil {
		return fault
	}
	if base == 0 {
		return newFault(FaultDivideError)
	}
	al := c.Reg8(0)
	c.SetReg8(4, al/uint8(base))
	c.SetReg8(0, al%uint8(base))
	c.setPZS(uint32(c.Reg8(0)), Width8)
	return nil
}

func (c *CPU) execAAD(insn *Instruction) *CPUFault {
	base, fault := c.fetchImmediate(insn, Width8)
	if fault != nil {
		return fault
	}
	al, ah := c.Reg8(0), c.Reg8(4)
	result := uint16(ah)*uint16(base) + uint16(al)
	c.SetReg8(0, uint8(result))
	c.SetReg8(4, 0)
	c.setPZS(uint32(c.Reg8(0)), Width8)
	return nil
}

func (c *CPU) execDAA(insn *Instruction) *CPUFault {
	al := c.Reg8(0)
	oldAF, oldCF := c.flagSet(FlagAF), c.flagSet(FlagCF)
	if al&0x0F > 9 || oldAF {
		al += 6
		c.setFlag(FlagAF, true)
	} else {
		c.setFlag(FlagAF, false)
	}
	if c.Reg8(0) > 0x99 || oldCF || (oldAF && al < c.Reg8(0)) {
		al += 0x60
		c.setFlag(FlagCF, true)
	} else {
		c.setFlag(FlagCF, false)
	}
	c.SetReg8(0, al)
	c.setPZS(uint32(al), Width8)
	return nil
}

func (c *CPU) execDAS(insn *Instruction) *CPUFault {
	al := c.Reg8(0)
	oldAF, oldCF := c.flagSet(FlagAF), c.flagSet(FlagCF)
	if al&0x0F > 9 || oldAF {
		al -= 6
		c.setFlag(FlagAF, true)
	} else {
		c.setFlag(FlagAF, false)
	}
	if c.Reg8(0) > 0x99 || oldCF {
		al -= 0x60
		c.setFlag(FlagCF, true)
	} else {
		c.setFlag(FlagCF, false)
	}
	c.SetReg8(0, al)
	c.setPZS(uint32(al), Width8)
	return nil
}

// execXLAT handles opcode 0xD7: AL = [BX or EBX + AL], through DS or
// an override.
func (c *CPU) execXLAT(insn *Instruction) *CPUFault {
	base := c.Reg32(RegEBX)
	if insn.AddressSize == Width16 {
		base = uint32(c.Reg16(RegEBX))
	}
	offset := base + uint32(c.Reg8(0))
	v, fault := c.ReadMem(insn.SegOverride, offset, Width8)
	if fault != nil {
		return fault
	}
	c.SetReg8(0, uint8(v))
	return nil
}

// execBOUND handles 0x62: #BR if the register operand lies outside the
// inclusive [lower, upper] pair stored at the memory operand.
func (c *CPU) execBOUND(insn *Instruction) *CPUFault {
	if !insn.RM.IsMemory {
		return newFault(FaultInvalidOpcode)
	}
	w := insn.OperandSize
	lower, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset, w)
	if fault != nil {
		return fault
	}
	upper, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset+uint32(w)/8, w)
	if fault != nil {
		return fault
	}
	idx, fault := c.readRM(OperandLocator{Reg: insn.RegField}, w)
	if fault != nil {
		return fault
	}
	lo := signExtendTo32(lower, w)
	hi := signExtendTo32(upper, w)
	v := signExtendTo32(idx, w)
	if v < lo || v > hi {
		return newFault(FaultBoundRange)
	}
	return nil
}
