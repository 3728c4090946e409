// exec_stack.go - PUSH/POP family, PUSHA/POPA, PUSHF/POPF, ENTER/LEAVE
// (spec 4.7; PUSHA/POPA are the 80186 addition pulled in from
// original_source/x86/186.cpp per SPEC_FULL's supplemental-features
// list)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// stackWidth is the PUSH/POP granularity: 16 or 32, from the operand
// size (SS.B does not override this the way it affects ESP wraparound,
// which stackPush/stackPop handle separately below).
func (c *CPU) stackWidth(insn *Instruction) Width {
	return insn.OperandSize
}

// stackPush decrements (E)SP by the operand width and writes through
// SS, honoring SS.B (32-bit stacks use ESP, 16-bit stacks wrap at SP).
func (c *CPU) stackPush(v uint32, w Width) *CPUFault {
	size := uint32(w) / 8
	if c.SegCache[SegSS].Rights.DB {
		esp := c.Reg32(RegESP) - size
		if fault := c.WriteMem(SegSS, esp, v, w); fault != nil {
			return fault
		}
		c.SetReg32(RegESP, esp)
	} else {
		sp := c.Reg16(RegESP) - uint16(size)
		if fault := c.WriteMem(SegSS, uint32(sp), v, w); fault != nil {
			return fault
		}
		c.SetReg16(RegESP, sp)
	}
	return nil
}

// stackPeek reads without committing the pointer update, the
// transactional half of a safe far RET/IRET pop (spec 4.8).
func (c *CPU) stackPeek(offset uint32, w Width) (uint32, *CPUFault) {
	if c.SegCache[SegSS].Rights.DB {
		return c.ReadMem(SegSS, c.Reg32(RegESP)+offset, w)
	}
	return c.ReadMem(SegSS, uint32(c.Reg16(RegESP))+offset, w)
}

func (c *CPU) stackCommitPop(total uint32) {
	size := total
	if c.SegCache[SegSS].Rights.DB {
		c.SetReg32(RegESP, c.Reg32(RegESP)+size)
	} else {
		c.SetReg16(RegESP, c.Reg16(RegESP)+uint16(size))
	}
}

func (c *CPU) stackPop(w Width) (uint32, *CPUFault) {
	v, fault := c.stackPeek(0, w)
	if fault != nil {
		return 0, fault
	}
	c.stackCommitPop(uint32(w) / 8)
	return v, nil
}

// execPushReg handles the dedicated PUSH r16/r32 (0x50-0x57), the
// register named by the opcode's low 3 bits.
func (c *CPU) execPushReg(insn *Instruction) *CPUFault {
	reg := int(insn.Opcode & 7)
	v := c.Reg32(reg)
	return c.stackPush(v, c.stackWidth(insn))
}

func (c *CPU) execPushImm(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	immWidth := w
	signExtend := false
	if insn.Opcode == 0x6A {
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
	return c.stackPush(imm, w)
}

func (c *CPU) execPushSeg(insn *Instruction) *CPUFault {
	var seg SegmentIndex
	switch insn.Opcode {
	case 0x06:
		seg = SegES
	case 0x0E:
		seg = SegCS
	case 0x16:
		seg = SegSS
	case 0x1E:
		seg = SegDS
	}
	return c.stackPush(uint32(c.Seg[seg]), c.stackWidth(insn))
}

func (c *CPU) execPopSeg(insn *Instruction) *CPUFault {
	var seg SegmentIndex
	switch insn.Opcode {
	case 0x07:
		seg = SegES
	case 0x17:
		seg = SegSS
	case 0x1F:
		seg = SegDS
	}
	v, fault := c.stackPop(c.stackWidth(insn))
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

func (c *CPU) execPopReg(insn *Instruction) *CPUFault {
	reg := int(insn.Opcode & 7)
	v, fault := c.stackPop(c.stackWidth(insn))
	if fault != nil {
		return fault
	}
	c.writeRM(OperandLocator{Reg: reg}, v, insn.OperandSize)
	return nil
}

func (c *CPU) execPushRMOrPopRM(insn *Instruction, isPush bool) *CPUFault {
	w := insn.OperandSize
	if isPush {
		v, fault := c.readRM(insn.RM, w)
		if fault != nil {
			return fault
		}
		return c.stackPush(v, w)
	}
	v, fault := c.stackPop(w)
	if fault != nil {
		return fault
	}
	return c.writeRM(insn.RM, v, w)
}

// execPUSHA/execPOPA implement the 80186 block push/pop of all eight
// GPRs, order per original_source/x86/186.cpp: AX,CX,DX,BX,SP(original
// value),BP,SI,DI pushed; popped in reverse with SP/ESP discarded.
func (c *CPU) execPUSHA(insn *Instruction) *CPUFault {
	w := insn.stackWidthOrDefault(c)
	orig := c.Reg32(RegESP)
	order := []int{RegEAX, RegECX, RegEDX, RegEBX, -1, RegEBP, RegESI, RegEDI}
	for _, reg := range order {
		var v uint32
		if reg == -1 {
			v = orig
		} else {
			v = c.Reg32(reg)
		}
		if fault := c.stackPush(v, w); fault != nil {
			return fault
		}
	}
	return nil
}

func (c *CPU) execPOPA(insn *Instruction) *CPUFault {
	w := insn.stackWidthOrDefault(c)
	order := []int{RegEDI, RegESI, RegEBP, -1, RegEBX, RegEDX, RegECX, RegEAX}
	for _, reg := range order {
		v, fault := c.stackPop(w)
		if fault != nil {
			return fault
		}
		if reg != -1 {
			c.writeRM(OperandLocator{Reg: reg}, v, w)
		}
	}
	return nil
}

func (insn *Instruction) stackWidthOrDefault(c *CPU) Width {
	return insn.OperandSize
}

// execPUSHF/execPOPF transfer EFLAGS to/from the stack. POPF in V86
// mode with IOPL<3 only updates the virtualized IF/flags per spec -
// modeled here as a plain EFLAGS load, since this core has no VME
// extension active by default.
func (c *CPU) execPUSHF(insn *Instruction) *CPUFault {
	v := c.EFLAGS
	if insn.OperandSize == Width16 {
		v &= 0xFFFF
	}
	return c.stackPush(v, insn.OperandSize)
}

func (c *CPU) execPOPF(insn *Instruction) *CPUFault {
	v, fault := c.stackPop(insn.OperandSize)
	if fault != nil {
		return fault
	}
	const userMask = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagDF | FlagOF | FlagNT
	ioplMask := uint32(0)
	if c.CPL() == 0 {
		ioplMask = FlagIOPL | FlagIF
	} else if c.IOPL() >= c.CPL() {
		ioplMask = FlagIF
	}
	mask := userMask | ioplMask
	c.EFLAGS = (c.EFLAGS &^ mask) | (v & mask) | eflagsReservedSet
	return nil
}

// execENTER/execLEAVE implement the 80186 procedure-frame helpers.
func (c *CPU) execENTER(insn *Instruction) *CPUFault {
	frameSize, fault := c.fetchImmediate(insn, Width16)
	if fault != nil {
		return fault
	}
	nestingRaw, fault := c.fetchImmediate(insn, Width8)
	if fault != nil {
		return fault
	}
	nesting := nestingRaw & 0x1F

	w := insn.OperandSize
	if fault := c.stackPush(c.Reg32(RegEBP), w); fault != nil {
		return fault
	}
	frameBase := c.Reg32(RegESP)

	for i := uint32(1); i < nesting; i++ {
		bp := c.Reg32(RegEBP) - uint32(w)/8*i
		v, fault := c.ReadMem(SegSS, bp, w)
		if fault != nil {
			return fault
		}
		if fault := c.stackPush(v, w); fault != nil {
			return fault
		}
	}
	if nesting > 0 {
		if fault := c.stackPush(frameBase, w); fault != nil {
			return fault
		}
	}

	c.writeRM(OperandLocator{Reg: RegEBP}, frameBase, w)
	if c.SegCache[SegSS].Rights.DB {
		c.SetReg32(RegESP, c.Reg32(RegESP)-frameSize)
	} else {
		c.SetReg16(RegESP, c.Reg16(RegESP)-uint16(frameSize))
	}
	return nil
}

func (c *CPU) execLEAVE(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if c.SegCache[SegSS].Rights.DB {
		c.SetReg32(RegESP, c.Reg32(RegEBP))
	} else {
		c.SetReg16(RegESP, uint16(c.Reg32(RegEBP)))
	}
	v, fault := c.stackPop(w)
	if fault != nil {
		return fault
	}
	c.writeRM(OperandLocator{Reg: RegEBP}, v, w)
	return nil
}
