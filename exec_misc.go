// exec_misc.go - flag instructions, IN/OUT, and the system-instruction
// set (LGDT/LIDT/SGDT/SIDT/LLDT/SLDT/LTR/STR/LMSW/SMSW/CLTS/ARPL/VERR/
// VERW/LAR/LSL, MOV to/from CR/DR), grounded on original_source/x86/mov.cpp's
// CR/DR handling and original_source/x86/CPU.cpp's descriptor-table loads.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

func (c *CPU) execCLC(*Instruction) *CPUFault { c.setFlag(FlagCF, false); return nil }
func (c *CPU) execSTC(*Instruction) *CPUFault { c.setFlag(FlagCF, true); return nil }
func (c *CPU) execCMC(*Instruction) *CPUFault { c.EFLAGS ^= FlagCF; return nil }
func (c *CPU) execCLI(*Instruction) *CPUFault { c.setFlag(FlagIF, false); return nil }
func (c *CPU) execSTI(*Instruction) *CPUFault { c.setFlag(FlagIF, true); return nil }
func (c *CPU) execCLD(*Instruction) *CPUFault { c.setFlag(FlagDF, false); return nil }
func (c *CPU) execSTD(*Instruction) *CPUFault { c.setFlag(FlagDF, true); return nil }
func (c *CPU) execNOP(*Instruction) *CPUFault { return nil }

func (c *CPU) execHLT(*Instruction) *CPUFault {
	c.halted = true
	return nil
}

// execVKILL handles opcode 0xF1, spec 6's autotest-only shutdown
// instruction: outside a harness that has called EnableAutotestMode it
// is simply undefined, matching real hardware's reserved ICEBP/INT1
// encoding.
func (c *CPU) execVKILL(*Instruction) *CPUFault {
	if !c.autotestMode {
		return newFault(FaultInvalidOpcode)
	}
	c.halted = true
	if c.autotestExit != nil {
		c.autotestExit(0)
	}
	return nil
}

// execIN/execOUT handle the fixed-port (0xE4-0xE7) and DX-addressed
// (0xEC-0xEF) forms.
func (c *CPU) execIN(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xE4 || insn.Opcode == 0xEC {
		w = Width8
	}
	var port uint16
	if insn.Opcode == 0xE4 || insn.Opcode == 0xE5 {
		imm, fault := c.fetchImmediate(insn, Width8)
		if fault != nil {
			return fault
		}
		port = uint16(imm)
	} else {
		port = c.Reg16(RegEDX)
	}
	if fault := c.checkIOPermission(port, w); fault != nil {
		return fault
	}
	v := c.io.Read(port, w)
	c.writeWidenedEAXOrAL(v, w)
	return nil
}

func (c *CPU) execOUT(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xE6 || insn.Opcode == 0xEE {
		w = Width8
	}
	var port uint16
	if insn.Opcode == 0xE6 || insn.Opcode == 0xE7 {
		imm, fault := c.fetchImmediate(insn, Width8)
		if fault != nil {
			return fault
		}
		port = uint16(imm)
	} else {
		port = c.Reg16(RegEDX)
	}
	if fault := c.checkIOPermission(port, w); fault != nil {
		return fault
	}
	v, _ := c.readRM(OperandLocator{Reg: RegEAX}, w)
	c.io.Write(port, v, w)
	return nil
}

func (c *CPU) writeWidenedEAXOrAL(v uint32, w Width) {
	switch w {
	case Width8:
		c.SetReg8(0, uint8(v))
	case Width16:
		c.SetReg16(RegEAX, uint16(v))
	default:
		c.SetReg32(RegEAX, v)
	}
}

// execGroup0F01 handles 0F 01, distinguished by the ModR/M reg field
// (0=SGDT,1=SIDT,2=LGDT,3=LIDT,4=SMSW,6=LMSW); reg 5 and 7 (INVLPG)
// raise #UD.
func (c *CPU) execGroup0F01(insn *Instruction) *CPUFault {
	switch insn.RegField {
	case 0, 1:
		if !insn.RM.IsMemory {
			return newFault(FaultInvalidOpcode)
		}
		reg := &c.GDTR
		if insn.RegField == 1 {
			reg = &c.IDTR
		}
		if fault := c.WriteMem(insn.RM.Seg, insn.RM.Offset, reg.Limit&0xFFFF, Width16); fault != nil {
			return fault
		}
		return c.WriteMem(insn.RM.Seg, insn.RM.Offset+2, uint32(reg.Base), Width32)
	case 2, 3:
		if c.CPL() != 0 {
			return newFault(FaultGeneralProtect)
		}
		limit, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset, Width16)
		if fault != nil {
			return fault
		}
		base, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset+2, Width32)
		if fault != nil {
			return fault
		}
		reg := &c.GDTR
		if insn.RegField == 3 {
			reg = &c.IDTR
		}
		reg.Limit = limit
		reg.Base = LinearAddress(base)
		return nil
	case 4: // SMSW
		return c.writeRM(insn.RM, c.CR0&0xFFFF, Width16)
	case 6: // LMSW
		if c.CPL() != 0 {
			return newFault(FaultGeneralProtect)
		}
		v, fault := c.readRM(insn.RM, Width16)
		if fault != nil {
			return fault
		}
		c.CR0 = (c.CR0 &^ 0xF) | (v & 0xF)
		return nil
	default:
		return newFault(FaultInvalidOpcode)
	}
}

// execGroup0F00 handles 0F 00: SLDT(0)/STR(1)/LLDT(2)/LTR(3)/VERR(4)/VERW(5).
func (c *CPU) execGroup0F00(insn *Instruction) *CPUFault {
	switch insn.RegField {
	case 0:
		return c.writeRM(insn.RM, uint32(c.LDTR), Width16)
	case 1:
		return c.writeRM(insn.RM, uint32(c.TR), Width16)
	case 2:
		if c.CPL() != 0 {
			return newFault(FaultGeneralProtect)
		}
		v, fault := c.readRM(insn.RM, Width16)
		if fault != nil {
			return fault
		}
		sel := Selector(v)
		if sel.IsNull() {
			c.LDTR = sel
			c.ldtCache = SegmentCache{Usable: false}
			return nil
		}
		d, fault := c.fetchDescriptor(sel)
		if fault != nil {
			return fault
		}
		if d.Kind != DescLDT {
			return gpSelector(sel)
		}
		c.LDTR = sel
		c.ldtCache = SegmentCache{Selector: sel, Base: LinearAddress(d.Base), Limit: d.Limit, Usable: true}
		return nil
	case 3:
		if c.CPL() != 0 {
			return newFault(FaultGeneralProtect)
		}
		v, fault := c.readRM(insn.RM, Width16)
		if fault != nil {
			return fault
		}
		sel := Selector(v)
		d, fault := c.fetchDescriptor(sel)
		if fault != nil {
			return fault
		}
		if d.Kind != DescTSS16 && d.Kind != DescTSS32 {
			return gpSelector(sel)
		}
		c.TR = sel
		c.trCache = SegmentCache{Selector: sel, Base: LinearAddress(d.Base), Limit: d.Limit, Usable: true, Rights: DescriptorRights{Type: d.RawType}}
		return nil
	case 4, 5:
		v, fault := c.readRM(insn.RM, Width16)
		if fault != nil {
			return fault
		}
		sel := Selector(v)
		result := c.verifyAccess(sel, insn.RegField == 5)
		c.setFlag(FlagZF, result)
		return nil
	default:
		return newFault(FaultInvalidOpcode)
	}
}

// verifyAccess implements VERR (forWrite=false) / VERW (forWrite=true):
// true if sel names a present code/data descriptor the current
// privilege level could actually access for that purpose.
func (c *CPU) verifyAccess(sel Selector, forWrite bool) bool {
	if sel.IsNull() {
		return false
	}
	d, fault := c.fetchDescriptor(sel)
	if fault != nil || !d.Present {
		return false
	}
	if d.Kind.isSystemSegment() || d.Kind.isGate() {
		return false
	}
	if forWrite && (d.isCode() || !d.writable()) {
		return false
	}
	cpl := c.CPL()
	rpl := sel.RPL()
	max := cpl
	if rpl > max {
		max = rpl
	}
	if d.isCode() && !d.conforming() && d.DPL < max {
		return false
	}
	if d.isData() && d.DPL < max {
		return false
	}
	return true
}

func (c *CPU) execCLTS(*Instruction) *CPUFault {
	if c.CPL() != 0 {
		return newFault(FaultGeneralProtect)
	}
	c.CR0 &^= CR0TS
	return nil
}

// execLAR/execLSL handle 0F 02/0F 03.
func (c *CPU) execLAR(insn *Instruction) *CPUFault {
	v, fault := c.readRM(insn.RM, Width16)
	if fault != nil {
		return fault
	}
	sel := Selector(v)
	d, fault2 := c.fetchDescriptor(sel)
	ok := fault2 == nil && d.Present && !d.Kind.isGate()
	c.setFlag(FlagZF, ok)
	if ok {
		accessByte := uint32(d.Raw[5])<<8 | uint32(d.Raw[6]&0xF0)
		c.writeRM(OperandLocator{Reg: insn.RegField}, accessByte, insn.OperandSize)
	}
	return nil
}

func (c *CPU) execLSL(insn *Instruction) *CPUFault {
	v, fault := c.readRM(insn.RM, Width16)
	if fault != nil {
		return fault
	}
	sel := Selector(v)
	d, fault2 := c.fetchDescriptor(sel)
	ok := fault2 == nil && d.Present && !d.Kind.isGate() && d.Kind != DescInvalid
	c.setFlag(FlagZF, ok)
	if ok {
		c.writeRM(OperandLocator{Reg: insn.RegField}, d.Limit, insn.OperandSize)
	}
	return nil
}

// execARPL handles 0x63: adjust r/m's RPL up to the register operand's
// RPL if lower, setting ZF when an adjustment happened.
func (c *CPU) execARPL(insn *Instruction) *CPUFault {
	dst, fault := c.readRM(insn.RM, Width16)
	if fault != nil {
		return fault
	}
	src, fault := c.readRM(OperandLocator{Reg: insn.RegField}, Width16)
	if fault != nil {
		return fault
	}
	if Selector(dst).RPL() < Selector(src).RPL() {
		dst = (dst &^ 0x3) | uint32(Selector(src).RPL())
		c.setFlag(FlagZF, true)
		return c.writeRM(insn.RM, dst, Width16)
	}
	c.setFlag(FlagZF, false)
	return nil
}

// execMovCR/execMovDR handle 0F 20-23: MOV to/from CR0/CR2/CR3/CR4 and
// DR0-DR7, grounded on original_source/x86/mov.cpp.
func (c *CPU) execMovCR(insn *Instruction, toCR bool) *CPUFault {
	if c.CPL() != 0 {
		return newFault(FaultGeneralProtect)
	}
	var ptr *uint32
	switch insn.RegField {
	case 0:
		ptr = &c.CR0
	case 2:
		ptr = &c.CR2
	case 3:
		ptr = &c.CR3
	case 4:
		ptr = &c.CR4
	default:
		return newFault(FaultInvalidOpcode)
	}
	gprLoc := OperandLocator{Reg: insn.RM.Reg}
	if toCR {
		v, fault := c.readRM(gprLoc, Width32)
		if fault != nil {
			return fault
		}
		*ptr = v
		return nil
	}
	return c.writeRM(gprLoc, *ptr, Width32)
}

func (c *CPU) execMovDR(insn *Instruction, toDR bool) *CPUFault {
	if c.CPL() != 0 {
		return newFault(FaultGeneralProtect)
	}
	idx := insn.RegField & 7
	gprLoc := OperandLocator{Reg: insn.RM.Reg}
	if toDR {
		v, fault := c.readRM(gprLoc, Width32)
		if fault != nil {
			return fault
		}
		c.DR[idx] = v
		return nil
	}
	return c.writeRM(gprLoc, c.DR[idx], Width32)
}

// execWAIT handles 0x9B (WAIT) as a no-op: this core has no FPU to
// wait for.
func (c *CPU) execWAIT(*Instruction) *CPUFault { return nil }
