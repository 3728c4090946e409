// exec_string.go - string instructions with IRQ-interruptible REP
// (spec 8 scenario 6, grounded on original_source/x86/string.cpp's
// per-element loop)
//
// A REP-prefixed string instruction is executed one element at a time:
// the first call from dispatch() runs one iteration and, if the count
// has not reached its termination condition, parks the decoded
// Instruction in CPU.pendingStringRestart instead of looping internally.
// Step() then re-enters stepStringElement on every subsequent call,
// polling for a pending IRQ between each element exactly as it would
// between two ordinary instructions - this is what lets an interrupt
// land mid-REP without losing progress or corrupting (E)SI/(E)DI/ECX.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

type stringOp int

const (
	strMOVS stringOp = iota
	strCMPS
	strSCAS
	strSTOS
	strLODS
	strINS
	strOUTS
)

func stringOpFor(opcode byte) (stringOp, Width) {
	w := Width8
	if opcode&1 != 0 {
		w = Width16 // widened to OperandSize by caller when set
	}
	switch opcode &^ 1 {
	case 0xA4:
		return strMOVS, w
	case 0xA6:
		return strCMPS, w
	case 0xAA:
		return strSTOS, w
	case 0xAC:
		return strLODS, w
	case 0xAE:
		return strSCAS, w
	case 0x6C:
		return strINS, w
	case 0x6E:
		return strOUTS, w
	}
	return strMOVS, w
}

// execStringOp is dispatch()'s entry point for the string-instruction
// opcodes. A REP form parks a copy of insn, not the Instruction
// dispatch() holds on its stack, since it may outlive this call inside
// pendingStringRestart.
func (c *CPU) execStringOp(insn *Instruction) *CPUFault {
	if insn.RepPrefix == 0 {
		_, fault := c.stringLoopStep(insn)
		return fault
	}

	if c.stringCount(insn) == 0 {
		return nil
	}

	done, fault := c.stringLoopStep(insn)
	if fault != nil {
		return fault
	}
	if done {
		return nil
	}

	parked := *insn
	c.pendingStringRestart = &parked
	c.startedStringRep = true
	return nil
}

// stepStringElement is Step's re-entry point while a REP loop is
// in flight.
func (c *CPU) stepStringElement(insn *Instruction) *CPUFault {
	done, fault := c.stringLoopStep(insn)
	if fault != nil {
		return fault
	}
	if done {
		c.EIP += uint32(insn.Length)
		c.pendingStringRestart = nil
	}
	return nil
}

func (c *CPU) stringCount(insn *Instruction) uint32 {
	if insn.AddressSize == Width32 {
		return c.Reg32(RegECX)
	}
	return uint32(c.Reg16(RegECX))
}

func (c *CPU) decStringCount(insn *Instruction) uint32 {
	if insn.AddressSize == Width32 {
		v := c.Reg32(RegECX) - 1
		c.SetReg32(RegECX, v)
		return v
	}
	v := c.Reg16(RegECX) - 1
	c.SetReg16(RegECX, v)
	return uint32(v)
}

// stringLoopStep performs exactly one element of the string op named
// by insn.Opcode, decrements the count when a REP prefix is present,
// and reports whether the REP loop (if any) has reached its
// termination condition.
func (c *CPU) stringLoopStep(insn *Instruction) (done bool, fault *CPUFault) {
	op, _ := stringOpFor(insn.Opcode)
	w := insn.OperandSize
	if insn.Opcode&1 == 0 {
		w = Width8
	}
	size := int32(w) / 8
	if c.flagSet(FlagDF) {
		size = -size
	}

	switch op {
	case strMOVS:
		v, f := c.ReadMem(insn.SegOverride, c.addrReg(insn, RegESI), w)
		if f != nil {
			return false, f
		}
		if f := c.WriteMem(SegES, c.addrReg(insn, RegEDI), v, w); f != nil {
			return false, f
		}
		c.bumpIndex(insn, RegESI, size)
		c.bumpIndex(insn, RegEDI, size)
	case strCMPS:
		a, f := c.ReadMem(insn.SegOverride, c.addrReg(insn, RegESI), w)
		if f != nil {
			return false, f
		}
		b, f := c.ReadMem(SegES, c.addrReg(insn, RegEDI), w)
		if f != nil {
			return false, f
		}
		c.aluSub(a, b, 0, w)
		c.bumpIndex(insn, RegESI, size)
		c.bumpIndex(insn, RegEDI, size)
	case strSCAS:
		v, f := c.ReadMem(SegES, c.addrReg(insn, RegEDI), w)
		if f != nil {
			return false, f
		}
		acc, _ := c.readRM(OperandLocator{Reg: RegEAX}, w)
		c.aluSub(acc, v, 0, w)
		c.bumpIndex(insn, RegEDI, size)
	case strSTOS:
		acc, _ := c.readRM(OperandLocator{Reg: RegEAX}, w)
		if f := c.WriteMem(SegES, c.addrReg(insn, RegEDI), acc, w); f != nil {
			return false, f
		}
		c.bumpIndex(insn, RegEDI, size)
	case strLODS:
		v, f := c.ReadMem(insn.SegOverride, c.addrReg(insn, RegESI), w)
		if f != nil {
			return false, f
		}
		c.writeRM(OperandLocator{Reg: RegEAX}, v, w)
		c.bumpIndex(insn, RegESI, size)
	case strINS:
		if f := c.checkIOPermission(uint16(c.Reg16(RegEDX)), w); f != nil {
			return false, f
		}
		v := c.io.Read(uint16(c.Reg16(RegEDX)), w)
		if f := c.WriteMem(SegES, c.addrReg(insn, RegEDI), v, w); f != nil {
			return false, f
		}
		c.bumpIndex(insn, RegEDI, size)
	case strOUTS:
		if f := c.checkIOPermission(uint16(c.Reg16(RegEDX)), w); f != nil {
			return false, f
		}
		v, f := c.ReadMem(insn.SegOverride, c.addrReg(insn, RegESI), w)
		if f != nil {
			return false, f
		}
		c.io.Write(uint16(c.Reg16(RegEDX)), v, w)
		c.bumpIndex(insn, RegESI, size)
	}

	if insn.RepPrefix == 0 {
		return true, nil
	}

	remaining := c.decStringCount(insn)
	if op == strCMPS || op == strSCAS {
		wantZF := insn.RepPrefix == 0xF3 // REPE/REPZ continues while ZF=1
		if c.flagSet(FlagZF) != wantZF {
			return true, nil
		}
	}
	return remaining == 0, nil
}

func (c *CPU) addrReg(insn *Instruction, reg int) uint32 {
	if insn.AddressSize == Width32 {
		return c.Reg32(reg)
	}
	return uint32(c.Reg16(reg))
}

func (c *CPU) bumpIndex(insn *Instruction, reg int, delta int32) {
	if insn.AddressSize == Width32 {
		c.SetReg32(reg, uint32(int32(c.Reg32(reg))+delta))
	} else {
		c.SetReg16(reg, uint16(int32(c.Reg16(reg))+delta))
	}
}
