// interrupt.go - interrupt/exception delivery: real-mode IVT, protected
// mode IDT, error-code push, double-fault/shutdown promotion (spec 4.9)
//
// A single interrupt() entry point serves hardware IRQs, software INT,
// and CPU-raised faults alike, grounded on
// original_source/x86/interrupt.cpp's single dispatch function; the
// three callers (pollInterrupt, execINTImm, CPU.raise) differ only in
// how the vector and error code are produced, not in delivery.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// interrupt is the never-fails entry point: deliver vector, promoting
// to #DF and then to shutdown if delivery itself faults.
func (c *CPU) interrupt(vector uint8, hasErrorCode bool, errorCode uint16) {
	c.interruptWithPromotion(vector, hasErrorCode, errorCode)
}

func (c *CPU) interruptWithPromotion(vector uint8, hasErrorCode bool, errorCode uint16) {
	if c.inFaultHandler {
		c.shutdown()
		return
	}
	c.inFaultHandler = true
	err := c.interruptFallible(vector, hasErrorCode, errorCode)
	c.inFaultHandler = false
	if err == nil {
		return
	}

	c.inFaultHandler = true
	err2 := c.interruptFallible(FaultDoubleFault.Vector(), true, 0)
	c.inFaultHandler = false
	if err2 != nil {
		c.shutdown()
	}
}

// interruptFallible performs the actual vector dispatch and can itself
// fault (e.g. #GP reading past the IDT limit, or a nested #PF reading
// the handler's stack) - the caller decides whether that failure
// promotes to #DF or straight to shutdown.
func (c *CPU) interruptFallible(vector uint8, hasErrorCode bool, errorCode uint16) *CPUFault {
	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 && c.idtUsableForRealMode() {
		return c.interruptRealMode(vector)
	}
	return c.interruptProtectedMode(vector, hasErrorCode, errorCode)
}

// idtUsableForRealMode reports true in both literal real mode and V86
// mode: both address the interrupt table through the flat IVT
// convention rather than IDT descriptors (V86 exceptions are instead
// usually reflected to a monitor via the IDT, but this core does not
// model a V86 monitor, so V86 interrupts use the same IVT path as real
// mode, which is what the teacher's original real-mode-only core did).
func (c *CPU) idtUsableForRealMode() bool {
	return true
}

func (c *CPU) interruptRealMode(vector uint8) *CPUFault {
	ivtEntry := LinearAddress(uint32(vector) * 4)
	offset, fault := c.ReadMetalDword(ivtEntry)
	if fault != nil {
		return fault
	}
	newIP := uint16(offset)
	newCS := uint16(offset >> 16)

	if fault := c.stackPush(c.EFLAGS&0xFFFF, Width16); fault != nil {
		return fault
	}
	if fault := c.stackPush(uint32(c.Seg[SegCS]), Width16); fault != nil {
		return fault
	}
	if fault := c.stackPush(c.EIP&0xFFFF, Width16); fault != nil {
		return fault
	}

	c.setFlag(FlagIF, false)
	c.setFlag(FlagTF, false)
	c.setFlag(FlagAC, false)

	if fault := c.loadSegment(SegCS, Selector(newCS)); fault != nil {
		return fault
	}
	c.EIP = uint32(newIP)
	c.suppressAutoAdvance()
	return nil
}

// interruptProtectedMode reads the IDT gate for vector, validates it,
// and transfers control - through a privilege-raising stack switch
// when the gate's target is more privileged than CPL, mirroring
// transferThroughGate's ring-transition shape in control_transfer.go.
func (c *CPU) interruptProtectedMode(vector uint8, hasErrorCode bool, errorCode uint16) *CPUFault {
	off := uint32(vector) * 8
	if off+7 > c.IDTR.Limit {
		return gpSelector(Selector(uint16(vector)*8 + 2))
	}
	var raw RawDescriptor
	for i := 0; i < 8; i++ {
		b, fault := c.ReadMetalByte(c.IDTR.Base + LinearAddress(off) + LinearAddress(i))
		if fault != nil {
			return fault
		}
		raw[i] = b
	}
	gate := parseRawDescriptor(raw)

	if gate.Kind == DescTaskGate {
		// EIP already names the correct resume point here: Step and
		// execINTImm both arrange for that before any interrupt path
		// runs, unlike the JMP/CALL TSS paths in control_transfer.go
		// which must pass it in explicitly.
		return c.switchTaskViaGate(gate, c.EIP)
	}
	if gate.Kind != DescIntGate16 && gate.Kind != DescIntGate32 && gate.Kind != DescTrapGate16 && gate.Kind != DescTrapGate32 {
		return gpSelector(Selector(uint16(vector) * 8))
	}
	if !gate.Present {
		return npSelector(Selector(uint16(vector) * 8))
	}

	targetSel := gate.GateSelector
	targetDesc, fault := c.fetchDescriptor(targetSel)
	if fault != nil {
		return fault
	}
	if targetDesc.Kind != DescCode || !targetDesc.Present {
		return gpSelector(targetSel)
	}

	w := insn16or32(gate.Kind == DescIntGate32 || gate.Kind == DescTrapGate32)
	cpl := c.CPL()
	newCPL := targetDesc.DPL

	oldSS, oldESP := uint32(c.Seg[SegSS]), c.Reg32(RegESP)
	oldCS, oldEIP, oldFlags := uint32(c.Seg[SegCS]), c.EIP, c.EFLAGS

	if newCPL < cpl {
		newSS, newESP, fault := c.tssStackFor(newCPL)
		if fault != nil {
			return fault
		}
		// CPL() reads the CS selector's RPL; the SS load here and the CS
		// load below are checked at the handler's privilege level.
		c.Seg[SegCS] = uint16(oldCS)&^0x3 | uint16(newCPL)
		if fault := c.loadSegment(SegSS, newSS); fault != nil {
			c.Seg[SegCS] = uint16(oldCS)
			return fault
		}
		c.SetReg32(RegESP, newESP)
		if fault := c.stackPush(oldSS, w); fault != nil {
			return fault
		}
		if fault := c.stackPush(oldESP, w); fault != nil {
			return fault
		}
	}

	if fault := c.stackPush(oldFlags, w); fault != nil {
		return fault
	}
	if fault := c.stackPush(oldCS, w); fault != nil {
		return fault
	}
	if fault := c.stackPush(oldEIP, w); fault != nil {
		return fault
	}
	if hasErrorCode {
		if fault := c.stackPush(uint32(errorCode), w); fault != nil {
			return fault
		}
	}

	if fault := c.loadSegment(SegCS, Selector(uint16(targetSel)&^0x3|uint16(newCPL))); fault != nil {
		return fault
	}
	c.EIP = gate.GateOffset
	c.suppressAutoAdvance()

	if gate.Kind == DescIntGate16 || gate.Kind == DescIntGate32 {
		c.setFlag(FlagIF, false)
	}
	c.setFlag(FlagTF, false)
	c.setFlag(FlagNT, false)
	c.setFlag(FlagVM, false)
	return nil
}

// iret restores the interrupted context, using the real-mode IVT shape
// when CR0.PE is clear and the protected-mode cross-privilege path
// otherwise.
func (c *CPU) iret(w Width) {
	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 {
		if fault := c.iretRealMode(); fault != nil {
			c.raise(fault)
		}
		return
	}
	if fault := c.iretProtectedMode(w); fault != nil {
		c.raise(fault)
	}
}

func (c *CPU) iretRealMode() *CPUFault {
	newIP, fault := c.stackPeek(0, Width16)
	if fault != nil {
		return fault
	}
	newCS, fault := c.stackPeek(2, Width16)
	if fault != nil {
		return fault
	}
	newFlags, fault := c.stackPeek(4, Width16)
	if fault != nil {
		return fault
	}
	c.stackCommitPop(6)
	if fault := c.loadSegment(SegCS, Selector(newCS)); fault != nil {
		return fault
	}
	c.EIP = uint32(newIP)
	c.EFLAGS = (c.EFLAGS &^ 0xFFFF) | uint32(newFlags) | eflagsReservedSet
	return nil
}

func (c *CPU) iretProtectedMode(w Width) *CPUFault {
	size := uint32(w) / 8
	newEIP, fault := c.stackPeek(0, w)
	if fault != nil {
		return fault
	}
	newCS, fault := c.stackPeek(size, w)
	if fault != nil {
		return fault
	}
	newFlags, fault := c.stackPeek(2*size, w)
	if fault != nil {
		return fault
	}

	sel := Selector(newCS)
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	if d.Kind != DescCode {
		return gpSelector(sel)
	}
	cpl := c.CPL()
	if sel.RPL() < cpl {
		return gpSelector(sel)
	}

	if newFlags&FlagNT != 0 {
		return c.returnFromNestedTask()
	}

	if sel.RPL() > cpl {
		newESP, fault := c.stackPeek(3*size, w)
		if fault != nil {
			return fault
		}
		newSS, fault := c.stackPeek(4*size, w)
		if fault != nil {
			return fault
		}
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = newEIP
		c.restoreFlagsFromIRET(newFlags, cpl)
		if fault := c.loadSegment(SegSS, Selector(newSS)); fault != nil {
			return fault
		}
		c.SetReg32(RegESP, newESP)
		return nil
	}

	if fault := c.loadSegment(SegCS, sel); fault != nil {
		return fault
	}
	c.stackCommitPop(3 * size)
	c.EIP = newEIP
	c.restoreFlagsFromIRET(newFlags, cpl)
	return nil
}

func (c *CPU) restoreFlagsFromIRET(newFlags uint32, cpl uint8) {
	mask := uint32(FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagDF | FlagOF | FlagNT)
	if cpl == 0 {
		mask |= FlagIOPL | FlagIF
	} else if c.IOPL() >= cpl {
		mask |= FlagIF
	}
	c.EFLAGS = (c.EFLAGS &^ mask) | (newFlags & mask) | eflagsReservedSet
}
