package x386core

import "testing"

// TestInterruptProtectedModeGateDelivery exercises IDT interrupt-gate
// delivery at the same privilege level: no stack switch, flags/CS/EIP
// pushed on the current stack, IF cleared for an interrupt gate.
func TestInterruptProtectedModeGateDelivery(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	enterProtectedModeFlatGDT(c)
	c.setFlag(FlagIF, true)

	// Target code descriptor at selector 0x18, base 0x6000.
	writeDescriptorAt(c, c.GDTR.Base, 3, makeSegDescriptor(0x6000, 0xFFFF, segTypeCodeRX, 0, true, true))

	idtBase := LinearAddress(0x4000)
	c.IDTR = DescriptorTableRegister{Base: idtBase, Limit: 0xFF*8 + 7}
	writeDescriptorAt(c, idtBase, 0x40, makeGateDescriptor(Selector(0x18), 0x300, sysTypeIntGate32, 0, true, 0))

	c.SetReg32(RegESP, 0x8000)
	c.EIP = 0x500
	savedEIP := c.EIP

	c.interrupt(0x40, false, 0)

	if c.Seg[SegCS] != 0x18 || c.EIP != 0x300 {
		t.Fatalf("CS:EIP after gate delivery = %04X:%X, want 0018:300", c.Seg[SegCS], c.EIP)
	}
	if c.flagSet(FlagIF) {
		t.Error("interrupt gate delivery must clear IF")
	}
	poppedEIP, _ := c.ReadMem(SegSS, c.Reg32(RegESP), Width32)
	if poppedEIP != savedEIP {
		t.Errorf("pushed return EIP = 0x%X, want 0x%X", poppedEIP, savedEIP)
	}
}

// TestInterruptProtectedModeRingTransition exercises IDT delivery from
// a less-privileged caller to a DPL0 handler: SS:ESP must switch to
// the TSS's ring-0 stack and the caller's old SS:ESP land on it too.
func TestInterruptProtectedModeRingTransition(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	gdtBase := enterProtectedModeFlatGDT(c)

	writeDescriptorAt(c, gdtBase, 3, makeSegDescriptor(0x6000, 0xFFFF, segTypeCodeRX, 0, true, true))
	writeDescriptorAt(c, gdtBase, 5, makeSegDescriptor(0, 0xFFFFF, segTypeDataRW, 3, true, true))
	writeDescriptorAt(c, gdtBase, 6, makeSegDescriptor(0, 0xFFFFF, segTypeCodeRX, 3, true, true))
	writeDescriptorAt(c, gdtBase, 7, makeSegDescriptor(0, 0xFFFFF, segTypeDataRW, 0, true, true))

	c.Seg[SegCS] = 0x33
	c.SegCache[SegCS] = SegmentCache{Selector: 0x33, Base: 0, Limit: 0xFFFFF, Usable: true, Rights: DescriptorRights{Type: segTypeCodeRX, DPL: 3, Present: true, DB: true}}
	c.Seg[SegSS] = 0x2B
	c.SegCache[SegSS] = SegmentCache{Selector: 0x2B, Base: 0, Limit: 0xFFFFF, Usable: true, Rights: DescriptorRights{Type: segTypeDataRW, DPL: 3, Present: true, DB: true}}

	tssBase := LinearAddress(0x9000)
	c.trCache = SegmentCache{Usable: true, Base: tssBase, Rights: DescriptorRights{Type: sysTypeTSS32Avail}}
	c.bus.WriteDword(PhysicalAddress(tssBase)+4, 0x1000) // ESP0
	c.bus.WriteDword(PhysicalAddress(tssBase)+8, 0x38)    // SS0

	idtBase := LinearAddress(0x4000)
	c.IDTR = DescriptorTableRegister{Base: idtBase, Limit: 0xFF*8 + 7}
	writeDescriptorAt(c, idtBase, 0x40, makeGateDescriptor(Selector(0x18), 0x300, sysTypeIntGate32, 3, true, 0))

	c.SetReg32(RegESP, 0x8000)
	c.EIP = 0x500
	callerSS, callerESP := uint32(c.Seg[SegSS]), c.Reg32(RegESP)
	callerCS, callerEIP := uint32(c.Seg[SegCS]), c.EIP

	c.interrupt(0x40, false, 0)

	if c.CPL() != 0 {
		t.Fatalf("CPL after ring-crossing interrupt delivery = %d, want 0", c.CPL())
	}
	if c.Seg[SegSS] != 0x38 {
		t.Fatalf("SS after delivery = 0x%04X, want 0x0038", c.Seg[SegSS])
	}
	if got := c.Reg32(RegESP); got != 0x1000-20 {
		t.Fatalf("ESP after delivery = 0x%X, want 0x%X (ESP0 minus 5 pushed dwords)", got, 0x1000-20)
	}
	eip, _ := c.ReadMem(SegSS, c.Reg32(RegESP), Width32)
	cs, _ := c.ReadMem(SegSS, c.Reg32(RegESP)+4, Width32)
	oldESP, _ := c.ReadMem(SegSS, c.Reg32(RegESP)+12, Width32)
	oldSS, _ := c.ReadMem(SegSS, c.Reg32(RegESP)+16, Width32)
	if eip != callerEIP {
		t.Errorf("pushed EIP = 0x%X, want 0x%X", eip, callerEIP)
	}
	if cs != callerCS {
		t.Errorf("pushed CS = 0x%X, want 0x%X", cs, callerCS)
	}
	if oldESP != callerESP {
		t.Errorf("pushed old ESP = 0x%X, want 0x%X", oldESP, callerESP)
	}
	if oldSS != callerSS {
		t.Errorf("pushed old SS = 0x%X, want 0x%X", oldSS, callerSS)
	}
}

// TestIRETUsesRealModePathInV86Mode re-verifies the iret/EFLAGS.VM fix:
// IRET in V86 mode must take the flat-IVT path even though CR0.PE is
// set, matching the delivery side's idtUsableForRealMode rule.
func TestIRETUsesRealModePathInV86Mode(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.setFlag(FlagVM, true)
	c.SetReg32(RegESP, 0x2000)

	if fault := c.stackPush(c.EFLAGS&0xFFFF, Width16); fault != nil { // FLAGS
		t.Fatalf("stackPush FLAGS: %v", fault.Kind)
	}
	if fault := c.stackPush(0x2000, Width16); fault != nil { // CS
		t.Fatalf("stackPush CS: %v", fault.Kind)
	}
	if fault := c.stackPush(0x0100, Width16); fault != nil { // IP
		t.Fatalf("stackPush IP: %v", fault.Kind)
	}

	c.iret(Width16)

	if c.Seg[SegCS] != 0x2000 || c.EIP != 0x0100 {
		t.Fatalf("CS:EIP after V86 IRET = %04X:%X, want 2000:100", c.Seg[SegCS], c.EIP)
	}
	if !c.SegCache[SegCS].Usable || c.SegCache[SegCS].Base != LinearAddress(0x20000) {
		t.Errorf("CS cache after V86 IRET = %+v, want flat base 0x20000", c.SegCache[SegCS])
	}
}

// TestInterruptDoubleFaultPromotion exercises the #DF promotion path:
// a fault raised while already inside the fault handler (simulated by
// a bad IDT limit, forcing interruptFallible to fail twice) must send
// the CPU to shutdown rather than looping.
func TestInterruptDoubleFaultPromotion(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.IDTR = DescriptorTableRegister{Base: 0x4000, Limit: 0} // too small for any vector, including #DF

	c.interrupt(0x20, false, 0)

	if !c.halted {
		t.Error("a fault that can't even deliver #DF must shut the CPU down")
	}
}
