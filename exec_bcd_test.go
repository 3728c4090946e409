package x386core

import "testing"

// TestAaaAdjustsWhenLowNibbleOverflows exercises opcode 0x37 (AAA):
// AL's low nibble above 9 triggers the +6 adjustment, AF/CF set, high
// nibble cleared.
func TestAaaAdjustsWhenLowNibbleOverflows(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(0, 0x0B) // AL = 11, low nibble > 9
	c.SetReg8(4, 0)
	loadCode(c, []byte{0x37})
	c.Step()

	if got := c.Reg8(0); got != 0x01 {
		t.Fatalf("AL after AAA = 0x%02X, want 0x01 ((0x0B+6)&0x0F)", got)
	}
	if got := c.Reg8(4); got != 1 {
		t.Fatalf("AH after AAA = %d, want 1", got)
	}
	if !c.flagSet(FlagAF) || !c.flagSet(FlagCF) {
		t.Error("AAA must set AF and CF when it adjusts")
	}
}

// TestAaaNoAdjustWhenLowNibbleValid exercises the non-adjusting path:
// a low nibble already <= 9 and AF clear leaves AL's value (masked to
// its low nibble) and clears AF/CF.
func TestAaaNoAdjustWhenLowNibbleValid(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.setFlag(FlagAF, false)
	c.SetReg8(0, 0x05)
	loadCode(c, []byte{0x37})
	c.Step()

	if got := c.Reg8(0); got != 0x05 {
		t.Fatalf("AL after non-adjusting AAA = 0x%02X, want 0x05", got)
	}
	if c.flagSet(FlagAF) || c.flagSet(FlagCF) {
		t.Error("AAA must clear AF and CF when no adjustment is needed")
	}
}

// TestAasAdjustsWhenLowNibbleOverflows exercises opcode 0x3F (AAS),
// AAA's subtractive mirror.
func TestAasAdjustsWhenLowNibbleOverflows(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(0, 0x0B)
	c.SetReg8(4, 5)
	loadCode(c, []byte{0x3F})
	c.Step()

	if got := c.Reg8(0); got != 0x05 {
		t.Fatalf("AL after AAS = 0x%02X, want 0x05 ((0x0B-6)&0x0F)", got)
	}
	if got := c.Reg8(4); got != 4 {
		t.Fatalf("AH after AAS = %d, want 4", got)
	}
	if !c.flagSet(FlagAF) || !c.flagSet(FlagCF) {
		t.Error("AAS must set AF and CF when it adjusts")
	}
}

// TestDaaCombinesBothAdjustments exercises opcode 0x27 (DAA) with both
// the low-nibble and high-nibble adjustments firing: AL=0x9A, a value
// that is not valid packed BCD in either nibble.
func TestDaaCombinesBothAdjustments(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(0, 0x9A)
	loadCode(c, []byte{0x27})
	c.Step()

	if got := c.Reg8(0); got != 0x00 {
		t.Fatalf("AL after DAA(0x9A) = 0x%02X, want 0x00", got)
	}
	if !c.flagSet(FlagCF) || !c.flagSet(FlagAF) {
		t.Error("DAA on 0x9A must set both AF and CF")
	}
}

// TestDasCombinesBothAdjustments mirrors TestDaaCombinesBothAdjustments
// for opcode 0x2F (DAS).
func TestDasCombinesBothAdjustments(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(0, 0x9A)
	loadCode(c, []byte{0x2F})
	c.Step()

	if got := c.Reg8(0); got != 0x34 {
		t.Fatalf("AL after DAS(0x9A) = 0x%02X, want 0x34", got)
	}
	if !c.flagSet(FlagCF) || !c.flagSet(FlagAF) {
		t.Error("DAS on 0x9A must set both AF and CF")
	}
}

// TestAamUsesDefaultBase10 exercises opcode 0xD4 0x0A (AAM with the
// standard base-10 immediate): AX=0x0062 (98 decimal) splits into
// AH=9, AL=8.
func TestAamUsesDefaultBase10(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(0, 98)
	loadCode(c, []byte{0xD4, 0x0A})
	c.Step()

	if got := c.Reg8(4); got != 9 {
		t.Fatalf("AH after AAM = %d, want 9", got)
	}
	if got := c.Reg8(0); got != 8 {
		t.Fatalf("AL after AAM = %d, want 8", got)
	}
}

// TestAamDivideByZeroFaults exercises AAM's #DE path: a zero immediate
// base must fault rather than divide by zero.
func TestAamDivideByZeroFaults(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg32(RegESP, 0x2000)
	c.bus.WriteWord(0*4, 0x0060)
	c.bus.WriteWord(0*4+2, 0x0050)

	c.SetReg8(0, 50)
	loadCode(c, []byte{0xD4, 0x00})
	c.Step()

	if c.Seg[SegCS] != 0x0050 || c.EIP != 0x0060 {
		t.Fatalf("CS:IP after AAM base 0 = %04X:%X, want 0050:0060 (#DE delivered)", c.Seg[SegCS], c.EIP)
	}
}

// TestAadUsesDefaultBase10 exercises opcode 0xD5 0x0A (AAD): AH=9,
// AL=8 recombines to AL=98, AH=0.
func TestAadUsesDefaultBase10(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg8(4, 9)
	c.SetReg8(0, 8)
	loadCode(c, []byte{0xD5, 0x0A})
	c.Step()

	if got := c.Reg8(0); got != 98 {
		t.Fatalf("AL after AAD = %d, want 98", got)
	}
	if got := c.Reg8(4); got != 0 {
		t.Fatalf("AH after AAD = %d, want 0", got)
	}
}

// TestXlatIndexesThroughBXAndAL exercises opcode 0xD7: AL = [DS:BX+AL].
func TestXlatIndexesThroughBXAndAL(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg16(RegEBX, 0x0300)
	c.SetReg8(0, 0x05)
	c.bus.WriteByte(0x0305, 0x7E)
	loadCode(c, []byte{0xD7})
	c.Step()

	if got := c.Reg8(0); got != 0x7E {
		t.Fatalf("AL after XLAT = 0x%02X, want 0x7E", got)
	}
}

// TestBoundWithinRangeDoesNotFault exercises opcode 0x62 with an index
// inside [lower, upper]: execution continues normally.
func TestBoundWithinRangeDoesNotFault(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.bus.WriteWord(0x0200, 0x0010) // lower = 16
	c.bus.WriteWord(0x0202, 0x0020) // upper = 32
	c.SetReg16(RegEAX, 0x0018)       // index = 24, in range

	// BOUND AX, [0x0200]: ModRM 00 000 110 = mod=00,reg=AX(0),rm=110 (disp16).
	loadCode(c, []byte{0x62, 0x06, 0x00, 0x02})
	start := c.EIP
	c.Step()

	if c.EIP != start+4 {
		t.Fatalf("EIP after in-range BOUND = 0x%X, want 0x%X (no fault, normal advance)", c.EIP, start+4)
	}
}

// TestBoundOutsideRangeFaults is execBOUND's #BR path: an index outside
// [lower, upper] must raise FaultBoundRange (vector 5).
func TestBoundOutsideRangeFaults(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.SetReg32(RegESP, 0x2000)
	c.bus.WriteWord(5*4, 0x0060) // IVT vector 5 (#BR) -> 0050:0060
	c.bus.WriteWord(5*4+2, 0x0050)

	c.bus.WriteWord(0x0200, 0x0010) // lower = 16
	c.bus.WriteWord(0x0202, 0x0020) // upper = 32
	c.SetReg16(RegEAX, 0x0005)       // index = 5, below lower

	loadCode(c, []byte{0x62, 0x06, 0x00, 0x02})
	c.Step()

	if c.Seg[SegCS] != 0x0050 || c.EIP != 0x0060 {
		t.Fatalf("CS:IP after out-of-range BOUND = %04X:%X, want 0050:0060 (#BR delivered)", c.Seg[SegCS], c.EIP)
	}
}
