package x386core

import "testing"

// TestWriteMemOutOfBoundsStackSegmentRaisesStackFault is the direct
// regression test for WriteMem's SS-vs-GP vector fix: a limit
// violation against SegSS must raise #SS (12), not #GP (13).
func TestWriteMemOutOfBoundsStackSegmentRaisesStackFault(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.Seg[SegSS] = 0x18
	c.SegCache[SegSS] = SegmentCache{
		Selector: 0x18, Base: 0, Limit: 0x0F, Usable: true,
		Rights: DescriptorRights{Type: segTypeDataRW, Present: true, DB: true},
	}

	fault := c.WriteMem(SegSS, 0x10, 0x42, Width32)
	if fault == nil {
		t.Fatal("expected a fault writing past the stack segment's limit")
	}
	if fault.Kind != FaultStackFault {
		t.Fatalf("fault kind = %v, want FaultStackFault", fault.Kind)
	}
	if !fault.HasErrorCode || fault.ErrorCode != selectorErrorCode(0x18, false) {
		t.Fatalf("error code = %v/%d, want selector-masked 0x18", fault.HasErrorCode, fault.ErrorCode)
	}
}

// TestReadMemOutOfBoundsStackSegmentRaisesStackFault mirrors the write
// case for ReadMem.
func TestReadMemOutOfBoundsStackSegmentRaisesStackFault(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.Seg[SegSS] = 0x18
	c.SegCache[SegSS] = SegmentCache{
		Selector: 0x18, Base: 0, Limit: 0x0F, Usable: true,
		Rights: DescriptorRights{Type: segTypeDataRW, Present: true, DB: true},
	}

	_, fault := c.ReadMem(SegSS, 0x10, Width32)
	if fault == nil {
		t.Fatal("expected a fault reading past the stack segment's limit")
	}
	if fault.Kind != FaultStackFault {
		t.Fatalf("fault kind = %v, want FaultStackFault", fault.Kind)
	}
}

// TestWriteMemOutOfBoundsDataSegmentRaisesGeneralProtect guards the
// non-SS path: every other segment still raises #GP on a limit
// violation.
func TestWriteMemOutOfBoundsDataSegmentRaisesGeneralProtect(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.Seg[SegDS] = 0x20
	c.SegCache[SegDS] = SegmentCache{
		Selector: 0x20, Base: 0, Limit: 0x0F, Usable: true,
		Rights: DescriptorRights{Type: segTypeDataRW, Present: true, DB: true},
	}

	_, readFault := c.ReadMem(SegDS, 0x10, Width32)
	if readFault == nil || readFault.Kind != FaultGeneralProtect {
		t.Fatalf("ReadMem past a data segment's limit = %v, want FaultGeneralProtect", readFault)
	}

	fault := c.WriteMem(SegDS, 0x10, 0x42, Width32)
	if fault == nil || fault.Kind != FaultGeneralProtect {
		t.Fatalf("WriteMem past a data segment's limit = %v, want FaultGeneralProtect", fault)
	}
}

// TestStackPushOutOfBoundsRaisesStackFault exercises the fix through
// the actual PUSH path stack ops route through.
func TestStackPushOutOfBoundsRaisesStackFault(t *testing.T) {
	c := newTestCPU()
	c.Reset()
	c.CR0 |= CR0PE
	c.Seg[SegSS] = 0x18
	c.SegCache[SegSS] = SegmentCache{
		Selector: 0x18, Base: 0, Limit: 0x0F, Usable: true,
		Rights: DescriptorRights{Type: segTypeDataRW, Present: true, DB: true},
	}
	c.SetReg32(RegESP, 0x02) // pushing a dword takes ESP below 0, out of bounds

	fault := c.stackPush(0x1234, Width32)
	if fault == nil || fault.Kind != FaultStackFault {
		t.Fatalf("stackPush past the limit = %v, want FaultStackFault", fault)
	}
}
