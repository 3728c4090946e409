package x386core

import "testing"

// TestSnapshotRoundTripRestoresArchitecturalState exercises the basic
// save/load cycle: registers, EFLAGS/EIP, halted, CPUID ticks, and RAM
// contents must all come back unchanged on a second Machine.
func TestSnapshotRoundTripRestoresArchitecturalState(t *testing.T) {
	src := NewMachine(1 << 16)
	src.CPU.Reset()
	src.CPU.SetReg32(RegEAX, 0xCAFEBABE)
	src.CPU.EIP = 0x1234
	src.CPU.cpuid.Ticks = 99
	src.Bus.WriteByte(0x5000, 0x7A)

	data, err := SaveSnapshot(src)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := NewMachine(1 << 16)
	if err := LoadSnapshot(dst, data); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if got := dst.CPU.Reg32(RegEAX); got != 0xCAFEBABE {
		t.Errorf("EAX after restore = 0x%X, want 0xCAFEBABE", got)
	}
	if dst.CPU.EIP != 0x1234 {
		t.Errorf("EIP after restore = 0x%X, want 0x1234", dst.CPU.EIP)
	}
	if dst.CPU.cpuid.Ticks != 99 {
		t.Errorf("CPUID.Ticks after restore = %d, want 99", dst.CPU.cpuid.Ticks)
	}
	if got := dst.Bus.ReadByte(0x5000); got != 0x7A {
		t.Errorf("RAM byte after restore = 0x%02X, want 0x7A", got)
	}
}

// TestSnapshotRoundTripPreservesTRDescriptorCache is the direct
// regression test for the ldtCache/trCache gob-drop fix: TR's backing
// descriptor cache must survive a save/load cycle, not just the raw TR
// selector.
func TestSnapshotRoundTripPreservesTRDescriptorCache(t *testing.T) {
	src := NewMachine(1 << 16)
	src.CPU.Reset()
	src.CPU.TR = 0x28
	src.CPU.trCache = SegmentCache{
		Selector: 0x28,
		Base:     0x9000,
		Limit:    0x67,
		Usable:   true,
		Rights:   DescriptorRights{Type: SegmentType(sysTypeTSS32Busy), Present: true},
	}

	data, err := SaveSnapshot(src)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := NewMachine(1 << 16)
	if err := LoadSnapshot(dst, data); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	if dst.CPU.TR != 0x28 {
		t.Fatalf("TR after restore = 0x%X, want 0x28", dst.CPU.TR)
	}
	if dst.CPU.trCache.Base != 0x9000 || !dst.CPU.trCache.Usable {
		t.Fatalf("trCache after restore = %+v, want Base=0x9000 Usable=true", dst.CPU.trCache)
	}
}

// TestLoadSnapshotRejectsOversizedRAM exercises the size-mismatch guard:
// restoring into a smaller bus than the snapshot's RAM must fail
// cleanly rather than truncate silently.
func TestLoadSnapshotRejectsOversizedRAM(t *testing.T) {
	src := NewMachine(1 << 16)
	src.CPU.Reset()

	data, err := SaveSnapshot(src)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := NewMachine(1 << 8) // far smaller than src's RAM
	if err := LoadSnapshot(dst, data); err == nil {
		t.Fatal("LoadSnapshot into an undersized bus should fail, got nil error")
	}
}

// TestLoadSnapshotClearsInFlightStringRestart exercises the
// post-restore cleanup: a snapshot must never resume into a stale
// mid-REP pointer from whatever state the destination Machine had
// before the load.
func TestLoadSnapshotClearsInFlightStringRestart(t *testing.T) {
	src := NewMachine(1 << 16)
	src.CPU.Reset()

	data, err := SaveSnapshot(src)
	if err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := NewMachine(1 << 16)
	dst.CPU.Reset()
	parked := Instruction{Opcode: 0xA4}
	dst.CPU.pendingStringRestart = &parked

	if err := LoadSnapshot(dst, data); err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if dst.CPU.pendingStringRestart != nil {
		t.Error("LoadSnapshot must clear any pendingStringRestart left over in the destination CPU")
	}
}
