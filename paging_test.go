package x386core

import "testing"

func TestPagingTranslateIdentity(t *testing.T) {
	bus := NewPhysicalBus(1 << 20)
	p := NewPagingUnit(bus)

	const cr3 = PhysicalAddress(0x1000)
	const pageTableAddr = PhysicalAddress(0x2000)
	const dataPage = PhysicalAddress(0x3000)

	// linear 0x00401000: dir index 1, table index 1, offset 0.
	linear := LinearAddress(0x00401000)
	dirIndex := (uint32(linear) >> 22) & 0x3FF
	tblIndex := (uint32(linear) >> 12) & 0x3FF

	bus.WriteDword(cr3+PhysicalAddress(dirIndex*4), uint32(pageTableAddr)|pageEntryPresent|pageEntryWrite)
	bus.WriteDword(pageTableAddr+PhysicalAddress(tblIndex*4), uint32(dataPage)|pageEntryPresent|pageEntryWrite)

	phys, fault := p.Translate(CR0PG|CR0PE, uint32(cr3), linear, AccessRead, 0)
	if fault != nil {
		t.Fatalf("Translate: unexpected fault %v", fault.Kind)
	}
	if phys != dataPage {
		t.Errorf("Translate() = 0x%X, want 0x%X", phys, dataPage)
	}
}

func TestPagingNotPresentFaults(t *testing.T) {
	bus := NewPhysicalBus(1 << 20)
	p := NewPagingUnit(bus)

	linear := LinearAddress(0x00401000)
	// PDE left at zero: not present.
	_, fault := p.Translate(CR0PG|CR0PE, 0x1000, linear, AccessRead, 0)
	if fault == nil {
		t.Fatal("expected a page fault for a not-present PDE")
	}
	if fault.Kind != FaultPageFault {
		t.Errorf("fault kind = %v, want FaultPageFault", fault.Kind)
	}
	if fault.ErrorCode&pfPresent != 0 {
		t.Error("not-present fault must not set the P bit in the error code")
	}
}

func TestPagingUserWriteToSupervisorPageFaults(t *testing.T) {
	bus := NewPhysicalBus(1 << 20)
	p := NewPagingUnit(bus)

	const cr3 = PhysicalAddress(0x1000)
	const pageTableAddr = PhysicalAddress(0x2000)
	const dataPage = PhysicalAddress(0x3000)

	linear := LinearAddress(0x00401000)
	dirIndex := (uint32(linear) >> 22) & 0x3FF
	tblIndex := (uint32(linear) >> 12) & 0x3FF

	// Supervisor-only page (no pageEntryUser bit).
	bus.WriteDword(cr3+PhysicalAddress(dirIndex*4), uint32(pageTableAddr)|pageEntryPresent|pageEntryWrite|pageEntryUser)
	bus.WriteDword(pageTableAddr+PhysicalAddress(tblIndex*4), uint32(dataPage)|pageEntryPresent|pageEntryWrite)

	_, fault := p.Translate(CR0PG|CR0PE, uint32(cr3), linear, AccessWrite, 3)
	if fault == nil {
		t.Fatal("expected a page fault for a CPL3 access to a supervisor-only page")
	}
	if fault.ErrorCode&pfUser == 0 {
		t.Error("fault error code should mark U/S=1 for a CPL3 access")
	}
}

func TestPagingDisabledIsIdentityMap(t *testing.T) {
	bus := NewPhysicalBus(1 << 20)
	p := NewPagingUnit(bus)

	linear := LinearAddress(0x12345678)
	phys, fault := p.Translate(0, 0, linear, AccessRead, 0)
	if fault != nil {
		t.Fatalf("unexpected fault with paging disabled: %v", fault.Kind)
	}
	if phys != PhysicalAddress(linear) {
		t.Errorf("Translate() = 0x%X, want identity 0x%X", phys, linear)
	}
}
