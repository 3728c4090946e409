// paging.go - two-level demand paging, no TLB
//
// Grounded on spec 4.3; the walk and error-code layout mirror the PDE/PTE
// field names used throughout the original_source/x86 sources and the
// ring0 CR0/CR4 bit constants seen in the pack's google-gvisor reference
// (_examples/other_examples/google-gvisor__x86.go), re-expressed as a
// small struct-returning walk instead of inline asm.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

const (
	pdeAddrMask = 0xFFFFF000
	pteAddrMask = 0xFFFFF000

	pageEntryPresent = 1 << 0
	pageEntryWrite   = 1 << 1
	pageEntryUser    = 1 << 2
	pageEntryAccess  = 1 << 5
	pageEntryDirty   = 1 << 6
)

// PageFaultErrorCode encodes the #PF error code bits per spec 4.3:
// {P/NP, R/W, U/S, I-fetch}.
type PageFaultErrorCode uint32

const (
	pfPresent  = 1 << 0 // 1 = protection violation, 0 = not-present
	pfWrite    = 1 << 1 // 1 = write access
	pfUser     = 1 << 2 // 1 = CPL3 access
	pfInstrFet = 1 << 4 // 1 = instruction fetch (PAE/NX only; kept for completeness)
)

// PagingUnit walks the two-level page tables rooted at CR3. It has no
// TLB: every translate() call re-reads the PDE/PTE, matching spec 4.3's
// "paging unit, TLB-free" and the Non-goal that rules out a cache
// invalidation story.
type PagingUnit struct {
	bus *PhysicalBus
}

func NewPagingUnit(bus *PhysicalBus) *PagingUnit {
	return &PagingUnit{bus: bus}
}

// Translate resolves a linear address to a physical one, raising a #PF
// CPUFault (with CR2 already set by the caller) on failure. cr0 and cr3
// are passed in rather than read from a *CPU so the unit has no
// dependency cycle back onto the CPU struct.
func (p *PagingUnit) Translate(cr0, cr3 uint32, linear LinearAddress, access AccessKind, cpl uint8) (PhysicalAddress, *CPUFault) {
	if cr0&CR0PG == 0 || cr0&CR0PE == 0 {
		return PhysicalAddress(linear), nil
	}

	dirIndex := (uint32(linear) >> 22) & 0x3FF
	tblIndex := (uint32(linear) >> 12) & 0x3FF
	offset := uint32(linear) & 0xFFF

	pdeAddr := PhysicalAddress((cr3 & pdeAddrMask) + dirIndex*4)
	pde := p.bus.ReadDword(pdeAddr)
	if pde&pageEntryPresent == 0 {
		return 0, newPageFault(linear, access, cpl, false)
	}

	pteAddr := PhysicalAddress((pde & pteAddrMask) + tblIndex*4)
	pte := p.bus.ReadDword(pteAddr)
	if pte&pageEntryPresent == 0 {
		return 0, newPageFault(linear, access, cpl, false)
	}

	if cpl == 3 && (pde&pageEntryUser == 0 || pte&pageEntryUser == 0) {
		return 0, newPageFault(linear, access, cpl, true)
	}

	writeProtected := cpl == 3 || cr0&CR0WP != 0
	if writeProtected && access == AccessWrite && (pde&pageEntryWrite == 0 || pte&pageEntryWrite == 0) {
		return 0, newPageFault(linear, access, cpl, true)
	}

	pde |= pageEntryAccess
	pte |= pageEntryAccess
	if access == AccessWrite {
		pte |= pageEntryDirty
	}
	p.bus.WriteDword(pdeAddr, pde)
	p.bus.WriteDword(pteAddr, pte)

	physical := PhysicalAddress((pte & pteAddrMask) | offset)
	return physical, nil
}

func newPageFault(linear LinearAddress, access AccessKind, cpl uint8, present bool) *CPUFault {
	var code PageFaultErrorCode
	if present {
		code |= pfPresent
	}
	if access == AccessWrite {
		code |= pfWrite
	}
	if cpl == 3 {
		code |= pfUser
	}
	if access == AccessExecute {
		code |= pfInstrFet
	}
	return &CPUFault{
		Kind:         FaultPageFault,
		HasErrorCode: true,
		ErrorCode:    uint16(code),
		FaultAddress: &linear,
	}
}
