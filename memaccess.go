// memaccess.go - segmented memory access: selector load, limit/rights
// checks, linear->physical translation, byte-granular page-crossing
// reads/writes (spec 4.4)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// loadSegment validates and caches a new value for a segment register,
// the shared path behind MOV to a segment register, POP seg, and every
// control-transfer's segment reload. It implements the checks spec 4.4
// lists for a segment-register load: null-selector handling, table
// lookup, present bit, type/DPL/RPL privilege rules appropriate to the
// target register.
func (c *CPU) loadSegment(which SegmentIndex, sel Selector) *CPUFault {
	// Real mode and V86 mode never consult a descriptor table: the
	// selector directly becomes the shifted segment base, the way the
	// teacher's real-mode-only core always treated CS/DS/ES/SS/etc.
	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 {
		c.Seg[which] = uint16(sel)
		c.SegCache[which] = SegmentCache{
			Selector: sel,
			Base:     LinearAddress(uint32(sel) << 4),
			Limit:    0xFFFF,
			Usable:   true,
			Rights:   DescriptorRights{Present: true},
		}
		return nil
	}

	if sel.IsNull() {
		if which == SegSS {
			return gpSelector(sel)
		}
		c.Seg[which] = uint16(sel)
		c.SegCache[which] = SegmentCache{Selector: sel, Usable: false}
		return nil
	}

	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}

	cpl := c.CPL()
	rpl := sel.RPL()

	switch which {
	case SegSS:
		if !d.isData() || d.writable() == false {
			return gpSelector(sel)
		}
		if d.DPL != cpl || rpl != cpl {
			return gpSelector(sel)
		}
		if !d.Present {
			return ssSelector(sel)
		}
	case SegCS:
		if !d.isCode() {
			return gpSelector(sel)
		}
		if d.conforming() {
			if d.DPL > cpl {
				return gpSelector(sel)
			}
		} else {
			if d.DPL != cpl || rpl > cpl {
				return gpSelector(sel)
			}
		}
		if !d.Present {
			return npSelector(sel)
		}
	default: // DS, ES, FS, GS
		if d.isCode() && !d.readable() {
			return gpSelector(sel)
		}
		maxDPLRPL := cpl
		if rpl > maxDPLRPL {
			maxDPLRPL = rpl
		}
		if !d.conforming() && d.DPL < maxDPLRPL {
			return gpSelector(sel)
		}
		if !d.Present {
			return npSelector(sel)
		}
	}

	c.Seg[which] = uint16(sel)
	c.SegCache[which] = SegmentCache{
		Selector: sel,
		Base:     LinearAddress(d.Base),
		Limit:    d.Limit,
		Usable:   true,
		FromLDT:  sel.TableIndicator() == TableLDT,
		Rights: DescriptorRights{
			Type:        d.RawType,
			System:      false,
			DPL:         d.DPL,
			Present:     d.Present,
			DB:          d.DB,
			Granularity: d.Granularity,
			Available:   d.Available,
		},
	}
	return nil
}

// fetchDescriptor looks a selector up in the GDT or the currently
// loaded LDT. Used both by loadSegment and directly by control-transfer
// code that needs to peek at a descriptor without loading it.
func (c *CPU) fetchDescriptor(sel Selector) (Descriptor, *CPUFault) {
	if sel.TableIndicator() == TableLDT {
		if !c.ldtCache.Usable {
			return Descriptor{}, gpSelector(sel)
		}
		table := DescriptorTable{bus: c.bus, Base: c.ldtCache.Base, Limit: c.ldtCache.Limit}
		return table.Fetch(sel)
	}
	table := DescriptorTable{bus: c.bus, Base: c.GDTR.Base, Limit: c.GDTR.Limit}
	return table.Fetch(sel)
}

// segmentInBounds reports whether offset (sized by w, so a word access
// at the last valid byte of the segment is still in range) lies within
// a segment's bounds, honoring expand-down semantics for data segments.
func segmentInBounds(cache *SegmentCache, offset uint32, size uint32) bool {
	if !cache.Usable {
		return false
	}
	if cache.Rights.Type&typeExpandDown != 0 && !cache.Rights.System {
		// expand-down: valid range is (limit, 0xFFFFFFFF] (or 0xFFFF for
		// a 16-bit segment), i.e. offset must be ABOVE the limit.
		top := uint32(0xFFFFFFFF)
		if !cache.Rights.DB {
			top = 0xFFFF
		}
		return offset > cache.Limit && offset+size-1 <= top
	}
	return offset <= cache.Limit && offset+size-1 <= cache.Limit
}

// linearize turns a segment-relative offset into a linear address,
// applying the A20 mask the spec 4.4 calls out (address line 20 is
// forced low below the boundary unless A20 is enabled - modeled here
// as always enabled, since no peripheral in this core's scope ever
// toggles the gate; kept as a named step so the behavior is visible).
func (c *CPU) linearize(which SegmentIndex, offset uint32) LinearAddress {
	return LinearAddress(uint32(c.SegCache[which].Base) + offset)
}

// ReadMem/WriteMem perform a checked, width-sized access through a
// segment register: limit check, paging translation, byte-granular
// bus access split across a page boundary so a fault partway through
// a multi-byte access can be reported against the correct byte without
// having mutated bytes past the fault (the transactional property
// control_transfer.go's stack popper depends on).
func (c *CPU) ReadMem(which SegmentIndex, offset uint32, w Width) (uint32, *CPUFault) {
	size := uint32(w) / 8
	cache := &c.SegCache[which]
	if !segmentInBounds(cache, offset, size) {
		if which == SegSS {
			return 0, ssSelector(cache.Selector)
		}
		return 0, gpSelector(cache.Selector)
	}
	var result uint32
	for i := uint32(0); i < size; i++ {
		linear := c.linearize(which, offset+i)
		phys, fault := c.translate(linear, AccessRead)
		if fault != nil {
			return 0, fault
		}
		result |= uint32(c.bus.ReadByte(phys)) << (8 * i)
	}
	return result, nil
}

func (c *CPU) WriteMem(which SegmentIndex, offset uint32, v uint32, w Width) *CPUFault {
	size := uint32(w) / 8
	cache := &c.SegCache[which]
	if !segmentInBounds(cache, offset, size) {
		if which == SegSS {
			return ssSelector(cache.Selector)
		}
		return gpSelector(cache.Selector)
	}
	// Resolve every byte's physical address before writing any of them,
	// so a late page fault never leaves a partially-applied write.
	phys := make([]PhysicalAddress, size)
	for i := uint32(0); i < size; i++ {
		linear := c.linearize(which, offset+i)
		p, fault := c.translate(linear, AccessWrite)
		if fault != nil {
			return fault
		}
		phys[i] = p
	}
	for i := uint32(0); i < size; i++ {
		c.bus.WriteByte(phys[i], byte(v>>(8*i)))
	}
	return nil
}

func (c *CPU) translate(linear LinearAddress, access AccessKind) (PhysicalAddress, *CPUFault) {
	phys, fault := c.paging.Translate(c.CR0, c.CR3, linear, access, c.CPL())
	if fault != nil {
		c.CR2 = uint32(linear)
	}
	return phys, fault
}

// ReadMetal/WriteMetal bypass segment checks entirely: used for
// descriptor-table and TSS access, which address memory directly off
// GDTR/IDTR/the TSS base rather than through a segment register
// (spec 4.4's "unchecked metal access").
func (c *CPU) ReadMetalByte(linear LinearAddress) (byte, *CPUFault) {
	phys, fault := c.translate(linear, AccessRead)
	if fault != nil {
		return 0, fault
	}
	return c.bus.ReadByte(phys), nil
}

func (c *CPU) WriteMetalByte(linear LinearAddress, v byte) *CPUFault {
	phys, fault := c.translate(linear, AccessWrite)
	if fault != nil {
		return fault
	}
	c.bus.WriteByte(phys, v)
	return nil
}

func (c *CPU) ReadMetalDword(linear LinearAddress) (uint32, *CPUFault) {
	var result uint32
	for i := uint32(0); i < 4; i++ {
		b, fault := c.ReadMetalByte(linear + LinearAddress(i))
		if fault != nil {
			return 0, fault
		}
		result |= uint32(b) << (8 * i)
	}
	return result, nil
}

func (c *CPU) WriteMetalDword(linear LinearAddress, v uint32) *CPUFault {
	for i := uint32(0); i < 4; i++ {
		if fault := c.WriteMetalByte(linear+LinearAddress(i), byte(v>>(8*i))); fault != nil {
			return fault
		}
	}
	return nil
}
