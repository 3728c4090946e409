// descriptor.go - GDT/LDT descriptor parsing (spec 4.2)
//
// A descriptor is read off the bus as a raw 8-byte entry and classified
// into one of the kinds spec 4.2 names. Grounded on the field layout in
// original_source/x86/CPU.cpp's segment-load path, re-expressed as a Go
// sum type via a kind tag instead of a union.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// SegmentType is the 4-bit type field of a descriptor's access byte.
// Its meaning depends on the S bit: for data/code descriptors these
// values are the familiar {data r/w/expand-down, code x/r, etc.}
// encodings; for system descriptors they select among TSS/LDT/gate
// kinds. DescriptorKind below does that classification once so callers
// never have to re-decode the raw nibble.
type SegmentType uint8

// DescriptorKind classifies a parsed descriptor.
type DescriptorKind int

const (
	DescInvalid DescriptorKind = iota
	DescCode
	DescData
	DescLDT
	DescTSS16
	DescTSS32
	DescCallGate16
	DescCallGate32
	DescTrapGate16
	DescTrapGate32
	DescIntGate16
	DescIntGate32
	DescTaskGate
)

func (k DescriptorKind) String() string {
	switch k {
	case DescCode:
		return "code"
	case DescData:
		return "data"
	case DescLDT:
		return "LDT"
	case DescTSS16:
		return "TSS16"
	case DescTSS32:
		return "TSS32"
	case DescCallGate16:
		return "call-gate16"
	case DescCallGate32:
		return "call-gate32"
	case DescTrapGate16:
		return "trap-gate16"
	case DescTrapGate32:
		return "trap-gate32"
	case DescIntGate16:
		return "interrupt-gate16"
	case DescIntGate32:
		return "interrupt-gate32"
	case DescTaskGate:
		return "task-gate"
	default:
		return "invalid"
	}
}

// system-descriptor type nibble values (S bit clear).
const (
	sysTypeTSS16Avail  = 0x1
	sysTypeLDT         = 0x2
	sysTypeTSS16Busy   = 0x3
	sysTypeCallGate16  = 0x4
	sysTypeTaskGate    = 0x5
	sysTypeIntGate16   = 0x6
	sysTypeTrapGate16  = 0x7
	sysTypeTSS32Avail  = 0x9
	sysTypeTSS32Busy   = 0xB
	sysTypeCallGate32  = 0xC
	sysTypeIntGate32   = 0xE
	sysTypeTrapGate32  = 0xF
)

// code/data type nibble bits (S bit set).
const (
	typeCodeBit     = 1 << 3 // set -> code, clear -> data
	typeAccessed    = 1 << 0
	typeWritable    = 1 << 1 // data: writable; code: readable
	typeExpandDown  = 1 << 2 // data only
	typeConforming  = 1 << 2 // code only
)

// RawDescriptor is the unparsed 8-byte GDT/LDT entry.
type RawDescriptor [8]byte

// Descriptor is a classified descriptor-table entry.
type Descriptor struct {
	Kind  DescriptorKind
	Raw   RawDescriptor

	// Valid for DescCode / DescData / DescLDT / DescTSS16 / DescTSS32.
	Base        uint32
	Limit       uint32 // effective limit, granularity already applied
	Present     bool
	DPL         uint8
	Granularity bool
	DB          bool // D/B bit
	Available   bool
	RawType     SegmentType

	// Valid for DescCallGate*, DescTrapGate*, DescIntGate*.
	GateSelector Selector
	GateOffset   uint32
	ParamCount   uint8 // call gates only

	// Valid for DescTaskGate.
	TaskGateSelector Selector
}

func parseRawDescriptor(raw RawDescriptor) Descriptor {
	limitLo := uint32(raw[0]) | uint32(raw[1])<<8
	baseLo := uint32(raw[2]) | uint32(raw[3])<<8 | uint32(raw[4])<<16
	access := raw[5]
	limitHiFlags := raw[6]
	baseHi := raw[7]

	present := access&0x80 != 0
	dpl := (access >> 5) & 0x3
	sBit := access&0x10 != 0
	typeNibble := SegmentType(access & 0xF)

	if !sBit {
		return parseSystemDescriptor(raw, typeNibble, present, dpl, limitLo, baseLo, limitHiFlags, baseHi)
	}

	limit := limitLo | uint32(limitHiFlags&0xF)<<16
	granularity := limitHiFlags&0x80 != 0
	if granularity {
		limit = (limit << 12) | 0xFFF
	}
	db := limitHiFlags&0x40 != 0
	avail := limitHiFlags&0x10 != 0
	base := baseLo | uint32(baseHi)<<24

	kind := DescData
	if typeNibble&typeCodeBit != 0 {
		kind = DescCode
	}

	return Descriptor{
		Kind:        kind,
		Raw:         raw,
		Base:        base,
		Limit:       limit,
		Present:     present,
		DPL:         dpl,
		Granularity: granularity,
		DB:          db,
		Available:   avail,
		RawType:     typeNibble,
	}
}

func parseSystemDescriptor(raw RawDescriptor, typeNibble SegmentType, present bool, dpl uint8, limitLo, baseLo uint32, limitHiFlags, baseHi byte) Descriptor {
	base := baseLo | uint32(baseHi)<<24
	limit := limitLo | uint32(limitHiFlags&0xF)<<16
	granularity := limitHiFlags&0x80 != 0
	if granularity {
		limit = (limit << 12) | 0xFFF
	}

	switch typeNibble {
	case sysTypeLDT:
		return Descriptor{Kind: DescLDT, Raw: raw, Base: base, Limit: limit, Present: present, DPL: dpl, Granularity: granularity, RawType: typeNibble}
	case sysTypeTSS16Avail, sysTypeTSS16Busy:
		return Descriptor{Kind: DescTSS16, Raw: raw, Base: base, Limit: limit, Present: present, DPL: dpl, Granularity: granularity, RawType: typeNibble}
	case sysTypeTSS32Avail, sysTypeTSS32Busy:
		return Descriptor{Kind: DescTSS32, Raw: raw, Base: base, Limit: limit, Present: present, DPL: dpl, Granularity: granularity, RawType: typeNibble}
	case sysTypeCallGate16, sysTypeCallGate32:
		kind := DescCallGate16
		if typeNibble == sysTypeCallGate32 {
			kind = DescCallGate32
		}
		return Descriptor{
			Kind: kind, Raw: raw, Present: present, DPL: dpl,
			GateSelector: Selector(limitLo),
			GateOffset:   base,
			ParamCount:   byte(limitHiFlags & 0x1F),
			RawType:      typeNibble,
		}
	case sysTypeIntGate16, sysTypeIntGate32:
		kind := DescIntGate16
		if typeNibble == sysTypeIntGate32 {
			kind = DescIntGate32
		}
		return Descriptor{Kind: kind, Raw: raw, Present: present, DPL: dpl, GateSelector: Selector(limitLo), GateOffset: base, RawType: typeNibble}
	case sysTypeTrapGate16, sysTypeTrapGate32:
		kind := DescTrapGate16
		if typeNibble == sysTypeTrapGate32 {
			kind = DescTrapGate32
		}
		return Descriptor{Kind: kind, Raw: raw, Present: present, DPL: dpl, GateSelector: Selector(limitLo), GateOffset: base, RawType: typeNibble}
	case sysTypeTaskGate:
		return Descriptor{Kind: DescTaskGate, Raw: raw, Present: present, DPL: dpl, TaskGateSelector: Selector(limitLo), RawType: typeNibble}
	default:
		return Descriptor{Kind: DescInvalid, Raw: raw, RawType: typeNibble}
	}
}

// busy reports whether a TSS descriptor's busy bit (bit 1 of the type
// nibble) is set. Only meaningful for DescTSS16/DescTSS32.
func (d Descriptor) busy() bool {
	return d.RawType == sysTypeTSS16Busy || d.RawType == sysTypeTSS32Busy
}

func (d Descriptor) isCode() bool    { return d.Kind == DescCode }
func (d Descriptor) isData() bool    { return d.Kind == DescData }
func (d Descriptor) readable() bool  { return d.RawType&typeWritable != 0 } // code: R bit
func (d Descriptor) writable() bool  { return d.RawType&typeWritable != 0 } // data: W bit
func (d Descriptor) conforming() bool { return d.RawType&typeConforming != 0 }
func (d Descriptor) expandDown() bool { return d.RawType&typeExpandDown != 0 }

// isSystemSegment reports whether this kind may be loaded into LDTR/TR
// (LDT, TSS16, TSS32) as opposed to being a gate or a code/data segment.
func (k DescriptorKind) isSystemSegment() bool {
	switch k {
	case DescLDT, DescTSS16, DescTSS32:
		return true
	default:
		return false
	}
}

func (k DescriptorKind) isGate() bool {
	switch k {
	case DescCallGate16, DescCallGate32, DescTrapGate16, DescTrapGate32, DescIntGate16, DescIntGate32, DescTaskGate:
		return true
	default:
		return false
	}
}

// DescriptorTable reads and writes raw descriptor entries off the
// physical bus at a given (base, limit) - shared code for GDT/LDT
// lookups, independent of which register supplied the base/limit.
type DescriptorTable struct {
	bus   *PhysicalBus
	Base  LinearAddress
	Limit uint32
}

// Fetch reads the descriptor at the selector's table offset, returning
// #GP(selector) if the offset exceeds the table limit (spec 4.2).
func (t DescriptorTable) Fetch(sel Selector) (Descriptor, *CPUFault) {
	off := sel.TableOffset()
	if off+7 > t.Limit {
		return Descriptor{}, gpSelector(sel)
	}
	addr := PhysicalAddress(uint32(t.Base) + off)
	var raw RawDescriptor
	for i := 0; i < 8; i++ {
		raw[i] = t.bus.ReadByte(addr + PhysicalAddress(i))
	}
	return parseRawDescriptor(raw), nil
}

// Store writes a raw descriptor back (used when setting the accessed
// bit, and by taskswitch.go's busy-bit toggling).
func (t DescriptorTable) Store(sel Selector, raw RawDescriptor) {
	addr := PhysicalAddress(uint32(t.Base) + sel.TableOffset())
	for i := 0; i < 8; i++ {
		t.bus.WriteByte(addr+PhysicalAddress(i), raw[i])
	}
}

// setAccessed sets the type-nibble accessed bit (bit 0) of a code/data
// descriptor's access byte in place and stores it back.
func (t DescriptorTable) setAccessed(sel Selector, d Descriptor) {
	raw := d.Raw
	raw[5] |= typeAccessed
	t.Store(sel, raw)
}

// setBusy toggles bit 1 of a TSS descriptor's type nibble (access byte
// low nibble), used by taskswitch.go on entry/exit.
func (t DescriptorTable) setBusy(sel Selector, d Descriptor, busy bool) {
	raw := d.Raw
	if busy {
		raw[5] |= 1 << 1
	} else {
		raw[5] &^= 1 << 1
	}
	t.Store(sel, raw)
}
