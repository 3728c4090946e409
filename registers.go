// registers.go - register file layout: GPRs, segment registers, EFLAGS,
// control/debug/descriptor-table registers.
//
// GPR byte/word aliasing follows the teacher's AX()/AL()/AH() pattern in
// the old cpu_x86.go (now generalized to all eight 32-bit registers via
// the reg32 indirection below) - 386 semantics: writing the 16-bit form
// leaves the upper 16 bits of the containing 32-bit register untouched.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// EFLAGS bit positions (spec 3).
const (
	FlagCF   uint32 = 1 << 0
	FlagPF   uint32 = 1 << 2
	FlagAF   uint32 = 1 << 4
	FlagZF   uint32 = 1 << 6
	FlagSF   uint32 = 1 << 7
	FlagTF   uint32 = 1 << 8
	FlagIF   uint32 = 1 << 9
	FlagDF   uint32 = 1 << 10
	FlagOF   uint32 = 1 << 11
	FlagIOPL uint32 = 3 << 12
	FlagNT   uint32 = 1 << 14
	FlagRF   uint32 = 1 << 16
	FlagVM   uint32 = 1 << 17
	FlagAC   uint32 = 1 << 18
	FlagVIF  uint32 = 1 << 19
	FlagVIP  uint32 = 1 << 20
	FlagID   uint32 = 1 << 21

	// eflagsReservedSet are the bits that read as 1 and cannot be
	// cleared (bit 1), matching real hardware and the reset value 0x2.
	eflagsReservedSet = 1 << 1
)

// CR0 bits (spec 3, names shared with _examples/other_examples/google-gvisor__x86.go).
const (
	CR0PE uint32 = 1 << 0
	CR0MP uint32 = 1 << 1
	CR0EM uint32 = 1 << 2
	CR0TS uint32 = 1 << 3
	CR0ET uint32 = 1 << 4
	CR0WP uint32 = 1 << 16
	CR0PG uint32 = 1 << 31
)

// CR4 bits relevant to a 386-class core (most CR4 bits postdate the 386
// but CR4 exists in the register file per spec 3).
const (
	CR4VME uint32 = 1 << 0
	CR4PVI uint32 = 1 << 1
)

// Segment register indices, used to index cached descriptor state.
type SegmentIndex int

const (
	SegES SegmentIndex = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
	segCount
)

func (s SegmentIndex) String() string {
	return [...]string{"ES", "CS", "SS", "DS", "FS", "GS"}[s]
}

// DescriptorTableRegister is a (base, limit) pair: GDTR or IDTR.
type DescriptorTableRegister struct {
	Base  LinearAddress
	Limit uint32
}

// SegmentCache is the authoritative per-segment-register state after a
// selector load (spec 3 "Cached segment descriptor"). It is populated
// every time a segment register is written and is what memaccess.go
// checks against; the raw GDT/LDT entry is not re-read on every access.
type SegmentCache struct {
	Selector   Selector
	Base       LinearAddress
	Limit      uint32 // effective limit, granularity already applied
	Rights     DescriptorRights
	Usable     bool // false for an unloaded/null cache (e.g. null SS at CPL0)
	FromLDT    bool
}

// DescriptorRights is the access-rights byte broken into fields common
// to every descriptor kind that can be cached in a segment register.
type DescriptorRights struct {
	Type        SegmentType
	System      bool // S bit: false = system descriptor, true = code/data
	DPL         uint8
	Present     bool
	DB          bool // D/B bit: 32-bit default size (code) / expand-down top (data)
	Granularity bool // G bit: limit is in 4K pages
	Available   bool // AVL bit, software-defined
}

// RegisterFile holds everything spec 3 names outside of EFLAGS/EIP,
// which get their own fields on CPU for quick access in the hot path.
type RegisterFile struct {
	// General-purpose 32-bit registers, index order EAX,ECX,EDX,EBX,ESP,EBP,ESI,EDI.
	GPR [8]uint32

	Seg     [segCount]uint16       // raw selector values
	SegCache [segCount]SegmentCache

	CR0, CR2, CR3, CR4 uint32
	DR                 [8]uint32

	GDTR DescriptorTableRegister
	IDTR DescriptorTableRegister
	LDTR Selector
	ldtCache SegmentCache // descriptor cache backing LDTR, same shape as a segment cache
	TR   Selector
	trCache SegmentCache
}

// GPR indices.
const (
	RegEAX = 0
	RegECX = 1
	RegEDX = 2
	RegEBX = 3
	RegESP = 4
	RegEBP = 5
	RegESI = 6
	RegEDI = 7
)

func (r *RegisterFile) Reg32(i int) uint32     { return r.GPR[i&7] }
func (r *RegisterFile) SetReg32(i int, v uint32) { r.GPR[i&7] = v }

func (r *RegisterFile) Reg16(i int) uint16 { return uint16(r.GPR[i&7]) }
func (r *RegisterFile) SetReg16(i int, v uint16) {
	r.GPR[i&7] = (r.GPR[i&7] &^ 0xFFFF) | uint32(v)
}

// byteRegSlot maps a ModR/M reg8 index (0-7: AL,CL,DL,BL,AH,CH,DH,BH) to
// the GPR index and whether it is the high byte.
func byteRegSlot(idx int) (gpr int, high bool) {
	idx &= 7
	if idx < 4 {
		return idx, false
	}
	return idx - 4, true
}

func (r *RegisterFile) Reg8(idx int) uint8 {
	gpr, high := byteRegSlot(idx)
	if high {
		return uint8(r.GPR[gpr] >> 8)
	}
	return uint8(r.GPR[gpr])
}

func (r *RegisterFile) SetReg8(idx int, v uint8) {
	gpr, high := byteRegSlot(idx)
	if high {
		r.GPR[gpr] = (r.GPR[gpr] &^ 0xFF00) | (uint32(v) << 8)
	} else {
		r.GPR[gpr] = (r.GPR[gpr] &^ 0xFF) | uint32(v)
	}
}

func (r *RegisterFile) Segment(i SegmentIndex) uint16     { return r.Seg[i] }
func (r *RegisterFile) Cache(i SegmentIndex) *SegmentCache { return &r.SegCache[i] }
