// taskswitch.go - TSS16/TSS32 task switching: direct JMP/CALL to a TSS
// selector, task gates, IRET with NT set (spec 4.10)
//
// The two TSS layouts are expressed as struc-tagged structs so the
// fixed portion of a task switch is a single struc.Pack/Unpack call
// against the bus-backed byte window, the way the pack's usercorn
// tracer (go/models/trace/tracefile.go) marshals its on-disk record
// structs rather than hand-rolling field offsets.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

import (
	"bytes"

	"github.com/lunixbochs/struc"
)

// TSS32 is the 80386 32-bit task state segment, fixed portion (the
// I/O permission bitmap and any trailing data follow it in memory and
// are read directly by iobus.go rather than through this struct).
type TSS32 struct {
	Backlink uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	ESP0     uint32 `struc:"uint32"`
	SS0      uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	ESP1     uint32 `struc:"uint32"`
	SS1      uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	ESP2     uint32 `struc:"uint32"`
	SS2      uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	CR3      uint32 `struc:"uint32"`
	EIP      uint32 `struc:"uint32"`
	EFLAGS   uint32 `struc:"uint32"`
	EAX      uint32 `struc:"uint32"`
	ECX      uint32 `struc:"uint32"`
	EDX      uint32 `struc:"uint32"`
	EBX      uint32 `struc:"uint32"`
	ESP      uint32 `struc:"uint32"`
	EBP      uint32 `struc:"uint32"`
	ESI      uint32 `struc:"uint32"`
	EDI      uint32 `struc:"uint32"`
	ES       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	CS       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	SS       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	DS       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	FS       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	GS       uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	LDT      uint16 `struc:"uint16"`
	_        uint16 `struc:"uint16"`
	TrapDebug uint16 `struc:"uint16"`
	IOMapBase uint16 `struc:"uint16"`
}

// TSS16 is the 80286-compatible 16-bit TSS, kept because the spec's
// descriptor table can still name a TSS16 descriptor (spec 4.2).
type TSS16 struct {
	Backlink uint16 `struc:"uint16"`
	SP0      uint16 `struc:"uint16"`
	SS0      uint16 `struc:"uint16"`
	SP1      uint16 `struc:"uint16"`
	SS1      uint16 `struc:"uint16"`
	SP2      uint16 `struc:"uint16"`
	SS2      uint16 `struc:"uint16"`
	IP       uint16 `struc:"uint16"`
	Flags    uint16 `struc:"uint16"`
	AX       uint16 `struc:"uint16"`
	CX       uint16 `struc:"uint16"`
	DX       uint16 `struc:"uint16"`
	BX       uint16 `struc:"uint16"`
	SP       uint16 `struc:"uint16"`
	BP       uint16 `struc:"uint16"`
	SI       uint16 `struc:"uint16"`
	DI       uint16 `struc:"uint16"`
	ES       uint16 `struc:"uint16"`
	CS       uint16 `struc:"uint16"`
	SS       uint16 `struc:"uint16"`
	DS       uint16 `struc:"uint16"`
	LDT      uint16 `struc:"uint16"`
}

func (c *CPU) readTSS32(base LinearAddress) (TSS32, *CPUFault) {
	buf := make([]byte, 104)
	for i := range buf {
		b, fault := c.ReadMetalByte(base + LinearAddress(i))
		if fault != nil {
			return TSS32{}, fault
		}
		buf[i] = b
	}
	var t TSS32
	_ = struc.UnpackWithOptions(bytes.NewReader(buf), &t, &struc.Options{Order: littleEndian{}})
	return t, nil
}

func (c *CPU) writeTSS32(base LinearAddress, t TSS32) *CPUFault {
	var out bytes.Buffer
	if err := struc.PackWithOptions(&out, &t, &struc.Options{Order: littleEndian{}}); err != nil {
		return newFault(FaultInvalidTSS)
	}
	buf := out.Bytes()
	for i, b := range buf {
		if fault := c.WriteMetalByte(base+LinearAddress(i), b); fault != nil {
			return fault
		}
	}
	return nil
}

func (c *CPU) readTSS16(base LinearAddress) (TSS16, *CPUFault) {
	buf := make([]byte, 44)
	for i := range buf {
		b, fault := c.ReadMetalByte(base + LinearAddress(i))
		if fault != nil {
			return TSS16{}, fault
		}
		buf[i] = b
	}
	var t TSS16
	_ = struc.UnpackWithOptions(bytes.NewReader(buf), &t, &struc.Options{Order: littleEndian{}})
	return t, nil
}

func (c *CPU) writeTSS16(base LinearAddress, t TSS16) *CPUFault {
	var out bytes.Buffer
	if err := struc.PackWithOptions(&out, &t, &struc.Options{Order: littleEndian{}}); err != nil {
		return newFault(FaultInvalidTSS)
	}
	buf := out.Bytes()
	for i, b := range buf {
		if fault := c.WriteMetalByte(base+LinearAddress(i), b); fault != nil {
			return fault
		}
	}
	return nil
}

// switchTaskDirect implements JMP/CALL to a TSS selector (not through a
// task gate): save the outgoing task's state into its own TSS, load
// the incoming task's state, and set its busy bit.
// switchTaskDirect implements a JMP/CALL to a TSS selector. retAddr is
// the address of the instruction following the one that triggered the
// switch - it becomes the outgoing task's saved EIP, so switching back
// to it later resumes after this JMP/CALL rather than re-triggering the
// same switch forever. By the time this runs EIP still names that
// triggering instruction itself, since dispatch runs before Step's EIP
// auto-advance.
func (c *CPU) switchTaskDirect(sel Selector, d Descriptor, retAddr uint32) *CPUFault {
	return c.switchTask(sel, d, false, false, retAddr)
}

// switchTaskViaGate implements a task-gate-mediated transfer: the gate
// names a TSS selector one level removed from the original JMP/CALL/
// INT target. See switchTaskDirect for what retAddr means.
func (c *CPU) switchTaskViaGate(gate Descriptor, retAddr uint32) *CPUFault {
	sel := gate.TaskGateSelector
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	if d.Kind != DescTSS16 && d.Kind != DescTSS32 {
		return gpSelector(sel)
	}
	return c.switchTask(sel, d, false, false, retAddr)
}

// returnFromNestedTask implements IRET with NT set: switch back to the
// task named by the current TSS's backlink field.
func (c *CPU) returnFromNestedTask() *CPUFault {
	backlink, fault := c.ReadMetalDword(c.trCache.Base)
	if fault != nil {
		return fault
	}
	sel := Selector(uint16(backlink))
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	return c.switchTask(sel, d, true, false, c.EIP)
}

// switchTask is the shared body: it does not distinguish CALL from JMP
// busy-bit semantics beyond setting the new task busy and, for a
// non-nested switch, leaving the old task's busy bit set only when the
// transfer was a CALL/interrupt (nested) rather than a JMP - this core
// tracks that distinction via the nested parameter. retAddr is stored
// as the outgoing task's EIP in place of the CPU's live EIP, which
// still names the instruction that triggered this switch.
func (c *CPU) switchTask(newSel Selector, newDesc Descriptor, isReturn, nested bool, retAddr uint32) *CPUFault {
	is32 := newDesc.Kind == DescTSS32
	newBase := LinearAddress(newDesc.Base)

	oldSel := c.TR
	oldBase := c.trCache.Base
	oldIs32 := c.trCache.Rights.Type == sysTypeTSS32Avail || c.trCache.Rights.Type == sysTypeTSS32Busy

	if oldBase != 0 {
		if oldIs32 {
			t, fault := c.readTSS32(oldBase)
			if fault != nil {
				return fault
			}
			t.EIP = retAddr
			t.EFLAGS = c.EFLAGS
			t.EAX, t.ECX, t.EDX, t.EBX = c.Reg32(RegEAX), c.Reg32(RegECX), c.Reg32(RegEDX), c.Reg32(RegEBX)
			t.ESP, t.EBP, t.ESI, t.EDI = c.Reg32(RegESP), c.Reg32(RegEBP), c.Reg32(RegESI), c.Reg32(RegEDI)
			t.ES, t.CS, t.SS, t.DS, t.FS, t.GS = c.Seg[SegES], c.Seg[SegCS], c.Seg[SegSS], c.Seg[SegDS], c.Seg[SegFS], c.Seg[SegGS]
			t.LDT = uint16(c.LDTR)
			if fault := c.writeTSS32(oldBase, t); fault != nil {
				return fault
			}
		} else {
			t, fault := c.readTSS16(oldBase)
			if fault != nil {
				return fault
			}
			t.IP = uint16(retAddr)
			t.Flags = uint16(c.EFLAGS)
			t.AX, t.CX, t.DX, t.BX = uint16(c.Reg32(RegEAX)), uint16(c.Reg32(RegECX)), uint16(c.Reg32(RegEDX)), uint16(c.Reg32(RegEBX))
			t.SP, t.BP, t.SI, t.DI = uint16(c.Reg32(RegESP)), uint16(c.Reg32(RegEBP)), uint16(c.Reg32(RegESI)), uint16(c.Reg32(RegEDI))
			t.ES, t.CS, t.SS, t.DS = c.Seg[SegES], c.Seg[SegCS], c.Seg[SegSS], c.Seg[SegDS]
			t.LDT = uint16(c.LDTR)
			if fault := c.writeTSS16(oldBase, t); fault != nil {
				return fault
			}
		}
		if !isReturn {
			oldGDT := DescriptorTable{bus: c.bus, Base: c.GDTR.Base, Limit: c.GDTR.Limit}
			oldDesc, fault := c.fetchDescriptor(oldSel)
			if fault == nil {
				oldGDT.setBusy(oldSel, oldDesc, nested)
			}
		}
	}

	newGDT := DescriptorTable{bus: c.bus, Base: c.GDTR.Base, Limit: c.GDTR.Limit}
	newGDT.setBusy(newSel, newDesc, true)

	c.TR = newSel
	c.trCache = SegmentCache{Selector: newSel, Base: newBase, Limit: newDesc.Limit, Usable: true, Rights: DescriptorRights{Type: newDesc.RawType}}

	if is32 {
		t, fault := c.readTSS32(newBase)
		if fault != nil {
			return fault
		}
		c.CR3 = t.CR3
		c.EIP = t.EIP
		c.EFLAGS = t.EFLAGS | eflagsReservedSet
		c.SetReg32(RegEAX, t.EAX)
		c.SetReg32(RegECX, t.ECX)
		c.SetReg32(RegEDX, t.EDX)
		c.SetReg32(RegEBX, t.EBX)
		c.SetReg32(RegESP, t.ESP)
		c.SetReg32(RegEBP, t.EBP)
		c.SetReg32(RegESI, t.ESI)
		c.SetReg32(RegEDI, t.EDI)
		if fault := c.loadLDTR(Selector(t.LDT)); fault != nil {
			return fault
		}
		for _, seg := range []struct {
			idx SegmentIndex
			sel uint16
		}{{SegES, t.ES}, {SegCS, t.CS}, {SegSS, t.SS}, {SegDS, t.DS}, {SegFS, t.FS}, {SegGS, t.GS}} {
			if fault := c.loadSegment(seg.idx, Selector(seg.sel)); fault != nil {
				return fault
			}
		}
	} else {
		t, fault := c.readTSS16(newBase)
		if fault != nil {
			return fault
		}
		c.EIP = uint32(t.IP)
		c.EFLAGS = uint32(t.Flags) | eflagsReservedSet
		c.SetReg32(RegEAX, uint32(t.AX))
		c.SetReg32(RegECX, uint32(t.CX))
		c.SetReg32(RegEDX, uint32(t.DX))
		c.SetReg32(RegEBX, uint32(t.BX))
		c.SetReg32(RegESP, uint32(t.SP))
		c.SetReg32(RegEBP, uint32(t.BP))
		c.SetReg32(RegESI, uint32(t.SI))
		c.SetReg32(RegEDI, uint32(t.DI))
		if fault := c.loadLDTR(Selector(t.LDT)); fault != nil {
			return fault
		}
		for _, seg := range []struct {
			idx SegmentIndex
			sel uint16
		}{{SegES, t.ES}, {SegCS, t.CS}, {SegSS, t.SS}, {SegDS, t.DS}} {
			if fault := c.loadSegment(seg.idx, Selector(seg.sel)); fault != nil {
				return fault
			}
		}
	}

	if nested {
		c.setFlag(FlagNT, true)
	}
	c.setFlag(FlagTF, false)
	c.setFlag(FlagVM, false)
	c.suppressAutoAdvance()
	return nil
}

func (c *CPU) loadLDTR(sel Selector) *CPUFault {
	if sel.IsNull() {
		c.LDTR = sel
		c.ldtCache = SegmentCache{Usable: false}
		return nil
	}
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	if d.Kind != DescLDT {
		return tsSelector(sel)
	}
	c.LDTR = sel
	c.ldtCache = SegmentCache{Selector: sel, Base: LinearAddress(d.Base), Limit: d.Limit, Usable: true}
	return nil
}

// littleEndian implements binary.ByteOrder for struc's Options.Order,
// matching the x86 wire format every TSS field above uses.
type littleEndian struct{}

func (littleEndian) Uint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func (littleEndian) PutUint16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func (littleEndian) Uint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func (littleEndian) PutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
func (littleEndian) Uint64(b []byte) uint64 {
	return uint64(littleEndian{}.Uint32(b)) | uint64(littleEndian{}.Uint32(b[4:]))<<32
}
func (littleEndian) PutUint64(b []byte, v uint64) {
	littleEndian{}.PutUint32(b, uint32(v))
	littleEndian{}.PutUint32(b[4:], uint32(v>>32))
}
func (littleEndian) String() string { return "littleEndian" }
