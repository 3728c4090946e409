// decoder.go - prefix handling, opcode fetch, ModR/M+SIB decode (spec 4.6)
//
// Grounded on the teacher's cpu_x86_ops.go ModR/M walk, generalized to
// track address-size and operand-size prefixes (32-bit forms the
// teacher's real-mode-only core never needed) and to carry a lazily
// resolved operand locator rather than eagerly reading memory, so a
// decoded instruction can be re-dispatched (REP resumption) without
// re-fetching its bytes.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// OperandLocator names where a ModR/M operand lives: a register or a
// not-yet-computed effective address. Resolution (actually reading
// memory) happens in the exec_*.go handlers so a REP-prefixed string
// op can recompute the address each iteration from (E)SI/(E)DI instead
// of the stale address of the first iteration.
type OperandLocator struct {
	IsMemory bool
	Reg      int          // GPR index when !IsMemory
	Seg      SegmentIndex // segment to address through when IsMemory
	Offset   uint32       // effective offset when IsMemory
}

// Instruction is the fully decoded form of one instruction: prefixes,
// opcode, ModR/M-derived operand, and any immediate/displacement.
type Instruction struct {
	Opcode      byte
	Opcode0F    bool
	RM          OperandLocator
	RegField    int
	Immediate   uint32
	HasImm      bool
	ImmWidth    Width

	OperandSize Width // 16 or 32, after the 0x66 prefix and CS.D
	AddressSize Width // 16 or 32, after the 0x67 prefix and CS.D
	SegOverride SegmentIndex
	HasSegOverride bool
	RepPrefix   byte // 0, 0xF2 (REPNE), or 0xF3 (REP/REPE)
	Lock        bool

	Length int // total encoded length in bytes, for EIP advance
}

// fetchCodeByte reads one byte at CS:EIP+n without yet advancing EIP;
// callers track the running offset themselves so a page fault midway
// through decode leaves EIP untouched (restartable, per spec 4.7).
func (c *CPU) fetchCodeByte(n int) (byte, *CPUFault) {
	v, fault := c.ReadMem(SegCS, c.EIP+uint32(n), Width8)
	if fault != nil {
		return 0, fault
	}
	return byte(v), nil
}

// decode reads and classifies the instruction at CS:EIP. It does not
// mutate CPU state beyond reads through ReadMem (which may fault).
func (c *CPU) decode() (Instruction, *CPUFault) {
	var insn Instruction
	n := 0

	defaultSize := Width16
	if c.SegCache[SegCS].Rights.DB {
		defaultSize = Width32
	}
	insn.OperandSize = defaultSize
	insn.AddressSize = defaultSize
	insn.SegOverride = SegDS

prefixLoop:
	for {
		b, fault := c.fetchCodeByte(n)
		if fault != nil {
			return insn, fault
		}
		switch b {
		case 0x66:
			insn.OperandSize = flipWidth(defaultSize)
			n++
		case 0x67:
			insn.AddressSize = flipWidth(defaultSize)
			n++
		case 0xF0:
			insn.Lock = true
			n++
		case 0xF2, 0xF3:
			insn.RepPrefix = b
			n++
		case 0x2E:
			insn.SegOverride, insn.HasSegOverride = SegCS, true
			n++
		case 0x36:
			insn.SegOverride, insn.HasSegOverride = SegSS, true
			n++
		case 0x3E:
			insn.SegOverride, insn.HasSegOverride = SegDS, true
			n++
		case 0x26:
			insn.SegOverride, insn.HasSegOverride = SegES, true
			n++
		case 0x64:
			insn.SegOverride, insn.HasSegOverride = SegFS, true
			n++
		case 0x65:
			insn.SegOverride, insn.HasSegOverride = SegGS, true
			n++
		default:
			break prefixLoop
		}
	}

	op, fault := c.fetchCodeByte(n)
	if fault != nil {
		return insn, fault
	}
	n++
	if op == 0x0F {
		op2, fault := c.fetchCodeByte(n)
		if fault != nil {
			return insn, fault
		}
		n++
		insn.Opcode0F = true
		insn.Opcode = op2
	} else {
		insn.Opcode = op
	}

	insn.Length = n
	return insn, nil
}

func flipWidth(w Width) Width {
	if w == Width16 {
		return Width32
	}
	return Width16
}

// decodeModRM reads the ModR/M byte (and SIB/displacement if present)
// starting at CS:EIP+insn.Length, filling in RM and RegField, and
// advances insn.Length past everything it consumed. Matches the
// teacher's table-driven SIB handling, generalized to 32-bit addressing.
func (c *CPU) decodeModRM(insn *Instruction) *CPUFault {
	n := insn.Length
	modrm, fault := c.fetchCodeByte(n)
	if fault != nil {
		return fault
	}
	n++

	mod := modrm >> 6
	reg := int((modrm >> 3) & 7)
	rm := int(modrm & 7)
	insn.RegField = reg

	if mod == 3 {
		insn.RM = OperandLocator{IsMemory: false, Reg: rm}
		insn.Length = n
		return nil
	}

	var base, index int32
	var haveBase, haveIndex bool
	var scale uint32 = 1
	var disp int32

	if insn.AddressSize == Width32 {
		if rm == 4 { // SIB follows
			sib, fault := c.fetchCodeByte(n)
			if fault != nil {
				return fault
			}
			n++
			ss := sib >> 6
			idx := int((sib >> 3) & 7)
			b := int(sib & 7)
			scale = 1 << ss
			if idx != 4 {
				index, haveIndex = int32(c.Reg32(idx)), true
			}
			if b == 5 && mod == 0 {
				d, fault := c.fetchCodeDword(n)
				if fault != nil {
					return fault
				}
				n += 4
				disp = int32(d)
			} else {
				base, haveBase = int32(c.Reg32(b)), true
			}
		} else if rm == 5 && mod == 0 {
			d, fault := c.fetchCodeDword(n)
			if fault != nil {
				return fault
			}
			n += 4
			disp = int32(d)
		} else {
			base, haveBase = int32(c.Reg32(rm)), true
		}

		switch mod {
		case 1:
			d, fault := c.fetchCodeByte(n)
			if fault != nil {
				return fault
			}
			n++
			disp += int32(int8(d))
		case 2:
			d, fault := c.fetchCodeDword(n)
			if fault != nil {
				return fault
			}
			n += 4
			disp += int32(d)
		}
	} else {
		// 16-bit addressing table, classic [BX+SI] etc.
		base16, index16, dispSize := decode16Table(mod, byte(rm))
		if base16 >= 0 {
			base, haveBase = int32(c.Reg16(base16)), true
		}
		if index16 >= 0 {
			index, haveIndex = int32(c.Reg16(index16)), true
		}
		switch dispSize {
		case 1:
			d, fault := c.fetchCodeByte(n)
			if fault != nil {
				return fault
			}
			n++
			disp = int32(int8(d))
		case 2:
			d, fault := c.fetchCodeWord(n)
			if fault != nil {
				return fault
			}
			n += 2
			disp = int32(int16(d))
		}
	}

	offset := disp
	if haveBase {
		offset += base
	}
	if haveIndex {
		offset += index * int32(scale)
	}

	seg := insn.SegOverride
	if !insn.HasSegOverride {
		if rm == 2 || rm == 3 || rm == 6 && mod != 0 {
			seg = SegSS
		}
	}

	mask := insn.AddressSize.mask()
	insn.RM = OperandLocator{IsMemory: true, Seg: seg, Offset: uint32(offset) & mask}
	insn.Length = n
	return nil
}

// decode16Table returns the base/index register indices (RegESI-style,
// or -1 if absent) and displacement size for the classic 8086 16-bit
// ModR/M addressing modes.
func decode16Table(mod, rm byte) (base, index int, dispSize int) {
	switch rm {
	case 0:
		return RegEBX, RegESI, dispSizeFor(mod)
	case 1:
		return RegEBX, RegEDI, dispSizeFor(mod)
	case 2:
		return RegEBP, RegESI, dispSizeFor(mod)
	case 3:
		return RegEBP, RegEDI, dispSizeFor(mod)
	case 4:
		return -1, RegESI, dispSizeFor(mod)
	case 5:
		return -1, RegEDI, dispSizeFor(mod)
	case 6:
		if mod == 0 {
			return -1, -1, 2
		}
		return RegEBP, -1, dispSizeFor(mod)
	default: // 7
		return RegEBX, -1, dispSizeFor(mod)
	}
}

func dispSizeFor(mod byte) int {
	switch mod {
	case 1:
		return 1
	case 2:
		return 2
	default:
		return 0
	}
}

func (c *CPU) fetchCodeWord(n int) (uint16, *CPUFault) {
	lo, fault := c.fetchCodeByte(n)
	if fault != nil {
		return 0, fault
	}
	hi, fault := c.fetchCodeByte(n + 1)
	if fault != nil {
		return 0, fault
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (c *CPU) fetchCodeDword(n int) (uint32, *CPUFault) {
	lo, fault := c.fetchCodeWord(n)
	if fault != nil {
		return 0, fault
	}
	hi, fault := c.fetchCodeWord(n + 2)
	if fault != nil {
		return 0, fault
	}
	return uint32(lo) | uint32(hi)<<16, nil
}

// fetchImmediate reads an immediate of width w at the instruction's
// current length and advances it.
func (c *CPU) fetchImmediate(insn *Instruction, w Width) (uint32, *CPUFault) {
	switch w {
	case Width8:
		v, fault := c.fetchCodeByte(insn.Length)
		if fault != nil {
			return 0, fault
		}
		insn.Length++
		return uint32(v), nil
	case Width16:
		v, fault := c.fetchCodeWord(insn.Length)
		if fault != nil {
			return 0, fault
		}
		insn.Length += 2
		return uint32(v), nil
	default:
		v, fault := c.fetchCodeDword(insn.Length)
		if fault != nil {
			return 0, fault
		}
		insn.Length += 4
		return v, nil
	}
}

// readRM/writeRM resolve an OperandLocator against the current CPU
// state at the given width - the step that turns a decoded location
// into an actual value, deferred this late so string-instruction REP
// iterations can reuse the same decoded Instruction with (E)SI/(E)DI
// having moved between iterations (spec 8 scenario 6).
func (c *CPU) readRM(loc OperandLocator, w Width) (uint32, *CPUFault) {
	if !loc.IsMemory {
		switch w {
		case Width8:
			return uint32(c.Reg8(loc.Reg)), nil
		case Width16:
			return uint32(c.Reg16(loc.Reg)), nil
		default:
			return c.Reg32(loc.Reg), nil
		}
	}
	return c.ReadMem(loc.Seg, loc.Offset, w)
}

func (c *CPU) writeRM(loc OperandLocator, v uint32, w Width) *CPUFault {
	if !loc.IsMemory {
		switch w {
		case Width8:
			c.SetReg8(loc.Reg, uint8(v))
		case Width16:
			c.SetReg16(loc.Reg, uint16(v))
		default:
			c.SetReg32(loc.Reg, v)
		}
		return nil
	}
	return c.WriteMem(loc.Seg, loc.Offset, v, w)
}
