// exec_shift.go - shift/rotate group, opcodes C0/C1/D0-D3 (spec 4.7)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

type shiftOp int

const (
	shROL shiftOp = iota
	shROR
	shRCL
	shRCR
	shSHL
	shSHR
	shSHLAlt // reg field 6 duplicates SHL on real hardware
	shSAR
)

// execShiftGroup handles C0/C1 (count = imm8), D0/D1 (count = 1), and
// D2/D3 (count = CL).
func (c *CPU) execShiftGroup(insn *Instruction) *CPUFault {
	w := insn.OperandSize
	if insn.Opcode == 0xC0 || insn.Opcode == 0xD0 || insn.Opcode == 0xD2 {
		w = Width8
	}

	var count uint32
	switch insn.Opcode {
	case 0xC0, 0xC1:
		imm, fault := c.fetchImmediate(insn, Width8)
		if fault != nil {
			return fault
		}
		count = imm & 0x1F
	case 0xD0, 0xD1:
		count = 1
	default:
		count = uint32(c.Reg8(1)) & 0x1F
	}

	if count == 0 {
		return nil
	}

	dst, fault := c.readRM(insn.RM, w)
	if fault != nil {
		return fault
	}
	result := c.applyShift(shiftOp(insn.RegField), dst, count, w)
	return c.writeRM(insn.RM, result, w)
}

func (c *CPU) applyShift(op shiftOp, dst, count uint32, w Width) uint32 {
	bits := uint32(w)
	mask := w.mask()
	signBit := w.signBit()
	dst &= mask

	switch op {
	case shROL:
		n := count % bits
		result := ((dst << n) | (dst >> (bits - n))) & mask
		if n > 0 {
			c.setFlag(FlagCF, result&1 != 0)
		}
		c.setFlag(FlagOF, (result&signBit != 0) != (result&1 != 0))
		return result
	case shROR:
		n := count % bits
		result := ((dst >> n) | (dst << (bits - n))) & mask
		if n > 0 {
			c.setFlag(FlagCF, result&signBit != 0)
		}
		top2 := (result >> (bits - 2)) & 0x3
		c.setFlag(FlagOF, top2 == 1 || top2 == 2)
		return result
	case shRCL:
		// RCL rotates dst and CF together as a (bits+1)-bit field, so
		// the carry in and out participate in the rotation itself
		// rather than just observing dst's top/bottom bit like ROL.
		width := bits + 1
		n := count % width
		if n == 0 {
			return dst
		}
		cfIn := uint64(0)
		if c.flagSet(FlagCF) {
			cfIn = 1
		}
		ext := (cfIn << bits) | uint64(dst)
		fieldMask := (uint64(1) << width) - 1
		rotated := ((ext << n) | (ext >> (width - n))) & fieldMask
		result := uint32(rotated) & mask
		newCF := (rotated>>bits)&1 != 0
		c.setFlag(FlagCF, newCF)
		c.setFlag(FlagOF, (result&signBit != 0) != newCF)
		return result
	case shRCR:
		width := bits + 1
		n := count % width
		if n == 0 {
			return dst
		}
		cfIn := uint64(0)
		if c.flagSet(FlagCF) {
			cfIn = 1
		}
		ext := (cfIn << bits) | uint64(dst)
		fieldMask := (uint64(1) << width) - 1
		rotated := ((ext >> n) | (ext << (width - n))) & fieldMask
		result := uint32(rotated) & mask
		c.setFlag(FlagCF, (rotated>>bits)&1 != 0)
		top2 := (result >> (bits - 2)) & 0x3
		c.setFlag(FlagOF, top2 == 1 || top2 == 2)
		return result
	case shSHL, shSHLAlt:
		result := (dst << count) & mask
		if count <= bits {
			c.setFlag(FlagCF, (dst<<(count-1))&signBit != 0)
		}
		c.setPZS(result, w)
		c.setFlag(FlagOF, (result&signBit != 0) != (c.flagSet(FlagCF)))
		return result
	case shSHR:
		c.setFlag(FlagCF, count > 0 && (dst>>(count-1))&1 != 0)
		result := dst >> count
		c.setPZS(result, w)
		c.setFlag(FlagOF, count == 1 && dst&signBit != 0)
		return result
	default: // SAR
		sval := signExtendTo32(dst, w)
		c.setFlag(FlagCF, count > 0 && (dst>>(count-1))&1 != 0)
		result := uint32(sval>>count) & mask
		c.setPZS(result, w)
		c.setFlag(FlagOF, false)
		return result
	}
}

func signExtendTo32(v uint32, w Width) int32 {
	switch w {
	case Width8:
		return int32(int8(v))
	case Width16:
		return int32(int16(v))
	default:
		return int32(v)
	}
}
