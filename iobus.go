// iobus.go - port I/O space and the IOPL/IOPM privilege check (spec 6)
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

import "log"

// IOPort64K is the size of the x86 port I/O space.
const IOPort64K = 1 << 16

// IOHandler is a device's port-I/O callback set, registered against a
// range of ports. Narrower than MemoryProvider since ports have no
// notion of a backing byte slice.
type IOHandler interface {
	In(port uint16, w Width) uint32
	Out(port uint16, v uint32, w Width)
}

type registeredPort struct {
	handler IOHandler
	base    uint16
	end     uint32 // exclusive, as uint32 to allow base+size==0x10000
}

// IOBus is the port-I/O address space the core issues IN/OUT/INS/OUTS
// through. Unmapped ports read as all-ones and discard writes, matching
// the teacher's machine_bus.go behavior for unmapped MMIO.
type IOBus struct {
	ports []registeredPort
}

func NewIOBus() *IOBus {
	return &IOBus{}
}

func (b *IOBus) RegisterHandler(base uint16, size uint32, h IOHandler) {
	b.ports = append(b.ports, registeredPort{handler: h, base: base, end: uint32(base) + size})
}

func (b *IOBus) find(port uint16) *registeredPort {
	for i := range b.ports {
		r := &b.ports[i]
		if uint32(port) >= uint32(r.base) && uint32(port) < r.end {
			return r
		}
	}
	return nil
}

func (b *IOBus) Read(port uint16, w Width) uint32 {
	if r := b.find(port); r != nil {
		return r.handler.In(port, w)
	}
	log.Printf("iobus: read from unmapped port 0x%04X", port)
	return w.mask()
}

func (b *IOBus) Write(port uint16, v uint32, w Width) {
	if r := b.find(port); r != nil {
		r.handler.Out(port, v, w)
		return
	}
	log.Printf("iobus: write to unmapped port 0x%04X", port)
}

// checkIOPermission enforces spec 6's rule: in real mode, in protected
// mode at CPL<=IOPL, and in V86 mode with IOPL=3, port access is always
// allowed; otherwise the I/O permission bitmap in the current TSS is
// consulted, and any bit set for a port the access touches raises #GP.
func (c *CPU) checkIOPermission(port uint16, w Width) *CPUFault {
	if c.CR0&CR0PE == 0 {
		return nil
	}
	if c.EFLAGS&FlagVM == 0 && c.CPL() <= c.IOPL() {
		return nil
	}
	if c.EFLAGS&FlagVM != 0 && c.IOPL() == 3 {
		return nil
	}

	size := uint32(w) / 8
	for i := uint32(0); i < size; i++ {
		allowed, fault := c.ioPermissionBit(port + uint16(i))
		if fault != nil {
			return fault
		}
		if !allowed {
			return newFault(FaultGeneralProtect)
		}
	}
	return nil
}

// ioPermissionBit reads one bit of the current task's I/O permission
// bitmap, per spec 6. The bitmap lives past the fixed part of the TSS
// at an offset given by the TSS's io_map_base field; taskswitch.go's
// TSS32 struct carries that field.
func (c *CPU) ioPermissionBit(port uint16) (allowed bool, fault *CPUFault) {
	if !c.trCache.Usable || c.trCache.Rights.Type != SegmentType(sysTypeTSS32Busy) && c.trCache.Rights.Type != SegmentType(sysTypeTSS32Avail) {
		return false, nil
	}
	base, fault2 := c.ReadMetalDword(c.trCache.Base + 0x66)
	if fault2 != nil {
		return false, fault2
	}
	base &= 0xFFFF // io_map_base is a 16-bit field
	byteOffset := base + uint32(port)/8
	if byteOffset+1 > c.trCache.Limit {
		return true, nil // beyond the mapped bitmap counts as permitted, per spec
	}
	bits, fault3 := c.ReadMetalByte(c.trCache.Base + LinearAddress(byteOffset))
	if fault3 != nil {
		return false, fault3
	}
	return bits&(1<<(port%8)) == 0, nil
}
