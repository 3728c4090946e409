// cpuid.go - CPUID leaves and RDTSC (spec 6)
//
// A real 386 predates CPUID; this core exposes it anyway for software
// that probes before falling back to 386-specific detection, matching
// spec 6's "CPUID surfaces a minimal, fixed leaf set" external
// interface. The timestamp counter is a plain step counter rather than
// a wall-clock read, since nothing in this core's scope ties it to
// real time.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

// CPUIDState holds the monotonically increasing counters CPUID/RDTSC
// report; Machine.Run advances Ticks once per CPU.Step call.
type CPUIDState struct {
	Ticks uint64
}

const cpuidVendor = "GenuineIntel"

func (c *CPU) execCPUID(*Instruction) *CPUFault {
	leaf := c.Reg32(RegEAX)
	switch leaf {
	case 0:
		c.SetReg32(RegEAX, 1)
		c.SetReg32(RegEBX, 0x756E6547) // "Genu"
		c.SetReg32(RegEDX, 0x49656E69) // "ineI"
		c.SetReg32(RegECX, 0x6C65746E) // "ntel"
	case 1:
		c.SetReg32(RegEAX, 0x00000386)
		c.SetReg32(RegEBX, 0)
		c.SetReg32(RegECX, 0)
		c.SetReg32(RegEDX, 0) // no on-chip features: no FPU/TSC/CX8 bits set, honest to a 386
	default:
		c.SetReg32(RegEAX, 0)
		c.SetReg32(RegEBX, 0)
		c.SetReg32(RegECX, 0)
		c.SetReg32(RegEDX, 0)
	}
	return nil
}

func (c *CPU) execRDTSC(*Instruction) *CPUFault {
	c.SetReg32(RegEAX, uint32(c.cpuid.Ticks))
	c.SetReg32(RegEDX, uint32(c.cpuid.Ticks>>32))
	return nil
}
