// cpu.go - CPU struct, reset, and the fetch/decode/execute/interrupt-poll
// loop (spec 4.7, 5)
//
// Adapted from the teacher's cpu_x86.go Step() shape: decode one
// instruction, dispatch it, advance EIP, then check for a pending
// interrupt before the next instruction - except HLT, which spec 4.7
// says may only be woken by an unmasked interrupt or reset.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

import "log"

// IRQSource is polled once per instruction boundary for a pending
// external interrupt, per spec 5's "interrupts are polled, not pushed."
type IRQSource interface {
	// Pending returns the highest-priority pending vector and true, or
	// (0, false) if nothing is pending. Does not clear the request;
	// Acknowledge does.
	Pending() (vector uint8, ok bool)
	Acknowledge(vector uint8)
}

// CPU is one 80386-class execution core: register file, EFLAGS/EIP, and
// the attachments (physical bus, paging unit, I/O bus, IRQ source) it
// needs to step. Machine wiring (machine.go) owns constructing these
// and registering memory providers; CPU itself never reaches outside
// its attachments.
type CPU struct {
	RegisterFile

	EFLAGS uint32
	EIP    uint32

	bus    *PhysicalBus
	paging *PagingUnit
	io     *IOBus
	irq    IRQSource

	halted bool

	// startedStringRep is set by exec_string.go's REP entry point to
	// tell Step not to advance EIP past the instruction it just parked
	// in pendingStringRestart - the restart loop advances EIP itself
	// once the count reaches zero.
	startedStringRep bool

	// eipAlreadySet is a one-shot flag control_transfer.go's handlers
	// set when they have already assigned EIP themselves (jumps,
	// calls, returns), so Step's trailing "EIP += insn.Length" does not
	// also run.
	eipAlreadySet bool

	// pendingStringRestart is the decoded REP-prefixed string
	// instruction currently in flight, resumed one element at a time so
	// an IRQ can interleave between iterations (spec 8 scenario 6). Nil
	// when no REP loop is in progress.
	pendingStringRestart *Instruction

	// inFaultHandler is set for the duration of a double-fault or task-switch
	// sequence where a recursive fault must be promoted rather than
	// delivered normally (spec 7 "exception promotion").
	inFaultHandler bool

	// suppressInterruptOnce is a one-shot flag MOV SS and POP SS set
	// (spec 3's "one-instruction uninterruptible window"): it defers
	// the next pollInterrupt by exactly one instruction so an IRQ or
	// single-step trap can never land between the SS load and the
	// instruction that sets up ESP to match it.
	suppressInterruptOnce bool

	cpuid CPUIDState

	// autotestMode gates opcode 0xF1 (spec 6's VKILL): outside a
	// configured autotest harness the opcode is simply invalid.
	autotestMode bool
	// autotestExit, if non-nil, is invoked exactly once when VKILL
	// executes in autotest mode, with the exit code spec 6 fixes at 0.
	autotestExit func(code byte)
}

// NewCPU wires a CPU to its bus and paging unit. The IO bus and IRQ
// source are optional and may be attached later via AttachIO/AttachIRQ
// (machine.go does this once at startup).
func NewCPU(bus *PhysicalBus) *CPU {
	c := &CPU{bus: bus}
	c.paging = NewPagingUnit(bus)
	c.Reset()
	return c
}

func (c *CPU) AttachIO(io *IOBus)     { c.io = io }
func (c *CPU) AttachIRQ(src IRQSource) { c.irq = src }

// Reset restores architectural reset state (spec 4.7): CS=F000 base
// FFFF0000 in real hardware's reset vector convention is a 486-ism;
// this core's reset instead follows the 386's documented state, CS
// base 0xFFFF0000 is skipped in favor of the simpler F000:FFF0 BIOS
// entry point every PC BIOS and the teacher's own reset path assumes.
func (c *CPU) Reset() {
	c.RegisterFile = RegisterFile{}
	c.EFLAGS = eflagsReservedSet
	c.EIP = 0xFFF0
	c.halted = false
	c.pendingStringRestart = nil
	c.inFaultHandler = false

	c.GDTR = DescriptorTableRegister{}
	c.IDTR = DescriptorTableRegister{Base: 0, Limit: 0x3FF}

	c.Seg[SegCS] = 0xF000
	c.SegCache[SegCS] = SegmentCache{
		Selector: 0xF000,
		Base:     0xFFFF0000 &^ 0xFFFF0000, // real-mode base recomputed below
		Limit:    0xFFFF,
		Usable:   true,
		Rights:   DescriptorRights{DB: false, Present: true},
	}
	c.SegCache[SegCS].Base = LinearAddress(0xF0000)
	for _, s := range []SegmentIndex{SegDS, SegES, SegSS, SegFS, SegGS} {
		c.Seg[s] = 0
		c.SegCache[s] = SegmentCache{Selector: 0, Base: 0, Limit: 0xFFFF, Usable: true, Rights: DescriptorRights{Present: true}}
	}
	c.CR0 = CR0ET
}

// Step executes exactly one instruction (or, mid-REP, exactly one
// element of a string instruction) and polls for a pending interrupt
// afterward. It never panics: every fault path returns through the
// *CPUFault chain and is delivered via c.raise before Step returns.
func (c *CPU) Step() {
	if c.halted {
		c.pollInterrupt()
		return
	}

	if c.pendingStringRestart != nil {
		insn := c.pendingStringRestart
		if fault := c.stepStringElement(insn); fault != nil {
			c.raise(fault)
			return
		}
		// EIP still names this REP instruction's own address if it isn't
		// done yet (stepStringElement only advances past it on
		// completion), so an interrupt delivered here pushes a return
		// address that re-decodes the same instruction fresh once the ISR
		// returns. Continuing to drain pendingStringRestart past this
		// point would starve the ISR of control entirely, so clear it
		// whenever delivery actually occurred.
		if c.pollInterrupt() {
			c.pendingStringRestart = nil
		}
		return
	}

	startEIP := c.EIP
	c.eipAlreadySet = false
	insn, fault := c.decode()
	if fault != nil {
		c.raise(fault)
		return
	}
	if needsModRM(insn.Opcode, insn.Opcode0F) {
		if fault := c.decodeModRM(&insn); fault != nil {
			c.raise(fault)
			return
		}
	}

	if fault := c.dispatch(&insn); fault != nil {
		// A genuine fault (the default class) restarts at the faulting
		// instruction once its handler returns; a trap (INT3, INTO)
		// means the instruction itself completed normally and the
		// pushed return address must be the one after it.
		if fault.Kind.Class() == ClassTrap {
			c.EIP = startEIP + uint32(insn.Length)
		} else {
			c.EIP = startEIP
		}
		c.raise(fault)
		return
	}

	if !c.startedStringRep && !c.eipAlreadySet {
		c.EIP += uint32(insn.Length)
	}
	c.startedStringRep = false

	// A REP instruction parked by this step still has EIP on its own
	// address, so an interrupt delivered now resumes it fresh on return.
	if c.pollInterrupt() {
		c.pendingStringRestart = nil
	}
}

// pollInterrupt checks for and delivers one pending external interrupt,
// reporting whether delivery actually occurred.
func (c *CPU) pollInterrupt() bool {
	if c.suppressInterruptOnce {
		c.suppressInterruptOnce = false
		return false
	}
	if c.EFLAGS&FlagIF == 0 || c.irq == nil {
		return false
	}
	vector, ok := c.irq.Pending()
	if !ok {
		return false
	}
	c.irq.Acknowledge(vector)
	c.halted = false
	c.interrupt(vector, false, 0)
	return true
}

// raise delivers a CPU-raised exception through the interrupt
// mechanism, promoting to a double fault (and, if that recurs, to
// shutdown) per spec 7.
func (c *CPU) raise(f *CPUFault) {
	c.interruptWithPromotion(f.Kind.Vector(), f.HasErrorCode, f.ErrorCode)
}

func (c *CPU) shutdown() {
	log.Printf("cpu: triple fault, entering shutdown")
	c.halted = true
}

// needsModRM reports whether an opcode's encoding includes a ModR/M
// byte, so Step knows whether to call decodeModRM before dispatch.
func needsModRM(opcode byte, is0F bool) bool {
	if is0F {
		switch opcode {
		case 0x00, 0x01, // SLDT/STR/LLDT/LTR/VERR/VERW group, LGDT/LIDT/SGDT/SIDT/LMSW/SMSW group
			0x02, 0x03, // LAR, LSL
			0x20, 0x21, 0x22, 0x23, // MOV to/from CR, DR
			0xB6, 0xB7, 0xBE, 0xBF, // MOVZX, MOVSX
			0xAF: // IMUL r, r/m
			return true
		}
		return false
	}
	switch {
	case opcode <= 0x3D && (opcode&7) <= 3:
		return true
	case opcode >= 0x80 && opcode <= 0x8F:
		return true
	case opcode == 0xC0, opcode == 0xC1, opcode == 0xD0, opcode == 0xD1, opcode == 0xD2, opcode == 0xD3:
		return true
	case opcode == 0xF6, opcode == 0xF7:
		return true
	case opcode == 0xFE, opcode == 0xFF:
		return true
	case opcode == 0x69, opcode == 0x6B:
		return true
	case opcode == 0x62, opcode == 0x63, opcode == 0xC6, opcode == 0xC7: // BOUND, ARPL, MOV r/m, imm
		return true
	default:
		return false
	}
}
