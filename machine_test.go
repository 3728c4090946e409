package x386core

import "testing"

// TestMachineRunAdvancesUntilSteppedBudget exercises Run's positive
// step-budget form: it must execute exactly that many instructions and
// stop.
func TestMachineRunAdvancesUntilSteppedBudget(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	// Three NOPs.
	m.LoadImage(PhysicalAddress(m.CPU.SegCache[SegCS].Base), []byte{0x90, 0x90, 0x90})

	m.Run(2)

	if m.CPU.EIP != 2 {
		t.Fatalf("EIP after a 2-step budget of NOPs = 0x%X, want 2", m.CPU.EIP)
	}
}

// TestMachineRaiseIRQDeliversThroughRun exercises the IRQ-to-Run
// pipeline end to end: RaiseIRQ posts a vector, and the next Run step
// must deliver it through the real-mode IVT once IF is set.
func TestMachineRaiseIRQDeliversThroughRun(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	m.CPU.setFlag(FlagIF, true)
	csBase := m.CPU.SegCache[SegCS].Base
	m.LoadImage(PhysicalAddress(csBase), []byte{0x90}) // one NOP to execute before the IRQ lands

	m.Bus.WriteWord(0x40*4, 0x0080)
	m.Bus.WriteWord(0x40*4+2, 0x0070)

	m.RaiseIRQ(0x40)
	m.Run(1)

	if m.CPU.Seg[SegCS] != 0x0070 || m.CPU.EIP != 0x0080 {
		t.Fatalf("CS:IP after RaiseIRQ+Run = %04X:%X, want 0070:0080", m.CPU.Seg[SegCS], m.CPU.EIP)
	}
}

// TestMachineRunStopsOnHalt exercises HLT inside a Run budget: with
// interrupts masked nothing can wake the CPU, so it must still be
// halted when the 5-step budget runs out.
func TestMachineRunStopsOnHalt(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	m.CPU.EFLAGS &^= FlagIF
	csBase := m.CPU.SegCache[SegCS].Base
	m.LoadImage(PhysicalAddress(csBase), []byte{0xF4}) // HLT

	m.Run(5)

	if !m.CPU.halted {
		t.Fatal("CPU should be halted after executing HLT with IF clear")
	}
}

// fakeIOHandler records the last In/Out seen, for RegisterIOHandler
// wiring tests.
type fakeIOHandler struct {
	lastOutVal uint32
	inVal      uint32
}

func (f *fakeIOHandler) In(port uint16, w Width) uint32 { return f.inVal }
func (f *fakeIOHandler) Out(port uint16, val uint32, w Width) {
	f.lastOutVal = val
}

// TestMachineRegisterIOHandlerWiresPortIO exercises the Machine-level
// passthrough to IOBus: an OUT through an instruction must reach the
// registered handler.
func TestMachineRegisterIOHandlerWiresPortIO(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	h := &fakeIOHandler{}
	m.RegisterIOHandler(0x60, 1, h)

	csBase := m.CPU.SegCache[SegCS].Base
	m.CPU.SetReg8(0, 0x42)
	m.LoadImage(PhysicalAddress(csBase), []byte{0xE6, 0x60}) // OUT 0x60, AL
	m.Run(1)

	if h.lastOutVal != 0x42 {
		t.Fatalf("handler saw OUT value 0x%X, want 0x42", h.lastOutVal)
	}
}

// TestVKILLOpcodeRaisesInvalidOpcodeOutsideAutotestMode exercises the
// default case: 0xF1 is simply #UD unless EnableAutotestMode was called.
func TestVKILLOpcodeRaisesInvalidOpcodeOutsideAutotestMode(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	m.CPU.SetReg32(RegESP, 0x2000)
	m.Bus.WriteWord(6*4, 0x0060) // IVT vector 6 (#UD) -> 0050:0060
	m.Bus.WriteWord(6*4+2, 0x0050)
	csBase := m.CPU.SegCache[SegCS].Base
	m.LoadImage(PhysicalAddress(csBase), []byte{0xF1})

	m.Run(1)

	if m.CPU.Seg[SegCS] != 0x0050 || m.CPU.EIP != 0x0060 {
		t.Fatalf("CS:IP after VKILL outside autotest mode = %04X:%X, want 0050:0060 (#UD)", m.CPU.Seg[SegCS], m.CPU.EIP)
	}
}

// TestVKILLOpcodeHaltsAndReportsExitZeroInAutotestMode exercises the
// spec-correct VKILL path: once EnableAutotestMode is armed, executing
// 0xF1 halts the core and reports exit code 0, regardless of any
// register value.
func TestVKILLOpcodeHaltsAndReportsExitZeroInAutotestMode(t *testing.T) {
	m := NewMachine(1 << 20)
	m.CPU.Reset()
	m.CPU.EIP = 0
	var got byte = 0xFF
	var calls int
	m.EnableAutotestMode(func(code byte) {
		calls++
		got = code
	})
	m.CPU.SetReg8(0, 0x55) // AL must have no bearing on the reported exit code
	csBase := m.CPU.SegCache[SegCS].Base
	m.LoadImage(PhysicalAddress(csBase), []byte{0xF1})

	m.Run(1)

	if !m.CPU.halted {
		t.Fatal("VKILL in autotest mode must halt the core")
	}
	if calls != 1 || got != 0 {
		t.Fatalf("autotest exit callback = %d calls / code %d, want 1 call / code 0", calls, got)
	}
}

// TestVKILLHandlerSignalsWaiter exercises the autotest shutdown port:
// a write unblocks Wait with the written byte, and only the first
// write is delivered.
func TestVKILLHandlerSignalsWaiter(t *testing.T) {
	v := NewVKILLHandler()
	v.Out(VKILLPort, 7, Width8)
	v.Out(VKILLPort, 99, Width8) // must be ignored, done already fired

	got := v.Wait()
	if got != 7 {
		t.Fatalf("VKILL Wait() = %d, want 7 (first write only)", got)
	}
}
