// control_transfer.go - JMP/CALL/RET/IRET across real, V86 and
// protected mode, including call/task gates and ring transitions
// (spec 4.8)
//
// The far-return and IRET paths read every stack value with stackPeek
// before touching ESP/SS, so a fault partway through a transfer never
// leaves the stack pointer mid-update - the "transactional pop" spec
// 4.8 requires, grounded on the teacher's cpu_x86_ops.go RET/IRET
// handling generalized to cross-privilege returns.
//
// (c) 2024-2026 Zayn Otley - GPLv3 or later

package x386core

func (c *CPU) execJmpRel(insn *Instruction, relWidth Width) *CPUFault {
	rel, fault := c.fetchImmediate(insn, relWidth)
	if fault != nil {
		return fault
	}
	target := c.EIP + uint32(insn.Length) + uint32(signExtendTo32(rel, relWidth))
	c.EIP = target
	c.suppressAutoAdvance()
	return nil
}

// suppressAutoAdvance tells Step not to add insn.Length to EIP after
// dispatch returns, for instructions (jumps, calls) that set EIP
// themselves. Implemented as a one-shot flag rather than reusing the
// REP machinery, since a jump never wants to be resumed mid-instruction.
func (c *CPU) suppressAutoAdvance() { c.eipAlreadySet = true }

func (c *CPU) execJmpRM(insn *Instruction, far bool) *CPUFault {
	if !far {
		target, fault := c.readRM(insn.RM, insn.OperandSize)
		if fault != nil {
			return fault
		}
		c.EIP = target
		c.suppressAutoAdvance()
		return nil
	}
	return c.farTransfer(insn, false, false)
}

func (c *CPU) execJmpFarDirect(insn *Instruction) *CPUFault {
	offset, fault := c.fetchImmediate(insn, insn.OperandSize)
	if fault != nil {
		return fault
	}
	selImm, fault := c.fetchImmediate(insn, Width16)
	if fault != nil {
		return fault
	}
	return c.jumpToFarPointer(Selector(selImm), offset, false, c.EIP+uint32(insn.Length))
}

func (c *CPU) execCallNear(insn *Instruction) *CPUFault {
	rel, fault := c.fetchImmediate(insn, insn.OperandSize)
	if fault != nil {
		return fault
	}
	retAddr := c.EIP + uint32(insn.Length)
	target := retAddr + uint32(signExtendTo32(rel, insn.OperandSize))
	if fault := c.stackPush(retAddr, insn.OperandSize); fault != nil {
		return fault
	}
	c.EIP = target
	c.suppressAutoAdvance()
	return nil
}

func (c *CPU) execCallRM(insn *Instruction, far bool) *CPUFault {
	if !far {
		target, fault := c.readRM(insn.RM, insn.OperandSize)
		if fault != nil {
			return fault
		}
		retAddr := c.EIP + uint32(insn.Length)
		if fault := c.stackPush(retAddr, insn.OperandSize); fault != nil {
			return fault
		}
		c.EIP = target
		c.suppressAutoAdvance()
		return nil
	}
	return c.farTransfer(insn, true, false)
}

func (c *CPU) execCallFarDirect(insn *Instruction) *CPUFault {
	offset, fault := c.fetchImmediate(insn, insn.OperandSize)
	if fault != nil {
		return fault
	}
	selImm, fault := c.fetchImmediate(insn, Width16)
	if fault != nil {
		return fault
	}
	return c.callFarPointer(Selector(selImm), offset, c.EIP+uint32(insn.Length))
}

// jumpToFarPointer implements JMP ptr16:off, resolving through a gate
// or task gate if the target descriptor names one. retAddr only
// matters for the task-gate/TSS cases, where a JMP still triggers a
// task switch that needs an outgoing EIP to save - see
// switchTaskDirect.
func (c *CPU) jumpToFarPointer(sel Selector, offset uint32, viaGate bool, retAddr uint32) *CPUFault {
	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 {
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = offset
		c.suppressAutoAdvance()
		return nil
	}
	if sel.IsNull() {
		return gpSelector(sel)
	}
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	switch {
	case d.Kind == DescCode:
		cpl := c.CPL()
		if !d.conforming() && d.DPL != cpl {
			return gpSelector(sel)
		}
		if d.conforming() && d.DPL > cpl {
			return gpSelector(sel)
		}
		if !d.Present {
			return npSelector(sel)
		}
		if fault := c.loadSegment(SegCS, Selector(uint16(sel)&^0x3|uint16(cpl))); fault != nil {
			return fault
		}
		c.EIP = offset
		c.suppressAutoAdvance()
		return nil
	case d.Kind == DescCallGate16, d.Kind == DescCallGate32:
		return c.transferThroughGate(d, sel, false, 0)
	case d.Kind == DescTaskGate:
		return c.switchTaskViaGate(d, retAddr)
	case d.Kind == DescTSS16, d.Kind == DescTSS32:
		return c.switchTaskDirect(sel, d, retAddr)
	default:
		return gpSelector(sel)
	}
}

// callFarPointer implements CALL ptr16:off. retAddr is the address of
// the instruction following the CALL, computed by the caller: by the
// time this runs EIP still names the CALL itself, since dispatch runs
// before Step's EIP auto-advance.
func (c *CPU) callFarPointer(sel Selector, offset uint32, retAddr uint32) *CPUFault {
	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 {
		savedCS := uint32(c.Seg[SegCS])
		if fault := c.stackPush(savedCS, Width16); fault != nil {
			return fault
		}
		if fault := c.stackPush(retAddr, Width16); fault != nil {
			return fault
		}
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = offset
		c.suppressAutoAdvance()
		return nil
	}
	if sel.IsNull() {
		return gpSelector(sel)
	}
	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	switch d.Kind {
	case DescCode:
		cpl := c.CPL()
		if !d.conforming() && d.DPL != cpl {
			return gpSelector(sel)
		}
		if !d.Present {
			return npSelector(sel)
		}
		savedCS := uint32(c.Seg[SegCS])
		if fault := c.stackPush(savedCS, insn16or32(d.DB)); fault != nil {
			return fault
		}
		if fault := c.stackPush(retAddr, insn16or32(d.DB)); fault != nil {
			return fault
		}
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = offset
		c.suppressAutoAdvance()
		return nil
	case DescCallGate16, DescCallGate32:
		return c.transferThroughGate(d, sel, true, retAddr)
	case DescTaskGate:
		return c.switchTaskViaGate(d, retAddr)
	case DescTSS16, DescTSS32:
		return c.switchTaskDirect(sel, d, retAddr)
	default:
		return gpSelector(sel)
	}
}

func insn16or32(db bool) Width {
	if db {
		return Width32
	}
	return Width16
}

// transferThroughGate implements the call-gate path of spec 4.8: DPL
// checks against both the gate and its target code descriptor, an
// optional ring transition that switches SS:ESP from the current TSS
// and copies parameters, then a jump into the gate's target.
func (c *CPU) transferThroughGate(gate Descriptor, gateSel Selector, isCall bool, retAddr uint32) *CPUFault {
	cpl := c.CPL()
	if gate.DPL < cpl || gateSel.RPL() > gate.DPL {
		return gpSelector(gateSel)
	}
	if !gate.Present {
		return npSelector(gateSel)
	}

	targetSel := gate.GateSelector
	targetDesc, fault := c.fetchDescriptor(targetSel)
	if fault != nil {
		return fault
	}
	if targetDesc.Kind != DescCode {
		return gpSelector(targetSel)
	}
	if targetDesc.DPL > cpl {
		return gpSelector(targetSel)
	}
	if !targetDesc.Present {
		return npSelector(targetSel)
	}

	w := insn16or32(gate.Kind == DescCallGate32)

	if isCall && targetDesc.DPL < cpl {
		return c.callGateRingTransition(gate, targetSel, targetDesc, w, retAddr)
	}

	if isCall {
		savedCS := uint32(c.Seg[SegCS])
		if fault := c.stackPush(savedCS, w); fault != nil {
			return fault
		}
		if fault := c.stackPush(retAddr, w); fault != nil {
			return fault
		}
	}
	if fault := c.loadSegment(SegCS, Selector(uint16(targetSel)&^0x3|uint16(cpl))); fault != nil {
		return fault
	}
	c.EIP = gate.GateOffset
	c.suppressAutoAdvance()
	return nil
}

// callGateRingTransition handles the more privileged call-gate target:
// load the new SS:ESP from the current TSS, push the caller's
// SS:ESP then CS:EIP onto the new stack, and copy ParamCount
// parameter words across.
func (c *CPU) callGateRingTransition(gate Descriptor, targetSel Selector, targetDesc Descriptor, w Width, retAddr uint32) *CPUFault {
	newCPL := targetDesc.DPL
	newSS, newESP, fault := c.tssStackFor(newCPL)
	if fault != nil {
		return fault
	}

	oldSS, oldESP := uint32(c.Seg[SegSS]), c.Reg32(RegESP)
	oldCS, oldEIP := uint32(c.Seg[SegCS]), retAddr

	ssDesc, fault := c.fetchDescriptor(newSS)
	if fault != nil {
		return fault
	}
	if ssDesc.DPL != newCPL || !ssDesc.isData() {
		return tsSelector(newSS)
	}

	// CPL() reads the CS selector's RPL; the SS load here and the CS
	// load below are checked at the target's privilege level.
	c.Seg[SegCS] = uint16(oldCS)&^0x3 | uint16(newCPL)
	if fault := c.loadSegment(SegSS, newSS); fault != nil {
		c.Seg[SegCS] = uint16(oldCS)
		return fault
	}
	c.SetReg32(RegESP, newESP)

	if fault := c.stackPush(oldSS, w); fault != nil {
		return fault
	}
	if fault := c.stackPush(oldESP, w); fault != nil {
		return fault
	}

	// The parameter words are on the caller's now-abandoned stack; per
	// spec 4.8 they are copied after the new stack is live.
	for i := int(gate.ParamCount) - 1; i >= 0; i-- {
		v, fault := c.readFromStack(Selector(oldSS), oldESP, uint32(i), w)
		if fault != nil {
			return fault
		}
		if fault := c.stackPush(v, w); fault != nil {
			return fault
		}
	}

	if fault := c.stackPush(oldCS, w); fault != nil {
		return fault
	}
	if fault := c.stackPush(oldEIP, w); fault != nil {
		return fault
	}

	if fault := c.loadSegment(SegCS, Selector(uint16(targetSel)&^0x3|uint16(newCPL))); fault != nil {
		return fault
	}
	c.EIP = gate.GateOffset
	c.suppressAutoAdvance()
	return nil
}

func (c *CPU) readFromStack(seg Selector, base uint32, wordIndex uint32, w Width) (uint32, *CPUFault) {
	saved := c.SegCache[SegSS]
	d, fault := c.fetchDescriptor(seg)
	if fault != nil {
		return 0, fault
	}
	c.SegCache[SegSS] = SegmentCache{Selector: seg, Base: LinearAddress(d.Base), Limit: d.Limit, Usable: true, Rights: DescriptorRights{DB: d.DB}}
	v, fault := c.ReadMem(SegSS, base+wordIndex*uint32(w)/8, w)
	c.SegCache[SegSS] = saved
	return v, fault
}

// tssStackFor reads the SSn/ESPn fields for privilege level n out of
// the current TSS, per spec 4.10.
func (c *CPU) tssStackFor(level uint8) (Selector, uint32, *CPUFault) {
	if !c.trCache.Usable {
		return 0, 0, newFault(FaultGeneralProtect)
	}
	is32 := c.trCache.Rights.Type == sysTypeTSS32Avail || c.trCache.Rights.Type == sysTypeTSS32Busy
	base := c.trCache.Base
	if is32 {
		espOff := LinearAddress(4 + 8*uint32(level))
		ssOff := espOff + 4
		esp, fault := c.ReadMetalDword(base + espOff)
		if fault != nil {
			return 0, 0, fault
		}
		ss, fault := c.ReadMetalDword(base + ssOff)
		if fault != nil {
			return 0, 0, fault
		}
		return Selector(ss), esp, nil
	}
	spOff := LinearAddress(2 + 4*uint32(level))
	ssOff := spOff + 2
	sp, fault := c.ReadMetalDword(base + spOff)
	if fault != nil {
		return 0, 0, fault
	}
	ss, fault := c.ReadMetalDword(base + ssOff)
	if fault != nil {
		return 0, 0, fault
	}
	return Selector(uint16(ss)), sp & 0xFFFF, nil
}

// farTransfer resolves the RM-addressed far pointer (used by JMP/CALL
// far [mem]): reads offset then selector from memory, then defers to
// jumpToFarPointer/callFarPointer.
func (c *CPU) farTransfer(insn *Instruction, isCall bool, _ bool) *CPUFault {
	if !insn.RM.IsMemory {
		return newFault(FaultInvalidOpcode)
	}
	offset, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset, insn.OperandSize)
	if fault != nil {
		return fault
	}
	sel, fault := c.ReadMem(insn.RM.Seg, insn.RM.Offset+uint32(insn.OperandSize)/8, Width16)
	if fault != nil {
		return fault
	}
	if isCall {
		return c.callFarPointer(Selector(sel), offset, c.EIP+uint32(insn.Length))
	}
	return c.jumpToFarPointer(Selector(sel), offset, false, c.EIP+uint32(insn.Length))
}

func (c *CPU) execRetNear(insn *Instruction) *CPUFault {
	var extraPop uint32
	if insn.Opcode == 0xC2 {
		imm, fault := c.fetchImmediate(insn, Width16)
		if fault != nil {
			return fault
		}
		extraPop = imm
	}
	target, fault := c.stackPop(insn.OperandSize)
	if fault != nil {
		return fault
	}
	if extraPop > 0 {
		c.stackCommitPop(extraPop)
	}
	c.EIP = target
	c.suppressAutoAdvance()
	return nil
}

// execRetFar implements RETF/RETF imm16, including the privilege-level
// change back to an outer ring: peek every value before committing any
// ESP update, per the transactional-pop requirement.
func (c *CPU) execRetFar(insn *Instruction) *CPUFault {
	var extraPop uint32
	if insn.Opcode == 0xCA {
		imm, fault := c.fetchImmediate(insn, Width16)
		if fault != nil {
			return fault
		}
		extraPop = imm
	}
	w := insn.OperandSize
	size := uint32(w) / 8

	newEIP, fault := c.stackPeek(0, w)
	if fault != nil {
		return fault
	}
	newCS, fault := c.stackPeek(size, w)
	if fault != nil {
		return fault
	}
	sel := Selector(newCS)

	if c.CR0&CR0PE == 0 || c.EFLAGS&FlagVM != 0 {
		c.stackCommitPop(2 * size)
		if extraPop > 0 {
			c.stackCommitPop(extraPop)
		}
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = newEIP
		c.suppressAutoAdvance()
		return nil
	}

	d, fault := c.fetchDescriptor(sel)
	if fault != nil {
		return fault
	}
	if d.Kind != DescCode {
		return gpSelector(sel)
	}
	cpl := c.CPL()
	if sel.RPL() < cpl {
		return gpSelector(sel)
	}

	if sel.RPL() > cpl {
		newESP, fault := c.stackPeek(2*size+extraPop, w)
		if fault != nil {
			return fault
		}
		newSS, fault := c.stackPeek(3*size+extraPop, w)
		if fault != nil {
			return fault
		}
		if fault := c.loadSegment(SegCS, sel); fault != nil {
			return fault
		}
		c.EIP = newEIP
		if fault := c.loadSegment(SegSS, Selector(newSS)); fault != nil {
			return fault
		}
		c.SetReg32(RegESP, newESP)
		c.suppressAutoAdvance()
		return nil
	}

	if fault := c.loadSegment(SegCS, sel); fault != nil {
		return fault
	}
	c.stackCommitPop(2 * size)
	if extraPop > 0 {
		c.stackCommitPop(extraPop)
	}
	c.EIP = newEIP
	c.suppressAutoAdvance()
	return nil
}

// execJcc handles the 0x70-0x7F short and 0F 80-0F 8F near conditional
// jumps, sharing one condition table.
func (c *CPU) execJcc(insn *Instruction, cond int) *CPUFault {
	relWidth := Width8
	if insn.Opcode0F {
		relWidth = insn.OperandSize
	}
	rel, fault := c.fetchImmediate(insn, relWidth)
	if fault != nil {
		return fault
	}
	if c.evalCondition(cond) {
		c.EIP = c.EIP + uint32(insn.Length) + uint32(signExtendTo32(rel, relWidth))
		c.suppressAutoAdvance()
	}
	return nil
}

func (c *CPU) evalCondition(cond int) bool {
	switch cond & 0xF {
	case 0x0:
		return c.flagSet(FlagOF)
	case 0x1:
		return !c.flagSet(FlagOF)
	case 0x2:
		return c.flagSet(FlagCF)
	case 0x3:
		return !c.flagSet(FlagCF)
	case 0x4:
		return c.flagSet(FlagZF)
	case 0x5:
		return !c.flagSet(FlagZF)
	case 0x6:
		return c.flagSet(FlagCF) || c.flagSet(FlagZF)
	case 0x7:
		return !c.flagSet(FlagCF) && !c.flagSet(FlagZF)
	case 0x8:
		return c.flagSet(FlagSF)
	case 0x9:
		return !c.flagSet(FlagSF)
	case 0xA:
		return c.flagSet(FlagPF)
	case 0xB:
		return !c.flagSet(FlagPF)
	case 0xC:
		return c.flagSet(FlagSF) != c.flagSet(FlagOF)
	case 0xD:
		return c.flagSet(FlagSF) == c.flagSet(FlagOF)
	case 0xE:
		return (c.flagSet(FlagSF) != c.flagSet(FlagOF)) || c.flagSet(FlagZF)
	default:
		return (c.flagSet(FlagSF) == c.flagSet(FlagOF)) && !c.flagSet(FlagZF)
	}
}

// execLoop handles 0xE0 (LOOPNE), 0xE1 (LOOPE), 0xE2 (LOOP), 0xE3 (JCXZ).
func (c *CPU) execLoop(insn *Instruction) *CPUFault {
	rel, fault := c.fetchImmediate(insn, Width8)
	if fault != nil {
		return fault
	}
	target := c.EIP + uint32(insn.Length) + uint32(signExtendTo32(rel, Width8))

	if insn.Opcode == 0xE3 {
		cx := c.addrReg(insn, RegECX)
		if cx == 0 {
			c.EIP = target
			c.suppressAutoAdvance()
		}
		return nil
	}

	cx := c.decStringCount(insn)
	take := cx != 0
	switch insn.Opcode {
	case 0xE0:
		take = take && !c.flagSet(FlagZF)
	case 0xE1:
		take = take && c.flagSet(FlagZF)
	}
	if take {
		c.EIP = target
		c.suppressAutoAdvance()
	}
	return nil
}

func (c *CPU) execINT3(*Instruction) *CPUFault {
	return newFault(FaultBreakpoint)
}

func (c *CPU) execINTO(*Instruction) *CPUFault {
	if c.flagSet(FlagOF) {
		return newFault(FaultOverflow)
	}
	return nil
}

func (c *CPU) execINTImm(insn *Instruction) *CPUFault {
	vec, fault := c.fetchImmediate(insn, Width8)
	if fault != nil {
		return fault
	}
	// interrupt() pushes the current EIP as the return address, but
	// dispatch runs before Step's auto-advance, so EIP still names this
	// INT instruction itself; advance it first so the handler resumes
	// after INT rather than re-executing it.
	c.EIP += uint32(insn.Length)
	c.interrupt(uint8(vec), false, 0)
	c.suppressAutoAdvance()
	return nil
}

func (c *CPU) execIRET(insn *Instruction) *CPUFault {
	c.iret(insn.OperandSize)
	c.suppressAutoAdvance()
	return nil
}
