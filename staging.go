// staging.go - Staging API (spec.md §4.C)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// Every staging call tolerates "logging not active" as a silent no-op:
// translated guest code calls these unconditionally, so the fast path
// when a CPU isn't being traced must cost as little as a branch.

package qtrace

// RecordInstruction stages the instruction-boundary fields of the
// current entry: pc, paddr (resolved via the GuestCPU callback, or
// NoPaddr if untranslated) and the raw instruction bytes.
func (l *Logger) RecordInstruction(pc uint64, insn []byte) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.PC = pc
	if n := copy(e.InsnBytes[:], insn); n < len(insn) {
		invariantViolation("instruction length %d exceeds MaxInsnSize", len(insn))
	} else {
		e.InsnSize = uint8(n)
	}
	if paddr, ok := l.cpu.TranslatePage(pc &^ 0xfff); ok {
		e.Paddr = paddr | (pc & 0xfff)
	} else {
		e.Paddr = NoPaddr
	}
	e.Flags |= FlagHasInstrData

	if l.starting {
		l.starting = false
	}
}

// RecordRegInteger stages a plain-integer register write.
func (l *Logger) RecordRegInteger(name string, value uint64) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.Regs = append(e.Regs, RegInfo{Flags: RegFlagInteger, Name: name, Value: value})
}

// RecordRegExtended stages a wide "extended register" write with an
// explicit validity tag.
func (l *Logger) RecordRegExtended(name string, ext ExtendedValue, tagValid bool) {
	if !l.loglevelActive {
		return
	}
	flags := RegFlagExtended
	if tagValid {
		flags |= RegFlagExtendedTagSet
	}
	e := l.ring.Current()
	e.Regs = append(e.Regs, RegInfo{Flags: flags, Name: name, Extended: ext})
}

// RecordRegExtendedInteger stages an extended-register write that also
// carries a plain integer projection (e.g. an extension register's
// scalar component), mirroring qemu_log_instr_reg_extended_integer.
func (l *Logger) RecordRegExtendedInteger(name string, value uint64, ext ExtendedValue, tagValid bool) {
	if !l.loglevelActive {
		return
	}
	flags := RegFlagExtended
	if tagValid {
		flags |= RegFlagExtendedTagSet
	}
	e := l.ring.Current()
	e.Regs = append(e.Regs, RegInfo{Flags: flags, Name: name, Value: value, Extended: ext})
}

// RecordMemLoadInteger stages a plain-integer memory load.
func (l *Logger) RecordMemLoadInteger(op MemOp, addr, paddr, value uint64) {
	l.recordMem(op, addr, paddr, value, ExtendedValue{}, 0)
}

// RecordMemStoreInteger stages a plain-integer memory store.
func (l *Logger) RecordMemStoreInteger(op MemOp, addr, paddr, value uint64) {
	l.recordMem(op, addr, paddr, value, ExtendedValue{}, MemFlagStore)
}

// RecordMemLoadExtended stages a wide extended-value memory load.
func (l *Logger) RecordMemLoadExtended(op MemOp, addr, paddr uint64, ext ExtendedValue) {
	l.recordMem(op, addr, paddr, 0, ext, MemFlagExtended)
}

// RecordMemStoreExtended stages a wide extended-value memory store.
func (l *Logger) RecordMemStoreExtended(op MemOp, addr, paddr uint64, ext ExtendedValue) {
	l.recordMem(op, addr, paddr, 0, ext, MemFlagExtended|MemFlagStore)
}

func (l *Logger) recordMem(op MemOp, addr, paddr, value uint64, ext ExtendedValue, flags MemFlag) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.Mem = append(e.Mem, MemInfo{Flags: flags, MemOp: op, Addr: addr, Paddr: paddr, Value: value, Extended: ext})
}

// RecordASID stages the current entry's address-space identifier.
func (l *Logger) RecordASID(asid uint16) {
	if !l.loglevelActive {
		return
	}
	l.ring.Current().ASID = asid
}

// RecordException stages a synchronous trap (fault/exception) against
// the current entry: the trap code, the vector it dispatches through,
// and the faulting address (meaningful for a page fault; zero otherwise).
func (l *Logger) RecordException(code, vector uint32, faultAddr uint64) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.Flags |= FlagIntrTrap
	e.IntrCode = code
	e.IntrVector = vector
	e.IntrFaultAddr = faultAddr
}

// RecordInterrupt stages an asynchronous interrupt against the current
// entry: the interrupt code and the vector it dispatches through.
// Interrupts don't carry a faulting address.
func (l *Logger) RecordInterrupt(code, vector uint32) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.Flags |= FlagIntrAsync
	e.IntrCode = code
	e.IntrVector = vector
}

// RecordEvent appends an arbitrary Event (state marker or register
// dump) to the current entry.
func (l *Logger) RecordEvent(ev Event) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.Events = append(e.Events, ev)
}

// RecordExtraText appends free-form diagnostic text to the current
// entry's text buffer, independent of the deferred printf pipeline.
func (l *Logger) RecordExtraText(text string) {
	if !l.loglevelActive {
		return
	}
	e := l.ring.Current()
	e.TextBuffer = append(e.TextBuffer, text...)
}

// MarkDrop marks the current entry to be discarded unconditionally at
// the next commit, regardless of the filter chain's verdict (spec.md
// §4.C/§4.D: force_drop). Used when the guest itself determines, after
// staging has already begun, that the instruction should never have
// been logged (e.g. a speculative decode that turned out invalid).
func (l *Logger) MarkDrop() {
	if !l.loglevelActive {
		return
	}
	l.forceDrop = true
}

// Commit finalizes the current entry through the Commit Engine. Exposed
// on Logger so the guest execution loop can drive the staging/commit
// cycle one instruction at a time.
func (l *Logger) Commit() {
	if !l.loglevelActive {
		return
	}
	l.commit()
}
