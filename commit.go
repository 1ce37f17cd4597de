// commit.go - Commit Engine (spec.md §4.D)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// commit() is the sole path by which a staged Entry either becomes
// visible (emitted now, or retained in the ring for later draining) or
// is discarded. It runs the four-step algorithm from spec.md §4.D:
// force-drop check, filter-chain AND evaluation, then buffered-mode
// ring advance vs. unbuffered immediate emit.

package qtrace

// commit finalizes the current entry. Safe to call only from the
// owning CPU's thread (spec.md §5).
func (l *Logger) commit() {
	e := l.ring.Current()

	if l.forceDrop {
		l.forceDrop = false
		e.Reset()
		return
	}

	if !l.passesFilters(e) {
		e.Reset()
		return
	}

	if e.InsnSize > 0 {
		l.printfBuf.flushInto(e)
	}

	if l.Buffered() {
		l.ring.Advance()
		l.stats.EntriesEmitted++
		return
	}

	l.emit(e)
	l.stats.EntriesEmitted++
	e.Reset()
}

// emit hands a passed entry to the selected backend, tolerating a
// backend that implements no EmitInstr hook (spec.md §4.F: only
// EmitInstr is mandatory in spirit, but a descriptor may still omit it
// for a pure side-effect-free nop backend).
func (l *Logger) emit(e *Entry) {
	if l.backend == nil || l.backend.emitInstr == nil {
		return
	}
	_ = l.backend.emitInstr(l, e)
}

// EmitDebugCounter routes a diagnostic counter to the backend's side
// channel, if it implements one (SUPPLEMENTED FEATURES: emit_debug/
// counter side channel). A guest-side instrumentation point — e.g. a
// WAIT opcode reporting how many cycles it idled — calls this directly
// rather than staging it through an Entry, since it isn't part of any
// one instruction's trace record.
func (l *Logger) EmitDebugCounter(tag string, n uint64) {
	if l.backend == nil || l.backend.emitDebug == nil {
		return
	}
	_ = l.backend.emitDebug(l, tag, n)
}
