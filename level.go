// level.go - Level state machine and the exclusive-execution safe-point
// barrier it must run under (spec.md §4.E, §5, §9)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// The "schedule at safe point" primitive is the simulator's own
// mechanism, not a language feature (§9 design note): here it is modeled
// as a message posted to the owning CPU's work queue, drained only when
// that CPU's execution loop calls PumpSafePoints between translated
// instruction blocks. The core never assumes immediate execution.

package qtrace

import "golang.org/x/sync/errgroup"

// ScheduleExclusive posts fn to be run on this CPU's own thread at its
// next safe point (async_safe_run_on_cpu / schedule_on_cpu_exclusive).
// Safe to call from any goroutine; fn itself must only be invoked by
// PumpSafePoints on the owning thread.
func (l *Logger) ScheduleExclusive(fn func(*Logger)) {
	l.safePointsMu.Lock()
	l.safePoints = append(l.safePoints, safePointOp{fn: fn})
	l.safePointsMu.Unlock()
}

// RunOnCPU posts fn to run at the next safe point and blocks the caller
// until it has executed (run_on_cpu). Explicitly documented upstream as
// "blocking; may delay shutdown" (spec.md §5) — never call this from the
// owning CPU's own execution thread, or PumpSafePoints will never run to
// unblock it.
func (l *Logger) RunOnCPU(fn func(*Logger)) {
	done := make(chan struct{})
	l.safePointsMu.Lock()
	l.safePoints = append(l.safePoints, safePointOp{fn: fn, done: done})
	l.safePointsMu.Unlock()
	<-done
}

// PumpSafePoints drains and runs every pending safe-point callback on
// the calling (owning) thread. The guest execution loop must call this
// between translated blocks — the only point at which loglevel/
// loglevelActive and the filter chain may change (spec.md §5).
func (l *Logger) PumpSafePoints() {
	for {
		l.safePointsMu.Lock()
		if len(l.safePoints) == 0 {
			l.safePointsMu.Unlock()
			return
		}
		op := l.safePoints[0]
		l.safePoints = l.safePoints[1:]
		l.safePointsMu.Unlock()

		op.fn(l)
		if op.done != nil {
			close(op.done)
		}
	}
}

// levelSwitchArg mirrors qemu_log_next_level_arg_t: the payload carried
// into the exclusive safe-point callback.
type levelSwitchArg struct {
	nextLevel Level
	pc        uint64
	global    bool
}

// SetLevel requests a per-CPU level change at the given PC. The change
// is not applied synchronously — it is funneled through
// ScheduleExclusive so it only ever mutates loglevel/loglevelActive on
// the owning thread (spec.md §4.E, §5).
func (l *Logger) SetLevel(level Level, pc uint64) {
	arg := levelSwitchArg{nextLevel: level, pc: pc}
	l.ScheduleExclusive(func(lg *Logger) { doLevelSwitch(lg, arg) })
}

// ModeSwitch informs the core that the guest is about to change
// privilege mode. It stages MODE_SWITCH + NextCPUMode on the pending
// entry and, if the current loglevel is USER and the new active value
// differs from loglevelActive, schedules a per-CPU level switch at pc
// (spec.md §4.E trigger 1).
func (l *Logger) ModeSwitch(newMode CPUMode, pc uint64) {
	entry := l.ring.Current()
	entry.Flags |= FlagModeSwitch
	entry.NextCPUMode = newMode

	if l.loglevel != LevelUser {
		return
	}
	nextActive := newMode == CPUModeUser
	if nextActive == l.loglevelActive {
		return
	}
	l.SetLevel(LevelUser, pc)
}

// doLevelSwitch is do_cpu_loglevel_switch: it runs only via
// PumpSafePoints on the owning thread.
func doLevelSwitch(l *Logger, arg levelSwitchArg) {
	prevLevel := l.loglevel
	prevActive := l.loglevelActive

	pc := arg.pc
	if arg.global {
		pc = l.cpu.RecentPC()
	}

	entry := l.ring.Current()

	var nextActive bool
	switch arg.nextLevel {
	case LevelNone:
		nextActive = false
	case LevelAll:
		nextActive = true
	case LevelUser:
		if entry.Flags&FlagModeSwitch != 0 {
			nextActive = entry.NextCPUMode == CPUModeUser
		} else {
			nextActive = l.cpu.InUserMode()
		}
	default:
		invariantViolation("invalid loglevel %d", arg.nextLevel)
	}

	l.loglevel = arg.nextLevel
	l.loglevelActive = nextActive

	if arg.nextLevel == prevLevel && prevActive == nextActive {
		return // no-op: idempotent level switch (spec.md §8 property 6)
	}

	if prevActive {
		globalRegistry.noteInactive()
	}
	if nextActive {
		globalRegistry.noteActive()
	}

	if prevActive {
		if l.starting {
			// No real instruction was ever committed after the start:
			// elide the zero-length start/stop pair (spec.md §4.E,
			// §8 property 7).
			entry.Reset()
			l.forceDrop = false
			l.starting = false
			return
		}
		entry.Events = append(entry.Events, Event{Kind: EventKindState, State: StateEvent{NextState: StateStop, PC: pc}})
		l.stats.TraceStop++
		l.commit()
		entry = l.ring.Current() // commit may have advanced the ring slot
		entry.Reset()
	}

	if nextActive {
		l.starting = true
		// The start event is not committed here: the first real
		// instruction emits it, carrying the start marker (spec.md
		// §4.E rationale — the path back to the execution loop can
		// itself raise a trap, which would cause an immediate stop).
		entry.Events = append(entry.Events, Event{Kind: EventKindState, State: StateEvent{NextState: StateStart, PC: pc}})
		if regs := l.cpu.DumpRegisters(); len(regs) > 0 {
			entry.Events = append(entry.Events, Event{Kind: EventKindRegDump, Dump: RegDumpEvent{GPR: regs}})
		}
		l.stats.TraceStart++
	}
}

// noteActive/noteInactive ref-count CPUs currently tracing, resolving
// the "clear the global bit on last stop" open question per
// SPEC_FULL.md: option (a), ref-count and clear on zero.
func (r *registry) noteActive() {
	r.mu.Lock()
	r.activeN++
	r.mu.Unlock()
}

func (r *registry) noteInactive() {
	r.mu.Lock()
	if r.activeN > 0 {
		r.activeN--
	}
	r.mu.Unlock()
}

// GloballyActive reports whether any CPU in the process is currently
// tracing — the ref-counted global enable bit.
func GloballyActive() bool {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	return globalRegistry.activeN > 0
}

// SetGlobalLevel fans a level switch out to every live CPU
// (qemu_log_instr_global_switch), using errgroup to wait for every
// CPU's safe point to actually run the switch before returning — the
// monitor's "start/stop tracing on all CPUs" entry point (spec.md §4.E
// "Global switch").
func SetGlobalLevel(level Level, pc uint64) error {
	var g errgroup.Group
	for _, l := range allLoggers() {
		l := l
		g.Go(func() error {
			l.RunOnCPU(func(lg *Logger) {
				doLevelSwitch(lg, levelSwitchArg{nextLevel: level, pc: pc, global: true})
			})
			return nil
		})
	}
	return g.Wait()
}

// SetGlobalLevelFromFlags maps the (INSTR, INSTR_U) log-mask bits
// (spec.md §6) to a Level and applies it globally.
func SetGlobalLevelFromFlags(flags LogFlag) error {
	return SetGlobalLevel(LevelFromFlags(flags), 0)
}
