// logstate.go - Per-CPU log state and the process-wide CPU registry
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// Models spec.md §3's "Per-CPU Log State" plus the "one-shot configured
// singleton" design note (§9): the backend selector and startup-filter
// list are frozen at first CPU init.

package qtrace

import "sync"

// StateFlag is a bitset of per-CPU log state flags (currently just
// BUFFERED, spec.md §3).
type StateFlag uint32

const (
	// FlagBuffered enables ring-retention ("buffered") mode: commits
	// advance the ring cursor instead of emitting immediately.
	FlagBuffered StateFlag = 1 << iota
)

// Level is the per-CPU/global enable level (spec.md §3, §4.E).
type Level int

const (
	LevelNone Level = iota
	LevelUser
	LevelAll
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelUser:
		return "USER"
	case LevelAll:
		return "ALL"
	default:
		return "?"
	}
}

// Stats mirrors spec.md §3's per-CPU stats block.
type Stats struct {
	EntriesEmitted uint64
	TraceStart     uint64
	TraceStop      uint64
}

// GuestCPU is the interface the simulator (out of scope per spec.md §1)
// implements so the core can query guest state without owning it — the
// §6 "Simulator-supplied callbacks" surface.
type GuestCPU interface {
	// InUserMode reports whether the guest is currently executing at
	// user privilege (cpu_in_user_mode).
	InUserMode() bool
	// RecentPC returns the most recently retired guest PC
	// (cpu_get_recent_pc), used when a level switch is not itself
	// riding a staged mode-switch entry.
	RecentPC() uint64
	// TranslatePage resolves a guest virtual page to its physical page,
	// returning ok=false (core substitutes NoPaddr) if untranslated
	// (cpu_get_phys_page_attrs_debug).
	TranslatePage(vaddrPage uint64) (paddrPage uint64, ok bool)
	// DumpRegisters populates a REGDUMP event
	// (log_instr_event_regdump); returning nil is treated as "nothing to
	// dump", not an error.
	DumpRegisters() []RegInfo
}

// Logger is one CPU's exclusively-owned log state: the ring, the printf
// scratch area, the filter chain, and the level state machine. No field
// is ever touched from a thread other than the owning CPU's — safe-point
// callbacks queued via ScheduleExclusive are the only cross-thread path
// (spec.md §5).
type Logger struct {
	id  int
	cpu GuestCPU

	loglevel       Level
	loglevelActive bool
	starting       bool
	forceDrop      bool
	flags          StateFlag

	filters []Filter

	ring *Ring

	stats Stats

	printfBuf printfBuf

	backend *backendDescriptor

	// safePoints is the exclusive-execution barrier's per-CPU inbox.
	// Pushes are cross-thread and therefore mutex-protected; draining
	// (PumpSafePoints) happens only on the owning thread.
	safePointsMu sync.Mutex
	safePoints   []safePointOp

	config Config
}

type safePointOp struct {
	fn   func(*Logger)
	done chan struct{} // non-nil for RunOnCPU (blocking variant)
}

// registry is the process-wide set of live Loggers, modeling CPU_FOREACH
// (spec.md §6) and the ref-count used to resolve the "clear the global
// bit when the last CPU stops" open question (spec.md §9, SPEC_FULL.md).
type registry struct {
	mu        sync.Mutex
	loggers   map[int]*Logger
	nextID    int
	activeN   int32 // CPUs currently loglevelActive; ref-counts the global bit
	frozen    bool  // true once the first Logger has been created
	selected  BackendKind
	startup   []Filter
	selConfig Config
}

var globalRegistry = &registry{loggers: make(map[int]*Logger)}

// NewLogger creates a CPU's log state with its ring preallocated to
// cfg.BufferSize (clamped to MinRingCapacity). The backend and
// startup-filter list are frozen process-wide at the first call
// (spec.md §4.F, §9).
func NewLogger(cpu GuestCPU, cfg Config) (*Logger, error) {
	cfgErr := cfg.Validate()

	globalRegistry.mu.Lock()
	if !globalRegistry.frozen {
		globalRegistry.frozen = true
		globalRegistry.selected = cfg.Backend
		globalRegistry.selConfig = cfg
	}
	id := globalRegistry.nextID
	globalRegistry.nextID++
	backendKind := globalRegistry.selected
	startup := append([]Filter(nil), globalRegistry.startup...)
	globalRegistry.mu.Unlock()

	desc, err := lookupBackend(backendKind)
	if err != nil {
		return nil, err
	}

	filters := append(startup, FiltersFromSpec(cfg.FilterSpec)...)

	l := &Logger{
		id:      id,
		cpu:     cpu,
		ring:    NewRing(cfg.BufferSize),
		backend: desc,
		filters: filters,
		config:  cfg,
	}
	if desc.init != nil {
		desc.init(l)
	}

	globalRegistry.mu.Lock()
	globalRegistry.loggers[id] = l
	globalRegistry.mu.Unlock()

	return l, cfgErr
}

// Close removes a Logger from the process-wide registry. Does not flush
// or sync — callers should call Flush/Sync explicitly first.
func (l *Logger) Close() {
	globalRegistry.mu.Lock()
	delete(globalRegistry.loggers, l.id)
	globalRegistry.mu.Unlock()
}

// ID returns the stable per-CPU identifier assigned at NewLogger.
func (l *Logger) ID() int { return l.id }

// Level returns the current (loglevel, loglevel_active) pair.
func (l *Logger) Level() (Level, bool) { return l.loglevel, l.loglevelActive }

// Stats returns a copy of the CPU's emission counters.
func (l *Logger) Stats() Stats { return l.stats }

// SetBuffered toggles ring-retention mode (helper_qemu_log_instr_buffered_mode).
func (l *Logger) SetBuffered(enable bool) {
	if enable {
		l.flags |= FlagBuffered
	} else {
		l.flags &^= FlagBuffered
	}
}

// Buffered reports whether ring-retention mode is active.
func (l *Logger) Buffered() bool { return l.flags&FlagBuffered != 0 }

// allLoggers returns every live Logger, for CPU_FOREACH-shaped fan-out.
func allLoggers() []*Logger {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	out := make([]*Logger, 0, len(globalRegistry.loggers))
	for _, l := range globalRegistry.loggers {
		out = append(out, l)
	}
	return out
}
