// filter.go - Filter chain (spec.md §4.G)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// A Filter is a predicate over a fully-staged Entry, evaluated with
// AND-semantics across the chain: the entry commits only if every
// registered filter passes it. Built-ins cover address-range and
// event-presence gating; the scripted filter wraps gopher-lua so an
// embedder can express arbitrary ad hoc predicates without a rebuild,
// the same way the teacher lets its monitor evaluate user-supplied
// breakpoint conditions.

package qtrace

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Filter decides whether a staged Entry should be committed
// (qemu_log_instr_filter_t). Pass must be side-effect free and safe to
// call from the owning CPU's thread only.
type Filter interface {
	Name() string
	Pass(e *Entry) bool
}

// RangeFilter passes entries whose PC, or any staged memory access
// address, falls within [Low, High).
type RangeFilter struct {
	FilterName string
	Low, High  uint64
}

func (f *RangeFilter) Name() string { return f.FilterName }

func (f *RangeFilter) Pass(e *Entry) bool {
	if e.PC >= f.Low && e.PC < f.High {
		return true
	}
	for _, m := range e.Mem {
		if m.Addr >= f.Low && m.Addr < f.High {
			return true
		}
	}
	return false
}

// NewRangeFilter builds a named address-range filter.
func NewRangeFilter(name string, low, high uint64) *RangeFilter {
	return &RangeFilter{FilterName: name, Low: low, High: high}
}

// EventFilter passes entries that carry at least one Event - useful to
// trace only start/stop/flush markers and register dumps while dropping
// ordinary instruction noise. Mode switches and interrupts are recorded
// as entry flags, not Events, so they do not pass on their own.
type EventFilter struct {
	FilterName string
}

func (f *EventFilter) Name() string { return f.FilterName }

func (f *EventFilter) Pass(e *Entry) bool { return len(e.Events) > 0 }

// NewEventFilter builds a named event-presence filter.
func NewEventFilter(name string) *EventFilter {
	return &EventFilter{FilterName: name}
}

// ScriptFilter evaluates a Lua predicate function against the staged
// entry's PC and memory addresses. The script is expected to define a
// global function named "filter(pc, mem_addrs)" returning a boolean;
// any Lua-side error or non-boolean return is treated as a fail-closed
// "drop" so a broken script cannot silently over-trace.
type ScriptFilter struct {
	FilterName string
	state      *lua.LState
}

// NewScriptFilter compiles src and binds its top-level "filter" function.
func NewScriptFilter(name, src string) (*ScriptFilter, error) {
	ls := lua.NewState()
	if err := ls.DoString(src); err != nil {
		ls.Close()
		return nil, fmt.Errorf("qtrace: compiling filter %q: %w", name, err)
	}
	if ls.GetGlobal("filter").Type() != lua.LTFunction {
		ls.Close()
		return nil, fmt.Errorf("qtrace: filter %q does not define filter(pc, mem_addrs)", name)
	}
	return &ScriptFilter{FilterName: name, state: ls}, nil
}

func (f *ScriptFilter) Name() string { return f.FilterName }

func (f *ScriptFilter) Pass(e *Entry) bool {
	addrs := f.state.NewTable()
	for i, m := range e.Mem {
		f.state.RawSetInt(addrs, i+1, lua.LNumber(m.Addr))
	}
	err := f.state.CallByParam(lua.P{
		Fn:      f.state.GetGlobal("filter"),
		NRet:    1,
		Protect: true,
	}, lua.LNumber(e.PC), addrs)
	if err != nil {
		return false
	}
	ret := f.state.Get(-1)
	f.state.Pop(1)
	return ret == lua.LTrue
}

// Close releases the Lua interpreter backing a ScriptFilter.
func (f *ScriptFilter) Close() { f.state.Close() }

// AddFilter appends a filter to this CPU's chain. Must be called from
// the owning thread, or scheduled via ScheduleExclusive from elsewhere.
func (l *Logger) AddFilter(f Filter) {
	l.filters = append(l.filters, f)
}

// RemoveFilter drops the first filter with the given name, if any.
func (l *Logger) RemoveFilter(name string) {
	for i, f := range l.filters {
		if f.Name() == name {
			l.filters = append(l.filters[:i], l.filters[i+1:]...)
			return
		}
	}
}

// passesFilters implements the chain's AND-semantics (spec.md §4.D step
// 2, §8 property 3): an empty chain always passes.
func (l *Logger) passesFilters(e *Entry) bool {
	for _, f := range l.filters {
		if !f.Pass(e) {
			return false
		}
	}
	return true
}

// builtinFilterNames lists the filter_spec names (§6) that resolve to a
// built-in filter with no further parameters. NewRangeFilter and
// NewScriptFilter take constructor arguments an embedder supplies in
// code, so they are wired up directly rather than through filter_spec.
var builtinFilterNames = map[string]func() Filter{
	"events": func() Filter { return NewEventFilter("events") },
}

// ValidateFilterSpec checks a comma-separated filter_spec knob (§6)
// against the set of names filter_spec can actually select, returning a
// ConfigError wrapping ErrUnknownFilter on the first unrecognized name
// (qemu_log_instr_set_cli_filters's error_setg on a bad filter name).
func ValidateFilterSpec(spec string) error {
	for _, name := range FilterNames(spec) {
		if _, ok := builtinFilterNames[name]; !ok {
			return &ConfigError{Knob: "filter_spec", Value: name, Reason: ErrUnknownFilter.Error()}
		}
	}
	return nil
}

// FiltersFromSpec resolves a filter_spec knob into the Filter instances
// it names, skipping (rather than erroring on) anything
// ValidateFilterSpec would already have rejected.
func FiltersFromSpec(spec string) []Filter {
	var out []Filter
	for _, name := range FilterNames(spec) {
		if ctor, ok := builtinFilterNames[name]; ok {
			out = append(out, ctor())
		}
	}
	return out
}

// AddStartupFilter registers a filter to be applied to every CPU
// initialized from now on, as part of the one-shot frozen startup list
// (spec.md §4.F, §9). Once any CPU has been created, the startup list is
// frozen and this returns ErrStartupFilterAfterInit.
func AddStartupFilter(f Filter) error {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if globalRegistry.frozen {
		return ErrStartupFilterAfterInit
	}
	globalRegistry.startup = append(globalRegistry.startup, f)
	return nil
}
