// entry.go - Entry & Event Model for the per-CPU instruction trace engine
//
// (c) 2024 - 2026 Zayn Otley
// https://github.com/IntuitionAmiga/IntuitionEngine
// License: GPLv3 or later
//
// Adapted from the IntuitionEngine debug/monitor value types into the
// standalone instruction-log entry shape described by the CHERI-QEMU
// log_instr.c lineage (see original_source/accel/tcg/log_instr.c).

package qtrace

// MaxInsnSize bounds the raw instruction byte capture, mirroring
// TARGET_MAX_INSN_SIZE in the original C implementation. 16 bytes covers
// every ISA in the retrieval pack (x86 included).
const MaxInsnSize = 16

// NoPaddr is the sentinel paddr value for an address that could not be
// translated (e.g. during a debug walk of an unmapped page).
const NoPaddr = ^uint64(0)

// EntryFlag is a bitset describing which optional fields of an Entry are
// populated.
type EntryFlag uint32

const (
	// FlagHasInstrData is set once record_instruction has populated pc,
	// paddr, insn_bytes and insn_size.
	FlagHasInstrData EntryFlag = 1 << iota
	// FlagModeSwitch is set when the entry carries a guest privilege-mode
	// transition (NextCPUMode is meaningful).
	FlagModeSwitch
	// FlagIntrTrap is set by record_exception.
	FlagIntrTrap
	// FlagIntrAsync is set by record_interrupt.
	FlagIntrAsync
)

// CPUMode enumerates the guest privilege level an entry's mode switch is
// transitioning into.
type CPUMode uint8

const (
	CPUModeKernel CPUMode = iota
	CPUModeUser
)

// RegFlag describes the value shape stored in a RegInfo or MemInfo.
type RegFlag uint8

const (
	// RegFlagInteger marks a plain integer register/memory value.
	RegFlagInteger RegFlag = 0
	// RegFlagExtended marks a wide "extended register" value (e.g. a
	// capability), optionally carrying a validity tag.
	RegFlagExtended RegFlag = 1 << 0
	// RegFlagExtendedTagSet, when RegFlagExtended is also set, marks the
	// extended value's tag bit as valid.
	RegFlagExtendedTagSet RegFlag = 1 << 1
)

// ExtendedValue is the wide, ISA-extension value shape referenced by
// spec.md's "extended register". The core never interprets Bytes; it is
// opaque payload owned by the guest-ISA-specific caller.
type ExtendedValue struct {
	Bytes  [32]byte // wide value payload, zero-padded
	Length uint8    // bytes of Bytes actually significant
	Tag    bool     // validity/provenance tag bit, meaningful iff RegFlagExtendedTagSet
}

// RegInfo records one register write staged against the current entry.
type RegInfo struct {
	Flags    RegFlag
	Name     string // stable for the process lifetime; never copied per-write
	Value    uint64
	Extended ExtendedValue
}

// MemOp is the opaque ISA memory-access descriptor (size, signedness,
// endianness) the staging caller passes through unexamined.
type MemOp uint32

// MemFlag distinguishes load vs. store and extended vs. integer MemInfo
// entries.
type MemFlag uint8

const (
	MemFlagStore    MemFlag = 1 << 0
	MemFlagExtended MemFlag = 1 << 1
)

// MemInfo records one memory access staged against the current entry.
type MemInfo struct {
	Flags    MemFlag
	MemOp    MemOp
	Addr     uint64 // guest virtual address
	Paddr    uint64 // guest physical address, or NoPaddr
	Value    uint64
	Extended ExtendedValue
}

// EventKind tags the variant held by an Event.
type EventKind uint8

const (
	EventKindState EventKind = iota
	EventKindRegDump
)

// StateTransition enumerates the STATE event's next_state field.
type StateTransition uint8

const (
	StateStart StateTransition = iota
	StateStop
	StateFlush
)

// StateEvent is the EventKindState payload: a start/stop/flush marker at
// a given guest PC.
type StateEvent struct {
	NextState StateTransition
	PC        uint64
}

// RegDumpEvent is the EventKindRegDump payload. It owns GPR and must be
// released on entry reset — Go's GC makes explicit destruction
// unnecessary, but the slice is still truncated to len 0 (not discarded).
// A later event appended into the same Events slot replaces the whole
// Event, GPR included, so that backing array is not reused by the next
// RegDump event.
type RegDumpEvent struct {
	GPR []RegInfo
}

// Event is a tagged union over a STATE marker and a REGDUMP snapshot,
// extensible to further kinds per spec.md §3.
type Event struct {
	Kind  EventKind
	State StateEvent
	Dump  RegDumpEvent
}

// Entry is one staged guest instruction: the unit exchanged between the
// Staging API, the Commit Engine, the Ring Buffer and a Backend's
// EmitInstr.
//
// Reset must zero everything up to (but not including) Regs/Mem/Events/
// TextBuffer, which are cleared in place to retain their backing
// capacity — see Reset.
type Entry struct {
	PC    uint64
	Paddr uint64 // NoPaddr when untranslated

	InsnBytes [MaxInsnSize]byte
	InsnSize  uint8

	Flags EntryFlag

	NextCPUMode CPUMode // meaningful iff FlagModeSwitch set

	IntrCode      uint32
	IntrVector    uint32
	IntrFaultAddr uint64

	ASID uint16

	Regs       []RegInfo
	Mem        []MemInfo
	Events     []Event
	TextBuffer []byte
}

// Reset restores an Entry to its post-commit empty state without
// reallocating regs/mem/events/txt_buffer's backing storage. Any
// RegDumpEvent's GPR slice is truncated to len 0 (not discarded) before
// Events itself is truncated.
func (e *Entry) Reset() {
	e.PC = 0
	e.Paddr = 0
	e.InsnBytes = [MaxInsnSize]byte{}
	e.InsnSize = 0
	e.Flags = 0
	e.NextCPUMode = 0
	e.IntrCode = 0
	e.IntrVector = 0
	e.IntrFaultAddr = 0
	e.ASID = 0

	for i := range e.Events {
		if e.Events[i].Kind == EventKindRegDump {
			e.Events[i].Dump.GPR = e.Events[i].Dump.GPR[:0]
		}
	}

	e.Regs = e.Regs[:0]
	e.Mem = e.Mem[:0]
	e.Events = e.Events[:0]
	e.TextBuffer = e.TextBuffer[:0]
}

// Empty reports whether the entry is in the steady-state "writable and
// empty" shape the ring invariant (spec.md §8 property 4) requires:
// zero-length containers, zero flags, zero PC.
func (e *Entry) Empty() bool {
	return e.PC == 0 && e.Flags == 0 &&
		len(e.Regs) == 0 && len(e.Mem) == 0 &&
		len(e.Events) == 0 && len(e.TextBuffer) == 0
}
