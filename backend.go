// backend.go - Backend registry (spec.md §4.F)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// A Backend is the sink a committed Entry is rendered to. Backends are
// registered in a fixed, indexed table and selected once, at first CPU
// init (spec.md §4.F, §9) - the same "pick a concrete implementation
// behind a small vtable of hooks" shape the teacher uses for its sound
// chip and video chip backends (see audio/video *_constants.go sibling
// files in the retrieval pack, before this module's domain trim).

package qtrace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// backendDescriptor is the registry's per-kind vtable entry: init, sync,
// emit_instr and emit_debug hooks (spec.md §4.F), where only EmitInstr
// carries real weight for most backends. Hooks are
// nil-checked individually so a backend can implement only the concerns
// it needs (spec.md §4.F: "init/sync/emit_instr/emit_debug hooks").
type backendDescriptor struct {
	kind       BackendKind
	init       func(l *Logger)
	sync       func(l *Logger) error
	emitInstr  func(l *Logger, e *Entry) error
	emitDebug  func(l *Logger, tag string, n uint64) error
}

var backendRegistry [backendKindCount]*backendDescriptor

func registerBackend(d *backendDescriptor) { backendRegistry[d.kind] = d }

// lookupBackend resolves a BackendKind to its frozen descriptor.
func lookupBackend(kind BackendKind) (*backendDescriptor, error) {
	if int(kind) < 0 || int(kind) >= len(backendRegistry) || backendRegistry[kind] == nil {
		return nil, &ConfigError{Knob: "backend", Value: kind.String(), Reason: ErrUnknownBackend.Error()}
	}
	return backendRegistry[kind], nil
}

func init() {
	registerBackend(&backendDescriptor{kind: BackendNop})
	registerBackend(&backendDescriptor{
		kind:      BackendText,
		init:      textInit,
		sync:      textSync,
		emitInstr: textEmitInstr,
		emitDebug: textEmitDebug,
	})
	registerBackend(&backendDescriptor{
		kind:      BackendBinaryFramed,
		init:      binaryInit,
		sync:      binarySync,
		emitInstr: binaryEmitInstr,
	})
	registerBackend(&backendDescriptor{
		kind:      BackendTracingSystem,
		init:      tsInit,
		sync:      tsSync,
		emitInstr: tsEmitInstr,
	})
	registerBackend(&backendDescriptor{
		kind:      BackendJSON,
		init:      jsonInit,
		sync:      jsonSync,
		emitInstr: jsonEmitInstr,
	})
}

// --- nop backend: no hooks; staging, filtering and commit still run and
// EntriesEmitted still counts, but every entry is discarded. Used for
// overhead-free fuzzing and for spec.md scenario S1. ---

// --- text backend: one human-readable line per committed entry,
// grounded on the teacher's debug_monitor.go register-dump formatting
// style (now removed, see DESIGN.md) and on the gmofishsauce-wut4
// Tracer's printf-style trace lines. ---

type textState struct {
	mu sync.Mutex
	w  *bufio.Writer
	f  *os.File
}

var textStates sync.Map // map[*Logger]*textState

func textInit(l *Logger) {
	w := bufio.NewWriter(os.Stderr)
	textStates.Store(l, &textState{w: w})
}

func textEmitInstr(l *Logger, e *Entry) error {
	v, _ := textStates.Load(l)
	ts := v.(*textState)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	fmt.Fprintf(ts.w, "cpu%d: pc=%#016x", l.id, e.PC)
	if e.Paddr != NoPaddr {
		fmt.Fprintf(ts.w, " paddr=%#016x", e.Paddr)
	}
	if e.InsnSize > 0 {
		fmt.Fprintf(ts.w, " insn=% x", e.InsnBytes[:e.InsnSize])
	}
	for _, r := range e.Regs {
		if r.Flags&RegFlagExtended != 0 {
			fmt.Fprintf(ts.w, " %s=%s", r.Name, formatExtended(r.Extended, r.Flags&RegFlagExtendedTagSet != 0))
		} else {
			fmt.Fprintf(ts.w, " %s=%#x", r.Name, r.Value)
		}
	}
	for _, m := range e.Mem {
		dir := "ld"
		if m.Flags&MemFlagStore != 0 {
			dir = "st"
		}
		if m.Flags&MemFlagExtended != 0 {
			fmt.Fprintf(ts.w, " %s[%#x]=%s", dir, m.Addr, formatExtended(m.Extended, false))
		} else {
			fmt.Fprintf(ts.w, " %s[%#x]=%#x", dir, m.Addr, m.Value)
		}
	}
	for _, ev := range e.Events {
		switch ev.Kind {
		case EventKindState:
			fmt.Fprintf(ts.w, " state=%d@%#x", ev.State.NextState, ev.State.PC)
		case EventKindRegDump:
			fmt.Fprintf(ts.w, " regdump(%d)", len(ev.Dump.GPR))
		}
	}
	if len(e.TextBuffer) > 0 {
		ts.w.WriteByte(' ')
		ts.w.Write(e.TextBuffer)
	}
	ts.w.WriteByte('\n')
	return nil
}

// formatExtended renders a wide extended-register/memory payload as its
// significant bytes, plus a validity tag when the caller marked one as
// meaningful (RegFlagExtendedTagSet has no MemFlag counterpart, since
// extended memory accesses don't carry a separate tag-validity bit).
func formatExtended(ext ExtendedValue, tagMeaningful bool) string {
	s := fmt.Sprintf("%#x", ext.Bytes[:ext.Length])
	if tagMeaningful {
		s += fmt.Sprintf(" tag=%t", ext.Tag)
	}
	return s
}

func textEmitDebug(l *Logger, tag string, n uint64) error {
	v, _ := textStates.Load(l)
	ts := v.(*textState)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	fmt.Fprintf(ts.w, "cpu%d: [%s]=%d\n", l.id, tag, n)
	return nil
}

func textSync(l *Logger) error {
	v, ok := textStates.Load(l)
	if !ok {
		return nil
	}
	return v.(*textState).w.Flush()
}

// --- binary-framed backend: a fixed little-endian record per entry,
// with an advisory unix.Flock held across the process's lifetime so
// concurrent qtrace-enabled processes don't interleave partial frames
// into a shared trace file (spec.md DOMAIN STACK: x/sys). ---

type binaryState struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

var binaryStates sync.Map

func binaryInit(l *Logger) {
	path := fmt.Sprintf("qtrace-cpu%d.bin", l.id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_EX)
	binaryStates.Store(l, &binaryState{f: f, w: bufio.NewWriter(f)})
}

// binaryFrame is the fixed-size on-disk record: pc, paddr, flags,
// insn_size, three padding bytes, then insn_bytes padded to MaxInsnSize.
type binaryFrame struct {
	PC       uint64
	Paddr    uint64
	Flags    uint32
	InsnSize uint8
	_        [3]byte
	Insn     [MaxInsnSize]byte
}

func binaryEmitInstr(l *Logger, e *Entry) error {
	v, ok := binaryStates.Load(l)
	if !ok {
		return nil
	}
	bs := v.(*binaryState)
	bs.mu.Lock()
	defer bs.mu.Unlock()

	frame := binaryFrame{PC: e.PC, Paddr: e.Paddr, Flags: uint32(e.Flags), InsnSize: e.InsnSize, Insn: e.InsnBytes}
	return binary.Write(bs.w, binary.LittleEndian, &frame)
}

func binarySync(l *Logger) error {
	v, ok := binaryStates.Load(l)
	if !ok {
		return nil
	}
	bs := v.(*binaryState)
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if err := bs.w.Flush(); err != nil {
		return err
	}
	return bs.f.Sync()
}

// --- tracing-system backend: streams committed entries as JSON lines
// over a Unix-domain socket to a collector process, adapted from the
// teacher's single-instance IPC listener (runtime_ipc.go, see
// DESIGN.md). Unlike the original's one-shot command/response exchange,
// this dials out as a client and reconnects lazily if the collector
// isn't listening yet, so tracing never blocks guest execution waiting
// on a collector to start. ---

type tsState struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
}

var tsStates sync.Map

const tracingSystemSocket = "/tmp/qtrace-collector.sock"

func tsInit(l *Logger) {
	ts := &tsState{}
	tsStates.Store(l, ts)
	tsDial(ts)
}

func tsDial(ts *tsState) {
	conn, err := net.Dial("unix", tracingSystemSocket)
	if err != nil {
		return
	}
	ts.conn = conn
	ts.enc = json.NewEncoder(conn)
}

type tsRecord struct {
	CPU   int    `json:"cpu"`
	PC    uint64 `json:"pc"`
	Paddr uint64 `json:"paddr,omitempty"`
	Flags uint32 `json:"flags,omitempty"`
}

func tsEmitInstr(l *Logger, e *Entry) error {
	v, ok := tsStates.Load(l)
	if !ok {
		return nil
	}
	ts := v.(*tsState)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.conn == nil {
		tsDial(ts)
		if ts.conn == nil {
			return nil // collector absent: drop silently rather than stall the guest
		}
	}
	if err := ts.enc.Encode(tsRecord{CPU: l.id, PC: e.PC, Paddr: e.Paddr, Flags: uint32(e.Flags)}); err != nil {
		ts.conn.Close()
		ts.conn = nil
		ts.enc = nil
		return err
	}
	return nil
}

func tsSync(l *Logger) error {
	// The json.Encoder writes straight to the socket with no buffering of
	// its own (unlike the text/binary backends' bufio.Writer), so there is
	// nothing application-side to flush; the kernel owns whatever is still
	// in flight. This hook only exists to satisfy the backend contract's
	// optional sync, and intentionally does not touch the live connection.
	return nil
}

// --- json backend: one JSON object per line, convenient for offline
// tooling that doesn't want the binary-framed layout. ---

type jsonState struct {
	mu  sync.Mutex
	enc *json.Encoder
	w   io.Writer
}

var jsonStates sync.Map

func jsonInit(l *Logger) {
	jsonStates.Store(l, &jsonState{enc: json.NewEncoder(os.Stdout), w: os.Stdout})
}

type jsonEntry struct {
	CPU   int      `json:"cpu"`
	PC    uint64   `json:"pc"`
	Paddr uint64   `json:"paddr,omitempty"`
	Regs  []string `json:"regs,omitempty"`
	Text  string   `json:"text,omitempty"`
}

func jsonEmitInstr(l *Logger, e *Entry) error {
	v, ok := jsonStates.Load(l)
	if !ok {
		return nil
	}
	js := v.(*jsonState)
	js.mu.Lock()
	defer js.mu.Unlock()

	je := jsonEntry{CPU: l.id, PC: e.PC, Paddr: e.Paddr, Text: string(e.TextBuffer)}
	for _, r := range e.Regs {
		je.Regs = append(je.Regs, fmt.Sprintf("%s=%#x", r.Name, r.Value))
	}
	return js.enc.Encode(je)
}

func jsonSync(l *Logger) error { return nil }
