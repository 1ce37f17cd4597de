// printf.go - Deferred printf pipeline (spec.md §4.H)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// Translated code captures a format string and its already-evaluated
// argument words into a small per-CPU scratch area instead of formatting
// immediately - formatting happens later, off the hot translated path,
// at GenPrintfFlush or when the owning entry commits with instruction
// bytes staged (commit skips the drain for an entry whose InsnSize is
// zero, leaving the slots pending for the next entry). This mirrors
// qemu_log_gen_printf/helper_qemu_log_printf_dump in the original
// implementation: the "gen" half just records which slot and which
// argument values, the "dump" half does the actual byte shuffling.

package qtrace

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// printfBufDepth bounds how many distinct deferred printf call sites can
// be pending against one entry before a forced early flush
// (QEMU_LOG_PRINTF_BUF_DEPTH).
const printfBufDepth = 64

// printfArgMax bounds the argument words captured per call site
// (QEMU_LOG_PRINTF_ARG_MAX).
const printfArgMax = 8

type printfSlot struct {
	format string
	args   [printfArgMax]uint64
	nargs  int
}

// printfBuf is the per-CPU deferred-printf scratch area: a validity
// bitmask over a fixed array of slots, each holding a borrowed format
// string pointer and its captured argument words.
type printfBuf struct {
	valid uint64 // bit i set iff slots[i] holds a pending call
	slots [printfBufDepth]printfSlot
}

// GenPrintf is the translator-time half: it records format and its
// already-evaluated argument words into the next free slot. If no slot
// is free, it forces an early flush of the current entry first (spec.md
// §4.H: "a full buffer forces an early flush").
func (l *Logger) GenPrintf(format string, args ...uint64) {
	if !l.loglevelActive {
		return
	}
	if len(args) > printfArgMax {
		args = args[:printfArgMax]
	}
	if l.printfBuf.valid == ^uint64(0) {
		l.printfBuf.flushInto(l.ring.Current())
	}
	idx := firstZeroBit(l.printfBuf.valid)
	slot := &l.printfBuf.slots[idx]
	slot.format = format
	slot.nargs = copy(slot.args[:], args)
	l.printfBuf.valid |= 1 << idx
}

// GenPrintfFlush forces an immediate dump of every pending deferred
// printf call site against the current entry, without waiting for
// commit. The translator emits this ahead of any control-flow edge that
// could retire the entry through a path other than ordinary commit
// (spec.md §4.H).
func (l *Logger) GenPrintfFlush() {
	if !l.loglevelActive {
		return
	}
	l.printfBuf.flushInto(l.ring.Current())
}

// firstZeroBit returns the index of the lowest unset bit in mask.
func firstZeroBit(mask uint64) int {
	for i := 0; i < printfBufDepth; i++ {
		if mask&(1<<i) == 0 {
			return i
		}
	}
	invariantViolation("printf scratch buffer exhausted")
	return 0
}

// flushInto is the runtime-side "dump" half: it walks the validity
// bitmask from the lowest set bit to the highest, formats each pending
// call site and appends the result to e.TextBuffer, then clears the
// bitmask (spec.md §4.H, §8 "deferred printf round-trip" property).
func (p *printfBuf) flushInto(e *Entry) {
	if p.valid == 0 {
		return
	}
	for i := 0; i < printfBufDepth; i++ {
		if p.valid&(1<<i) == 0 {
			continue
		}
		slot := &p.slots[i]
		formatPrintf(e, slot.format, slot.args[:slot.nargs])
	}
	p.valid = 0
}

// formatPrintf interprets a restricted printf-style format string
// against already-captured integer argument words, appending the result
// to e.TextBuffer. Supported conversions: %c %d %i %u %x %X %o %e %E %f
// %g %G %s %p, with h/l/ll size modifiers accepted and ignored (the
// argument word is always a full uint64), plus literal %%. Every
// conversion except %% consumes one argument word. %s consumes its word
// and prints nothing, since the scratch area only stores uint64 words,
// not guest memory references.
func formatPrintf(e *Entry, format string, args []uint64) {
	var b strings.Builder
	ai := 0
	nextArg := func() uint64 {
		if ai >= len(args) {
			return 0
		}
		v := args[ai]
		ai++
		return v
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			b.WriteByte('%')
			break
		}
		// skip size modifiers h, hh, l, ll
		for i < len(format) && (format[i] == 'h' || format[i] == 'l') {
			i++
		}
		if i >= len(format) {
			break
		}
		switch format[i] {
		case '%':
			b.WriteByte('%')
		case 'c':
			b.WriteByte(byte(nextArg()))
		case 'd', 'i':
			b.WriteString(strconv.FormatInt(int64(nextArg()), 10))
		case 'u':
			b.WriteString(strconv.FormatUint(nextArg(), 10))
		case 'x':
			b.WriteString(strconv.FormatUint(nextArg(), 16))
		case 'X':
			b.WriteString(strings.ToUpper(strconv.FormatUint(nextArg(), 16)))
		case 'o':
			b.WriteString(strconv.FormatUint(nextArg(), 8))
		case 'p':
			fmt.Fprintf(&b, "%#x", nextArg())
		case 'e', 'E', 'f', 'g', 'G':
			f := math.Float64frombits(nextArg())
			fmt.Fprintf(&b, "%"+string(format[i]), f)
		case 's':
			// Argument words cannot carry arbitrary-length text; a %s
			// conversion consumes its word and prints as empty rather
			// than misinterpreting the word as a pointer.
			nextArg()
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}

	e.TextBuffer = append(e.TextBuffer, b.String()...)
}
