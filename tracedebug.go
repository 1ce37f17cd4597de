// tracedebug.go - Shutdown stat dump (SPEC_FULL.md SUPPLEMENTED FEATURES)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// DumpTraceDebugStats prints a per-CPU summary of the emission counters,
// meant for process shutdown when Config.TraceDebug is set (the function
// itself does not check TraceDebug; its caller does) - useful for
// spotting a CPU that traced nothing because its filter chain rejected
// every entry. The table renders with box-drawing borders only when the
// writer it is given is an interactive terminal, the same interactive/non-interactive
// split the teacher's monitor applies to its own status output.

package qtrace

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// DumpTraceDebugStats writes a summary line per live CPU to w. Intended
// to be called once, at shutdown, when any Logger in the process was
// configured with TraceDebug: true.
func DumpTraceDebugStats(w io.Writer) {
	loggers := allLoggers()
	interactive := false
	if f, ok := w.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	if interactive {
		fmt.Fprintln(w, "┌──────┬───────────┬────────┬───────┐")
		fmt.Fprintln(w, "│ cpu  │ entries   │ starts │ stops │")
		fmt.Fprintln(w, "├──────┼───────────┼────────┼───────┤")
		for _, l := range loggers {
			s := l.Stats()
			fmt.Fprintf(w, "│ %-4d │ %-9d │ %-6d │ %-5d │\n", l.ID(), s.EntriesEmitted, s.TraceStart, s.TraceStop)
		}
		fmt.Fprintln(w, "└──────┴───────────┴────────┴───────┘")
		return
	}

	for _, l := range loggers {
		s := l.Stats()
		fmt.Fprintf(w, "cpu%d: entries=%d starts=%d stops=%d\n", l.ID(), s.EntriesEmitted, s.TraceStart, s.TraceStop)
	}
}
