// flush.go - Flush/Sync (spec.md §4.I)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later

package qtrace

import "golang.org/x/sync/errgroup"

// Flush appends a STATE{FLUSH} marker to the current entry, then drains
// a buffered CPU's ring out to its backend (spec.md §4.I). If tracing
// is currently disabled, the marked entry is force-committed so it
// isn't stranded uncommitted forever; if tracing is active, it is left
// in place to ride along with whatever is currently being staged, and
// commits normally at the next ordinary commit point.
func (l *Logger) Flush() {
	e := l.ring.Current()
	e.Events = append(e.Events, Event{Kind: EventKindState, State: StateEvent{NextState: StateFlush, PC: l.cpu.RecentPC()}})

	if !l.loglevelActive {
		l.commit()
	}

	if !l.Buffered() {
		return
	}

	tail := l.ring.Tail()
	head := l.ring.Head()
	for i := tail; i != head; i = (i + 1) % l.ring.Capacity() {
		l.emit(l.ring.At(i))
		l.ring.At(i).Reset()
	}
	l.ring.AdvanceTailTo(head)
}

// SyncBuffers fans a backend Sync request out to every live CPU, each
// run through the exclusive safe-point barrier so a backend never
// observes a half-written entry (spec.md §4.I, §5: run_on_cpu). Returns
// the first error encountered, if any, after every CPU has been synced.
func SyncBuffers() error {
	var g errgroup.Group
	for _, l := range allLoggers() {
		l := l
		g.Go(func() error {
			var syncErr error
			l.RunOnCPU(func(lg *Logger) {
				if lg.backend != nil && lg.backend.sync != nil {
					syncErr = lg.backend.sync(lg)
				}
			})
			return syncErr
		})
	}
	return g.Wait()
}
