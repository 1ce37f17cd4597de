// flush_test.go - Tests for Flush and SyncBuffers

package qtrace

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFlushUnbufferedForceCommits(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	e := l.ring.Current()
	e.PC = 0x4000
	e.Flags = FlagHasInstrData

	l.Flush()

	if !l.ring.Current().Empty() {
		t.Fatal("Flush on an unbuffered CPU must commit and reset the current entry")
	}
	if l.stats.EntriesEmitted != 1 {
		t.Fatalf("expected one emitted entry, got %d", l.stats.EntriesEmitted)
	}
}

func TestFlushBufferedDrainsRingToTail(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.SetBuffered(true)

	for i := 0; i < 3; i++ {
		e := l.ring.Current()
		e.PC = uint64(0x1000 + i)
		e.Flags = FlagHasInstrData
		l.commit()
	}

	l.Flush()

	if l.ring.Tail() != l.ring.Head() {
		t.Fatalf("Flush must drain every buffered entry: tail=%d head=%d", l.ring.Tail(), l.ring.Head())
	}
}

func TestFlushWhileActiveLeavesCurrentEntryUncommitted(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.loglevelActive = true
	l.SetBuffered(true)

	for i := 0; i < 2; i++ {
		e := l.ring.Current()
		e.PC = uint64(0x1000 + i)
		e.Flags = FlagHasInstrData
		l.commit()
	}

	headBefore := l.ring.Head()
	e := l.ring.Current()
	e.PC = 0x2000
	e.Flags = FlagHasInstrData

	l.Flush()

	if l.ring.Head() != headBefore {
		t.Fatalf("Flush while active must not commit the in-progress entry: head moved from %d to %d", headBefore, l.ring.Head())
	}
	cur := l.ring.Current()
	if len(cur.Events) != 1 || cur.Events[0].State.NextState != StateFlush {
		t.Fatalf("expected the FLUSH marker to ride along on the uncommitted current entry, got %+v", cur.Events)
	}
	if l.ring.Tail() != headBefore {
		t.Fatalf("Flush must still drain the already-committed entries: tail=%d want=%d", l.ring.Tail(), headBefore)
	}
}

func TestSyncBuffersCallsBackendSync(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	cfg := DefaultConfig()
	cfg.Backend = BackendText
	l, err := NewLogger(&fakeCPU{}, cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	w.WriteString("pending")
	textStates.Store(l, &textState{w: w})

	// SyncBuffers blocks until each CPU's safe point runs, so this test
	// plays the owning thread and pumps until it returns.
	done := make(chan error, 1)
	go func() { done <- SyncBuffers() }()
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("SyncBuffers: %v", err)
			}
			if buf.String() != "pending" {
				t.Fatalf("expected the text backend's sync hook to flush buffered output, got %q", buf.String())
			}
			return
		default:
			l.PumpSafePoints()
		}
	}
}
