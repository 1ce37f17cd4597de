// level_test.go - Tests for the level state machine and safe-point barrier

package qtrace

import (
	"testing"
	"time"
)

func TestPumpSafePointsDrainsInOrder(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	var order []int
	l.ScheduleExclusive(func(*Logger) { order = append(order, 1) })
	l.ScheduleExclusive(func(*Logger) { order = append(order, 2) })
	l.PumpSafePoints()

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("safe points did not drain in FIFO order: %v", order)
	}
}

func TestRunOnCPUBlocksUntilPumped(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	ran := make(chan struct{})

	go func() {
		l.RunOnCPU(func(*Logger) { close(ran) })
	}()

	select {
	case <-ran:
		t.Fatal("RunOnCPU's callback must not run before PumpSafePoints drains it")
	case <-time.After(20 * time.Millisecond):
	}

	l.PumpSafePoints()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("RunOnCPU's callback never ran after PumpSafePoints")
	}
}

func TestSetLevelAllActivatesImmediately(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.SetLevel(LevelAll, 0x1000)
	l.PumpSafePoints()

	level, active := l.Level()
	if level != LevelAll || !active {
		t.Fatalf("expected (ALL, true), got (%v, %v)", level, active)
	}
	if l.stats.TraceStart != 1 {
		t.Fatalf("expected one trace start, got %d", l.stats.TraceStart)
	}
}

func TestLevelSwitchIdempotentNoOp(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.SetLevel(LevelAll, 0x1000)
	l.PumpSafePoints()
	startsAfterFirst := l.stats.TraceStart

	l.SetLevel(LevelAll, 0x2000)
	l.PumpSafePoints()

	if l.stats.TraceStart != startsAfterFirst {
		t.Fatalf("switching to the same active level must be a no-op: starts went from %d to %d", startsAfterFirst, l.stats.TraceStart)
	}
}

func TestLevelSwitchStopElidesZeroLengthPair(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.SetLevel(LevelAll, 0x1000)
	l.PumpSafePoints()

	// No instruction was ever staged after the start: stopping now must
	// not emit a start/stop pair at all.
	l.SetLevel(LevelNone, 0x2000)
	l.PumpSafePoints()

	if l.stats.TraceStop != 0 {
		t.Fatalf("expected the zero-length start/stop pair to be elided, got %d stops", l.stats.TraceStop)
	}
	if !l.ring.Current().Empty() {
		t.Fatal("the elided entry must be reset back to empty")
	}
}

func TestLevelSwitchStopEmitsAfterRealInstruction(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	l.SetLevel(LevelAll, 0x1000)
	l.PumpSafePoints()

	l.RecordInstruction(0x1000, []byte{0x01})
	l.commit()

	l.SetLevel(LevelNone, 0x2000)
	l.PumpSafePoints()

	if l.stats.TraceStop != 1 {
		t.Fatalf("expected a real stop event after a committed instruction, got %d", l.stats.TraceStop)
	}
}

func TestModeSwitchTriggersUserLevelReevaluation(t *testing.T) {
	cpu := &fakeCPU{}
	l := newTestLogger(cpu)
	l.SetLevel(LevelUser, 0)
	l.PumpSafePoints()

	// USER level with the guest not in user mode: inactive.
	if _, active := l.Level(); active {
		t.Fatal("USER level must start inactive when the guest isn't in user mode")
	}

	l.ModeSwitch(CPUModeUser, 0x3000)
	l.PumpSafePoints()

	if _, active := l.Level(); !active {
		t.Fatal("switching into user mode under USER level must activate tracing")
	}
}

func TestGloballyActiveRefCounts(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	l, _ := NewLogger(&fakeCPU{}, DefaultConfig())
	defer l.Close()

	if GloballyActive() {
		t.Fatal("must not be globally active before any level switch")
	}
	l.SetLevel(LevelAll, 0)
	l.PumpSafePoints()
	if !GloballyActive() {
		t.Fatal("must be globally active after a CPU activates")
	}
	l.SetLevel(LevelNone, 0)
	l.PumpSafePoints()
	if GloballyActive() {
		t.Fatal("must not be globally active once the only active CPU stops")
	}
}
