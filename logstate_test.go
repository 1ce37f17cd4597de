// logstate_test.go - Tests for Logger/registry, plus a shared GuestCPU fake

package qtrace

import "testing"

// fakeCPU is a minimal GuestCPU used across this package's tests.
type fakeCPU struct {
	userMode bool
	recentPC uint64
	regs     []RegInfo
	untrans  map[uint64]bool
}

func (f *fakeCPU) InUserMode() bool { return f.userMode }
func (f *fakeCPU) RecentPC() uint64 { return f.recentPC }
func (f *fakeCPU) TranslatePage(vaddrPage uint64) (uint64, bool) {
	if f.untrans != nil && f.untrans[vaddrPage] {
		return 0, false
	}
	return vaddrPage, true
}
func (f *fakeCPU) DumpRegisters() []RegInfo { return f.regs }

// newTestLogger builds a Logger bypassing the process-wide registry
// freeze semantics, for tests that only exercise per-CPU behavior.
func newTestLogger(cpu GuestCPU) *Logger {
	return &Logger{
		cpu:    cpu,
		ring:   NewRing(MinRingCapacity),
		config: DefaultConfig(),
	}
}

func resetGlobalRegistryForTest(t *testing.T) {
	t.Helper()
	globalRegistry.mu.Lock()
	globalRegistry.loggers = make(map[int]*Logger)
	globalRegistry.nextID = 0
	globalRegistry.activeN = 0
	globalRegistry.frozen = false
	globalRegistry.selected = 0
	globalRegistry.startup = nil
	globalRegistry.selConfig = Config{}
	globalRegistry.mu.Unlock()
}

func TestNewLoggerFreezesBackendOnFirstCall(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	cfg1 := DefaultConfig()
	cfg1.Backend = BackendNop
	l1, err := NewLogger(&fakeCPU{}, cfg1)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l1.Close()

	cfg2 := DefaultConfig()
	cfg2.Backend = BackendText
	l2, err := NewLogger(&fakeCPU{}, cfg2)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l2.Close()

	if l2.backend.kind != BackendNop {
		t.Fatalf("second logger should inherit the frozen backend (nop), got %v", l2.backend.kind)
	}
}

func TestNewLoggerAssignsSequentialIDs(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	l1, _ := NewLogger(&fakeCPU{}, DefaultConfig())
	defer l1.Close()
	l2, _ := NewLogger(&fakeCPU{}, DefaultConfig())
	defer l2.Close()

	if l1.ID() == l2.ID() {
		t.Fatal("sequential loggers must get distinct IDs")
	}
}

func TestLoggerCloseRemovesFromRegistry(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	l, _ := NewLogger(&fakeCPU{}, DefaultConfig())
	id := l.ID()
	l.Close()

	for _, lg := range allLoggers() {
		if lg.ID() == id {
			t.Fatal("Close must remove the logger from the registry")
		}
	}
}

func TestSetBufferedToggle(t *testing.T) {
	l := newTestLogger(&fakeCPU{})
	if l.Buffered() {
		t.Fatal("buffered mode must default to off")
	}
	l.SetBuffered(true)
	if !l.Buffered() {
		t.Fatal("SetBuffered(true) must enable buffered mode")
	}
	l.SetBuffered(false)
	if l.Buffered() {
		t.Fatal("SetBuffered(false) must disable buffered mode")
	}
}
