// backend_test.go - Tests for the backend registry

package qtrace

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestLookupBackendKnownKinds(t *testing.T) {
	kinds := []BackendKind{BackendText, BackendBinaryFramed, BackendNop, BackendTracingSystem, BackendJSON}
	for _, k := range kinds {
		if _, err := lookupBackend(k); err != nil {
			t.Errorf("lookupBackend(%v): %v", k, err)
		}
	}
}

func TestLookupBackendUnregisteredKind(t *testing.T) {
	if _, err := lookupBackend(BackendProtobuf); err == nil {
		t.Fatal("expected an error for a descriptor with no registered entry")
	}
}

func TestLookupBackendOutOfRange(t *testing.T) {
	if _, err := lookupBackend(BackendKind(999)); err == nil {
		t.Fatal("expected an error for an out-of-range backend kind")
	}
}

func TestNopBackendDiscardsSilently(t *testing.T) {
	resetGlobalRegistryForTest(t)
	defer resetGlobalRegistryForTest(t)

	cfg := DefaultConfig()
	cfg.Backend = BackendNop
	l, err := NewLogger(&fakeCPU{}, cfg)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	l.SetLevel(LevelAll, 0)
	l.PumpSafePoints()
	l.RecordInstruction(0x1000, []byte{0x01})
	l.commit()

	if l.stats.EntriesEmitted != 1 {
		t.Fatalf("expected the nop backend to still count emitted entries, got %d", l.stats.EntriesEmitted)
	}
}

func TestTextBackendRendersExtendedValues(t *testing.T) {
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
	textStates.Store(l, &textState{w: bufio.NewWriter(&buf)})

	ext := ExtendedValue{Length: 2, Tag: true}
	ext.Bytes[0], ext.Bytes[1] = 0xde, 0xad

	e := &Entry{
		PC:   0x2000,
		Regs: []RegInfo{{Flags: RegFlagExtended | RegFlagExtendedTagSet, Name: "c1", Extended: ext}},
		Mem:  []MemInfo{{Flags: MemFlagExtended | MemFlagStore, Addr: 0x3000, Extended: ext}},
	}
	if err := textEmitInstr(l, e); err != nil {
		t.Fatalf("textEmitInstr: %v", err)
	}
	v, _ := textStates.Load(l)
	v.(*textState).w.Flush()

	out := buf.String()
	if !strings.Contains(out, "c1=0xdead tag=true") {
		t.Errorf("expected extended register rendering with tag, got %q", out)
	}
	if !strings.Contains(out, "st[0x3000]=0xdead") {
		t.Errorf("expected extended memory rendering, got %q", out)
	}
	if strings.Contains(out, "=0x0 ") || strings.HasSuffix(out, "=0x0\n") {
		t.Errorf("extended value rendered as plain zero integer: %q", out)
	}
}
