// printf_test.go - Tests for the deferred printf pipeline

package qtrace

import (
	"math"
	"strings"
	"testing"
)

func TestGenPrintfRoundTrip(t *testing.T) {
	l := &Logger{loglevelActive: true, ring: NewRing(MinRingCapacity)}

	l.GenPrintf("reg a=%d x=%x", 42, 0xbeef)
	l.GenPrintfFlush()

	got := string(l.ring.Current().TextBuffer)
	want := "reg a=42 x=beef"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGenPrintfMultipleSlotsFlushInOrder(t *testing.T) {
	l := &Logger{loglevelActive: true, ring: NewRing(MinRingCapacity)}

	l.GenPrintf("first=%d ", 1)
	l.GenPrintf("second=%d", 2)
	l.GenPrintfFlush()

	got := string(l.ring.Current().TextBuffer)
	want := "first=1 second=2"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestGenPrintfFullBufferForcesEarlyFlush(t *testing.T) {
	l := &Logger{loglevelActive: true, ring: NewRing(MinRingCapacity)}

	for i := 0; i < printfBufDepth; i++ {
		l.GenPrintf("x")
	}
	if l.printfBuf.valid != ^uint64(0) {
		t.Fatalf("expected every slot occupied, valid=%#x", l.printfBuf.valid)
	}

	// One more call must force a flush of the current entry before
	// claiming a slot, rather than panicking or silently dropping.
	l.GenPrintf("y")

	got := string(l.ring.Current().TextBuffer)
	wantPrefix := strings.Repeat("x", printfBufDepth)
	if got != wantPrefix {
		t.Fatalf("expected the forced flush to drain all %d pending slots, got %q", printfBufDepth, got)
	}
}

func TestGenPrintfNoOpWhenInactive(t *testing.T) {
	l := &Logger{loglevelActive: false, ring: NewRing(MinRingCapacity)}

	l.GenPrintf("x=%d", 1)
	if l.printfBuf.valid != 0 {
		t.Fatalf("GenPrintf must no-op while tracing is inactive, valid=%#x", l.printfBuf.valid)
	}
	l.GenPrintfFlush()
	if len(l.ring.Current().TextBuffer) != 0 {
		t.Fatalf("GenPrintfFlush must no-op while tracing is inactive, got %q", l.ring.Current().TextBuffer)
	}
}

func TestFormatPrintfConversions(t *testing.T) {
	tests := []struct {
		name   string
		format string
		args   []uint64
		want   string
	}{
		{"percent literal", "100%%", nil, "100%"},
		{"char", "%c", []uint64{'A'}, "A"},
		{"signed", "%d", []uint64{uint64(int64(-1)) & 0xff}, "255"},
		{"unsigned", "%u", []uint64{7}, "7"},
		{"hex lower", "%x", []uint64{255}, "ff"},
		{"hex upper", "%X", []uint64{255}, "FF"},
		{"octal", "%o", []uint64{8}, "10"},
		{"pointer", "%p", []uint64{0x1000}, "0x1000"},
		{"size modifier ignored", "%lld", []uint64{9}, "9"},
		{"string arg yields nothing resolved", "[%s]", []uint64{0}, "[]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := &Entry{}
			formatPrintf(e, tc.format, tc.args)
			if got := string(e.TextBuffer); got != tc.want {
				t.Errorf("formatPrintf(%q, %v) = %q, want %q", tc.format, tc.args, got, tc.want)
			}
		})
	}
}

func TestFormatPrintfFloat(t *testing.T) {
	e := &Entry{}
	bits := math.Float64bits(3.5)
	formatPrintf(e, "%f", []uint64{bits})
	if got := string(e.TextBuffer); !strings.HasPrefix(got, "3.5") {
		t.Errorf("got %q, want prefix 3.5", got)
	}
}
