// config.go - External configuration surface (spec.md §6)
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// The teacher has no flags/config library in the retrieved surface (its
// CLI args are parsed ad hoc in main.go), so this stays a small
// hand-rolled Config surface rather than reaching for a flags
// package — embedding code configures the tracer programmatically.

package qtrace

import (
	"strconv"
	"strings"
)

// BackendKind selects the encoder backend (spec.md §6).
type BackendKind int

const (
	BackendText BackendKind = iota
	BackendBinaryFramed
	BackendNop
	BackendTracingSystem
	BackendProtobuf
	BackendJSON
	BackendCacheSim
	backendKindCount
)

func (k BackendKind) String() string {
	switch k {
	case BackendText:
		return "text"
	case BackendBinaryFramed:
		return "binary-framed"
	case BackendNop:
		return "nop"
	case BackendTracingSystem:
		return "tracing-system"
	case BackendProtobuf:
		return "protobuf"
	case BackendJSON:
		return "json"
	case BackendCacheSim:
		return "cache-sim"
	default:
		return "unknown"
	}
}

// ParseBackendKind maps a configuration string to a BackendKind.
func ParseBackendKind(name string) (BackendKind, error) {
	switch name {
	case "text", "":
		return BackendText, nil
	case "binary-framed":
		return BackendBinaryFramed, nil
	case "nop":
		return BackendNop, nil
	case "tracing-system":
		return BackendTracingSystem, nil
	case "protobuf":
		return BackendProtobuf, nil
	case "json":
		return BackendJSON, nil
	case "cache-sim":
		return BackendCacheSim, nil
	default:
		return BackendText, &ConfigError{Knob: "backend", Value: name, Reason: ErrUnknownBackend.Error()}
	}
}

// Config collects the recognized configuration knobs (spec.md §6).
type Config struct {
	Backend     BackendKind
	BufferSize  int
	FilterSpec  string
	TraceDebug  bool
}

// DefaultConfig returns the default knob values: text backend, the
// minimum ring capacity, no startup filters, no shutdown stat dump.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendText,
		BufferSize: MinRingCapacity,
		FilterSpec: "",
		TraceDebug: false,
	}
}

// Validate normalizes and checks a Config, substituting safe defaults
// for out-of-range values per spec.md §7 (config errors never abort the
// embedding; they report and fall back).
func (c *Config) Validate() error {
	if c.BufferSize < MinRingCapacity {
		err := &ConfigError{Knob: "buffer_size", Value: strconv.Itoa(c.BufferSize), Reason: ErrBufferTooSmall.Error()}
		c.BufferSize = MinRingCapacity
		return err
	}
	if err := ValidateFilterSpec(c.FilterSpec); err != nil {
		return err
	}
	return nil
}

// FilterNames splits a comma-separated filter_spec knob into the
// individual filter names the caller asked to activate at startup.
func FilterNames(spec string) []string {
	if spec == "" {
		return nil
	}
	parts := strings.Split(spec, ",")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			names = append(names, p)
		}
	}
	return names
}

// LogFlag is the log-mask surface exposed to the embedding (spec.md §6):
// INSTR enables ALL-mode tracing, INSTR_U enables USER-mode tracing and
// implies INSTR.
type LogFlag uint32

const (
	LogFlagInstr LogFlag = 1 << iota
	LogFlagInstrU
)

// LevelFromFlags maps the (INSTR, INSTR_U) log-mask bits to a Level,
// per spec.md §6's transition table.
func LevelFromFlags(flags LogFlag) Level {
	switch {
	case flags&LogFlagInstrU != 0:
		return LevelUser
	case flags&LogFlagInstr != 0:
		return LevelAll
	default:
		return LevelNone
	}
}
