// main.go - Demo wiring: one guest CPU, one tracer, one backend
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// Assembles a tiny program directly into guest memory (no assembler in
// scope, spec.md §1 non-goal) and runs it to completion with the text
// backend enabled in ALL mode, demonstrating the staging/commit cycle,
// the WAIT opcode's debug counter, and a shutdown Flush and SyncBuffers.
// The program contains no RTI and Execute is given no interrupt source,
// so the interrupt and mode-switch paths in cpu.go do not run here.

package main

import (
	"fmt"
	"os"

	"github.com/intuitionamiga/qtrace"
)

func assemble(bus *Bus, pc uint32, opcode, reg, addrMode byte, operand uint32) uint32 {
	instr := make([]byte, instructionSize)
	instr[opcodeOffset] = opcode
	instr[regOffset] = reg
	instr[addrModeOffset] = addrMode
	instr[4] = byte(operand)
	instr[5] = byte(operand >> 8)
	instr[6] = byte(operand >> 16)
	instr[7] = byte(operand >> 24)
	for i, b := range instr {
		word := bus.Read32(pc + uint32(i&^3))
		shift := uint(8 * (i & 3))
		word = word&^(0xff<<shift) | uint32(b)<<shift
		bus.Write32(pc+uint32(i&^3), word)
	}
	return pc + instructionSize
}

func main() {
	bus := NewBus()
	cpu := NewCPU(bus)

	cfg := qtrace.DefaultConfig()
	cfg.TraceDebug = true
	logger, err := qtrace.NewLogger(cpu, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qtrace: config warning:", err)
	}
	cpu.AttachLogger(logger)

	// Queued, not applied: Execute's first PumpSafePoints runs it before
	// the first instruction is staged. (SetGlobalLevel would block here,
	// since this goroutine is the one that pumps the CPU's safe points.)
	logger.SetLevel(qtrace.LevelAll, progStart)

	pc := uint32(progStart)
	pc = assemble(bus, pc, opLoad, 0, addrImmediate, 5)  // A = 5
	pc = assemble(bus, pc, opLoad, 1, addrImmediate, 7)  // X = 7
	pc = assemble(bus, pc, opAdd, 0, addrRegister, 1)    // A += X
	pc = assemble(bus, pc, opStore, 0, addrImmediate, 0x3000)
	pc = assemble(bus, pc, opSei, 0, addrImmediate, 0)
	pc = assemble(bus, pc, opWait, 0, addrImmediate, 42) // idle for 42 cycles, exercising emit_debug
	pc = assemble(bus, pc, opHalt, 0, addrImmediate, 0)

	cpu.Execute(nil)

	logger.Flush()
	// SyncBuffers blocks until the CPU's safe point runs; this goroutine
	// owns the CPU, so it keeps pumping until the sync completes.
	syncDone := make(chan error, 1)
	go func() { syncDone <- qtrace.SyncBuffers() }()
	for waiting := true; waiting; {
		select {
		case err := <-syncDone:
			if err != nil {
				fmt.Fprintln(os.Stderr, "qtrace: sync:", err)
			}
			waiting = false
		default:
			logger.PumpSafePoints()
		}
	}

	if cfg.TraceDebug {
		qtrace.DumpTraceDebugStats(os.Stderr)
	}
}
