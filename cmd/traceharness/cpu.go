// cpu.go - Trimmed guest CPU for exercising the trace engine end to end
//
// (c) 2024 - 2026 Zayn Otley
// License: GPLv3 or later
//
// Adapted from the Intuition Engine's 32-bit RISC-like CPU
// (cpu_ie32.go): same instruction format and addressing modes, reduced
// to an opcode subset that exercises the instruction, integer-register,
// integer-memory and interrupt staging calls (not the exception, ASID,
// extended-value, event or extra-text ones), and instrumented at
// instruction-boundary, register-write, memory-access,
// interrupt and privilege-mode-switch points instead of driving a
// terminal display.

package main

import (
	"encoding/binary"

	"github.com/intuitionamiga/qtrace"
)

const (
	instructionSize = 8
	opcodeOffset    = 0
	regOffset       = 1
	addrModeOffset  = 2
	operandOffset   = 4

	regIndexMask = 0x0F
	offsetMask   = 0xFFFFFFFC

	addrImmediate = 0x00
	addrRegister  = 0x01
	addrRegInd    = 0x02
	addrMemInd    = 0x03

	progStart   = 0x1000
	stackStart  = 0xE000
	vectorTable = 0x0000
)

const (
	opLoad  = 0x01
	opStore = 0x02
	opAdd   = 0x03
	opSub   = 0x04
	opAnd   = 0x05
	opJmp   = 0x06
	opJnz   = 0x07
	opJz    = 0x08
	opOr    = 0x09
	opXor   = 0x0A
	opPush  = 0x12
	opPop   = 0x13
	opJsr   = 0x18
	opRts   = 0x19
	opSei   = 0x1A
	opCli   = 0x1B
	opRti   = 0x1C
	opWait  = 0x17
	opNop   = 0xEE
	opHalt  = 0xFF
)

// CPU is the harness's minimal RISC-like guest core: PC, SP and four
// general registers (A, X, Y, Z), a flat memory bus, and a kernel/user
// privilege bit cleared on interrupt entry and set by RTI so ModeSwitch
// has something real to report. SEI/CLI only enable and disable
// interrupts.
type CPU struct {
	PC, SP       uint32
	A, X, Y, Z   uint32
	Running      bool
	InUser       bool
	InterruptsOn bool
	InHandler    bool
	idleCycles   uint64

	bus    *Bus
	logger *qtrace.Logger
}

// NewCPU wires a CPU to its bus and, once created, to the tracer that
// will own its Logger.
func NewCPU(bus *Bus) *CPU {
	return &CPU{SP: stackStart, PC: progStart, Running: true, bus: bus}
}

// AttachLogger binds the per-CPU Logger created for this core. Must be
// called before Execute.
func (c *CPU) AttachLogger(l *qtrace.Logger) { c.logger = l }

// InUserMode implements qtrace.GuestCPU.
func (c *CPU) InUserMode() bool { return c.InUser }

// RecentPC implements qtrace.GuestCPU.
func (c *CPU) RecentPC() uint64 { return uint64(c.PC) }

// TranslatePage implements qtrace.GuestCPU by delegating to the bus.
func (c *CPU) TranslatePage(vaddrPage uint64) (uint64, bool) { return c.bus.TranslatePage(vaddrPage) }

// DumpRegisters implements qtrace.GuestCPU.
func (c *CPU) DumpRegisters() []qtrace.RegInfo {
	return []qtrace.RegInfo{
		{Name: "pc", Value: uint64(c.PC)},
		{Name: "sp", Value: uint64(c.SP)},
		{Name: "a", Value: uint64(c.A)},
		{Name: "x", Value: uint64(c.X)},
		{Name: "y", Value: uint64(c.Y)},
		{Name: "z", Value: uint64(c.Z)},
	}
}

func (c *CPU) register(idx byte) *uint32 {
	switch idx & regIndexMask {
	case 0:
		return &c.A
	case 1:
		return &c.X
	case 2:
		return &c.Y
	case 3:
		return &c.Z
	default:
		return &c.A
	}
}

func (c *CPU) resolveOperand(addrMode byte, operand uint32) uint32 {
	switch addrMode {
	case addrImmediate:
		return operand
	case addrRegister:
		return *c.register(byte(operand & regIndexMask))
	case addrRegInd:
		reg := byte(operand & regIndexMask)
		offset := operand & offsetMask
		addr := *c.register(reg) + offset
		v := c.bus.Read32(addr)
		c.logger.RecordMemLoadInteger(0, uint64(addr), uint64(addr), uint64(v))
		return v
	case addrMemInd:
		v := c.bus.Read32(operand)
		c.logger.RecordMemLoadInteger(0, uint64(operand), uint64(operand), uint64(v))
		return v
	}
	return 0
}

func (c *CPU) push(v uint32) {
	c.SP -= wordSize
	c.bus.Write32(c.SP, v)
	c.logger.RecordMemStoreInteger(0, uint64(c.SP), uint64(c.SP), uint64(v))
}

func (c *CPU) pop() uint32 {
	v := c.bus.Read32(c.SP)
	c.logger.RecordMemLoadInteger(0, uint64(c.SP), uint64(c.SP), uint64(v))
	c.SP += wordSize
	return v
}

// maybeInterrupt delivers the pending interrupt if one is enabled and
// not already being handled, staging an asynchronous-interrupt event
// and a privilege-mode switch into kernel mode (spec.md §4.C record_interrupt,
// §4.E ModeSwitch trigger).
func (c *CPU) maybeInterrupt(pending bool) {
	if !pending || !c.InterruptsOn || c.InHandler {
		return
	}
	c.InHandler = true
	c.logger.RecordInterrupt(1, uint32(vectorTable))
	if c.InUser {
		c.InUser = false
		c.logger.ModeSwitch(qtrace.CPUModeKernel, uint64(c.PC))
	}
	c.push(c.PC)
	c.logger.Commit()
	c.PC = c.bus.Read32(vectorTable)
}

// Execute runs the guest program until HALT or Running is cleared.
// Every iteration: pump any pending safe-point callbacks (the only
// point at which the tracer's level/filter state may legally change),
// stage the instruction boundary, execute it, then commit.
func (c *CPU) Execute(pendingInterrupt func() bool) {
	for c.Running {
		c.logger.PumpSafePoints()

		currentPC := c.PC
		insn := insnBytes(c.bus, currentPC, 0, instructionSize)
		opcode := insnByte(c.bus, currentPC, opcodeOffset)
		reg := insnByte(c.bus, currentPC, regOffset)
		addrMode := insnByte(c.bus, currentPC, addrModeOffset)
		operand := binary.LittleEndian.Uint32(insnBytes(c.bus, currentPC, operandOffset, 4))

		c.logger.RecordInstruction(uint64(currentPC), insn)

		resolved := c.resolveOperand(addrMode, operand)
		nextPC := currentPC + instructionSize

		switch opcode {
		case opLoad:
			r := c.register(reg)
			*r = resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opStore:
			c.bus.Write32(resolved, *c.register(reg))
			c.logger.RecordMemStoreInteger(0, uint64(resolved), uint64(resolved), uint64(*c.register(reg)))
		case opAdd:
			r := c.register(reg)
			*r += resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opSub:
			r := c.register(reg)
			*r -= resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opAnd:
			r := c.register(reg)
			*r &= resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opOr:
			r := c.register(reg)
			*r |= resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opXor:
			r := c.register(reg)
			*r ^= resolved
			c.logger.RecordRegInteger(regName(reg), uint64(*r))
		case opJmp:
			nextPC = resolved
		case opJnz:
			if *c.register(reg) != 0 {
				nextPC = resolved
			}
		case opJz:
			if *c.register(reg) == 0 {
				nextPC = resolved
			}
		case opPush:
			c.push(*c.register(reg))
		case opPop:
			*c.register(reg) = c.pop()
			c.logger.RecordRegInteger(regName(reg), uint64(*c.register(reg)))
		case opJsr:
			c.push(nextPC)
			nextPC = resolved
		case opRts:
			nextPC = c.pop()
		case opSei:
			c.InterruptsOn = true
		case opCli:
			c.InterruptsOn = false
		case opRti:
			c.InHandler = false
			if !c.InUser {
				c.InUser = true
				c.logger.ModeSwitch(qtrace.CPUModeUser, uint64(currentPC))
			}
			nextPC = c.pop()
		case opWait:
			c.idleCycles += uint64(resolved)
			c.logger.EmitDebugCounter("idle-cycles", c.idleCycles)
		case opNop:
		case opHalt:
			c.Running = false
		}

		c.PC = nextPC
		c.logger.Commit()

		if pendingInterrupt != nil {
			c.maybeInterrupt(pendingInterrupt())
		}
	}
}

func insnByte(bus *Bus, pc uint32, off int) byte {
	word := bus.Read32(pc + uint32(off&^3))
	return byte(word >> (8 * uint(off&3)))
}

func insnBytes(bus *Bus, pc uint32, off, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = insnByte(bus, pc, off+i)
	}
	return out
}

func regName(reg byte) string {
	switch reg & regIndexMask {
	case 0:
		return "a"
	case 1:
		return "x"
	case 2:
		return "y"
	case 3:
		return "z"
	default:
		return "a"
	}
}
