// Package stacktrace builds a stack trace from a thread-context
// snapshot, resolving symbols and line numbers through a SymbolService
// and optionally disassembling a few instructions at each frame's
// program counter through an InstructionDecoder.
//
// Grounded on original_source/hindsight/DebugStackTrace.cpp: the walk
// loop, the direct-recursion backlog/collapse algorithm, and the
// frame-enrichment order (symbol, then disassembly, then line) are
// all reproduced exactly.
package stacktrace

import "github.com/crashsnap/crashsnap/pkg/moduleindex"

// Instruction is one disassembled instruction at a frame's program
// counter.
type Instruction struct {
	Is64BitAddress bool
	Offset         uint64
	Size           int
	Hex            string
	Mnemonic       string
	Operands       string
}

// Frame is a single entry in a stack trace: either a resolved call
// frame, or a recursion marker standing in for a run of identical
// recursive frames.
type Frame struct {
	Module            moduleindex.Module
	HasModule         bool
	ModuleBase        uintptr
	Address           uintptr
	AbsoluteAddress   uintptr
	AbsoluteLineAddr  uintptr
	LineAddress       uintptr
	Name              string
	File              string
	Line              uint32
	Recursion         bool
	RecursionCount    int
	Instructions      []Instruction
}

// Trace is an ordered sequence of stack frames, walked outward from
// the program counter of the snapshot it was built from.
type Trace struct {
	MaxRecursion    int
	MaxInstructions int
	Frames          []Frame
}

// Options bounds how much work Build does per frame.
type Options struct {
	// MaxRecursion caps how many consecutive identical PC/return
	// frames are collapsed into a single recursion marker. Zero means
	// unlimited: recursive frames are never collapsed, matching the
	// original's SIZE_MAX sentinel.
	MaxRecursion int

	// MaxInstructions caps how many instructions are disassembled per
	// frame. Zero disables disassembly.
	MaxInstructions int

	// SymbolSearchPath is passed through to the SymbolService, e.g. a
	// DbgHelp-style semicolon-separated PDB search path.
	SymbolSearchPath string
}
