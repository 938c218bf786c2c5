package stacktrace

import "github.com/crashsnap/crashsnap/pkg/threadctx"

// walkFrame is the portable equivalent of STACKFRAME64: the three
// addresses StackWalk64 advances on every step, plus the return
// address used for recursion detection.
type walkFrame struct {
	PC     uintptr
	Frame  uintptr
	Stack  uintptr
	Return uintptr
}

// SymbolService resolves addresses to symbol names, owning modules and
// source lines. It wraps the target process's running DbgHelp symbol
// engine (SymInitialize/SymFromAddr/SymGetLineFromAddrW64/StackWalk64).
type SymbolService interface {
	// Init prepares the symbol engine for a process, given an optional
	// search path (empty means use the default).
	Init(searchPath string) error

	// Cleanup releases the symbol engine.
	Cleanup()

	// NextFrame advances the walk by one frame, starting from ctx on
	// the first call and from the previously returned frame on
	// subsequent calls. It returns false when the walk has reached the
	// end of the stack.
	NextFrame(ctx *threadctx.Snapshot, prev *walkFrame) (walkFrame, bool)

	// SymbolAt resolves the symbol covering address, if any.
	SymbolAt(address uintptr) (Symbol, bool)

	// LineAt resolves the source line covering address, if any.
	LineAt(address uintptr) (Line, bool)
}

// Symbol is a resolved SYMBOL_INFO result.
type Symbol struct {
	Name         string
	Address      uintptr
	ModuleBase   uintptr
	Displacement uint64
}

// Line is a resolved IMAGEHLP_LINEW64 result.
type Line struct {
	File           string
	LineNumber     uint32
	LineAddress    uintptr
	Displacement   uint32
}

// InstructionDecoder decodes a short run of machine code starting at
// pc into individual instructions, up to max instructions.
type InstructionDecoder interface {
	Decode(code []byte, pc uint64, max int) ([]Instruction, error)
}
