// Package target provides the facade through which every other layer
// of crashsnap talks to the debuggee process: remote memory access,
// module enumeration, thread-context retrieval, and the raw Windows
// debug-event primitives the event pump drives directly.
//
// Grounded on the teacher's pkg/proc/native (proc_windows.go,
// syscall_windows.go): the same WaitForDebugEvent/ContinueDebugEvent
// dispatch loop shape and the same DBG_CONTINUE/DBG_EXCEPTION_NOT_HANDLED
// continuation codes. No thread is suspended or resumed by this package.
package target

import (
	"fmt"

	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Facade is the complete set of operations the rest of crashsnap needs
// from a live or about-to-be-live debuggee process.
type Facade interface {
	// Read copies len(buf) bytes from the debuggee's address space at
	// addr into buf.
	Read(addr uintptr, buf []byte) error

	// ReadValue reads a fixed little-endian integer value of width
	// size (1, 2, 4 or 8 bytes) from addr.
	ReadValue(addr uintptr, size int) (uint64, error)

	// ReadCString reads a NUL-terminated narrow string from addr,
	// never reading more than maxLen bytes.
	ReadCString(addr uintptr, maxLen int) (string, error)

	// ReadStringW reads a NUL-terminated UTF-16LE string from addr,
	// never reading more than maxLen UTF-16 code units.
	ReadStringW(addr uintptr, maxLen int) (string, error)

	// EnumerateModules returns the modules currently mapped into the
	// process, as reported by the loader's module list.
	EnumerateModules() ([]ModuleInfo, error)

	// IsWow64 reports whether the process is a 32-bit process running
	// under WOW64 on a 64-bit system.
	IsWow64() (bool, error)

	// Terminate forcibly ends the debuggee process.
	Terminate(exitCode uint32) error

	// GetThreadContext retrieves a register snapshot for tid,
	// choosing the 64-bit or WOW64 layout based on IsWow64.
	GetThreadContext(tid uint32) (*threadctx.Snapshot, error)

	// Pid returns the debuggee's process id.
	Pid() uint32

	// ProcessHandle returns the raw handle used by Read/IsWow64/etc,
	// for collaborators (the symbol service, the RTTI demangler) that
	// must call further DbgHelp/kernel32 APIs against this process
	// directly.
	ProcessHandle() uintptr
}

// ModuleInfo is a single entry from EnumerateModules, before it is
// folded into a moduleindex.Index.
type ModuleInfo struct {
	Base uintptr
	Size uint64
	Path string
}

// ErrShortRead is returned by ReadCString/ReadStringW when maxLen is
// exhausted without finding a terminator.
type ErrShortRead struct {
	Addr   uintptr
	MaxLen int
}

func (e ErrShortRead) Error() string {
	return fmt.Sprintf("no NUL terminator found within %d bytes starting at %#x", e.MaxLen, e.Addr)
}
