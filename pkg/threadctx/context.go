// Package threadctx captures a CPU register snapshot for a single
// debuggee thread, either the native 64-bit CONTEXT or the WOW64
// 32-bit CONTEXT for a 32-bit process running under WOW64.
package threadctx

import "unsafe"

// M128A mirrors the Windows _M128A struct, a 128-bit SSE register.
type M128A struct {
	Low  uint64
	High int64
}

// XMMSaveArea32 mirrors the Windows _XMM_SAVE_AREA32 struct embedded in
// CONTEXT.FltSave.
type XMMSaveArea32 struct {
	ControlWord    uint16
	StatusWord     uint16
	TagWord        byte
	Reserved1      byte
	ErrorOpcode    uint16
	ErrorOffset    uint32
	ErrorSelector  uint16
	Reserved2      uint16
	DataOffset     uint32
	DataSelector   uint16
	Reserved3      uint16
	MxCsr          uint32
	MxCsrMask      uint32
	FloatRegisters [8]M128A
	XmmRegisters   [256]byte
	Reserved4      [96]byte
}

// CONTEXT64 mirrors the Windows amd64 _CONTEXT struct (native 64-bit
// thread register file).
type CONTEXT64 struct {
	P1Home uint64
	P2Home uint64
	P3Home uint64
	P4Home uint64
	P5Home uint64
	P6Home uint64

	ContextFlags uint32
	MxCsr        uint32

	SegCs  uint16
	SegDs  uint16
	SegEs  uint16
	SegFs  uint16
	SegGs  uint16
	SegSs  uint16
	EFlags uint32

	Dr0 uint64
	Dr1 uint64
	Dr2 uint64
	Dr3 uint64
	Dr6 uint64
	Dr7 uint64

	Rax uint64
	Rcx uint64
	Rdx uint64
	Rbx uint64
	Rsp uint64
	Rbp uint64
	Rsi uint64
	Rdi uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	Rip uint64

	FltSave XMMSaveArea32

	VectorRegister [26]M128A
	VectorControl  uint64

	DebugControl         uint64
	LastBranchToRip      uint64
	LastBranchFromRip    uint64
	LastExceptionToRip   uint64
	LastExceptionFromRip uint64
}

// FloatingSaveArea32 mirrors the legacy x87 save area embedded in the
// 32-bit WOW64_CONTEXT.
type FloatingSaveArea32 struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

// CONTEXT32 mirrors the Windows WOW64_CONTEXT struct (32-bit thread
// register file for a process running under WOW64).
type CONTEXT32 struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave FloatingSaveArea32

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

// Snapshot is a tagged register-file union for a single debuggee thread,
// grounded on the original implementation's DebugContext: a thread's
// bitness is a property of the owning process, never of the thread
// itself, so exactly one of X64/X86 is populated depending on whether
// the process is running natively or under WOW64.
type Snapshot struct {
	is64    bool
	X64     *CONTEXT64
	X86     *CONTEXT32
	Process uintptr
	Thread  uintptr
}

// NewCONTEXT64 allocates a CONTEXT64 aligned to 16 bytes, as required
// by GetThreadContext on amd64.
func NewCONTEXT64() *CONTEXT64 {
	var c *CONTEXT64
	buf := make([]byte, unsafe.Sizeof(*c)+15)
	return (*CONTEXT64)(unsafe.Pointer((uintptr(unsafe.Pointer(&buf[15]))) &^ 15))
}

// NewCONTEXT32 allocates a CONTEXT32 aligned to 4 bytes; no special
// alignment is required by Wow64GetThreadContext.
func NewCONTEXT32() *CONTEXT32 {
	return &CONTEXT32{}
}

// NewSnapshot64 wraps a native 64-bit context snapshot.
func NewSnapshot64(process, thread uintptr, ctx *CONTEXT64) *Snapshot {
	return &Snapshot{is64: true, X64: ctx, Process: process, Thread: thread}
}

// NewSnapshot32 wraps a WOW64 32-bit context snapshot.
func NewSnapshot32(process, thread uintptr, ctx *CONTEXT32) *Snapshot {
	return &Snapshot{is64: false, X86: ctx, Process: process, Thread: thread}
}

// Is64 reports whether this snapshot was taken from a native 64-bit
// thread, as opposed to a 32-bit thread running under WOW64.
func (s *Snapshot) Is64() bool {
	return s.is64
}

// PC returns the program counter (Rip or Eip) regardless of bitness.
func (s *Snapshot) PC() uint64 {
	if s.is64 {
		return s.X64.Rip
	}
	return uint64(s.X86.Eip)
}

// SP returns the stack pointer (Rsp or Esp) regardless of bitness.
func (s *Snapshot) SP() uint64 {
	if s.is64 {
		return s.X64.Rsp
	}
	return uint64(s.X86.Esp)
}

// BP returns the frame pointer (Rbp or Ebp) regardless of bitness.
func (s *Snapshot) BP() uint64 {
	if s.is64 {
		return s.X64.Rbp
	}
	return uint64(s.X86.Ebp)
}

// Closer is satisfied by anything that can release an OS thread
// handle; Snapshot.Close delegates to it rather than importing
// golang.org/x/sys/windows directly, keeping this package portable.
type Closer func(handle uintptr) error

// closeHandle is swapped out on Windows builds to the real
// CloseHandle wrapper; elsewhere Close is a no-op.
var closeHandle Closer = func(uintptr) error { return nil }

// SetHandleCloser installs the OS-specific handle-close function. The
// Windows facade package calls this once at init time.
func SetHandleCloser(c Closer) { closeHandle = c }

// Close releases the thread handle this snapshot holds open for
// StackWalk64. Safe to call more than once.
func (s *Snapshot) Close() error {
	if s.Thread == 0 {
		return nil
	}
	err := closeHandle(s.Thread)
	s.Thread = 0
	return err
}
