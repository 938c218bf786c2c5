//go:build windows

package target

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// golang.org/x/sys/windows exposes GetThreadContext for the native
// amd64 CONTEXT but has no Wow64GetThreadContext wrapper, and this
// repository cannot run mksyscall to generate one. Grounded on
// other_examples/25smoking-Argus__dbghelp.go's NewLazyDLL pattern,
// the two context calls and the debug-event primitives the event pump
// needs are hand-wrapped here instead.
var (
	modKernel32 = syscall.NewLazyDLL("kernel32.dll")

	procGetThreadContext      = modKernel32.NewProc("GetThreadContext")
	procWow64GetThreadContext = modKernel32.NewProc("Wow64GetThreadContext")
	procWow64SetThreadContext = modKernel32.NewProc("Wow64SetThreadContext")

	procWaitForDebugEvent       = modKernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent      = modKernel32.NewProc("ContinueDebugEvent")
	procDebugActiveProcess      = modKernel32.NewProc("DebugActiveProcess")
	procDebugActiveProcessStop  = modKernel32.NewProc("DebugActiveProcessStop")
	procDebugBreakProcess       = modKernel32.NewProc("DebugBreakProcess")
	procDebugSetProcessKillOnExit = modKernel32.NewProc("DebugSetProcessKillOnExit")
)

const (
	contextAMD64 = 0x00100000
	contextI386  = 0x00010000

	contextControl         = 0x1
	contextInteger         = 0x2
	contextSegments        = 0x4
	contextFloatingPoint   = 0x8
	contextDebugRegisters  = 0x10

	contextFull64 = contextAMD64 | contextControl | contextInteger | contextFloatingPoint
	contextFull32 = contextI386 | contextControl | contextInteger | contextSegments
)

func getThreadContext(h windows.Handle, ctx *threadctx.CONTEXT64) error {
	ret, _, err := procGetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx)))
	if ret == 0 {
		return err
	}
	return nil
}

func wow64GetThreadContext(h windows.Handle, ctx *threadctx.CONTEXT32) error {
	ret, _, err := procWow64GetThreadContext.Call(uintptr(h), uintptr(unsafe.Pointer(ctx)))
	if ret == 0 {
		return err
	}
	return nil
}

// DebugEvent mirrors the fixed-size head of Windows' DEBUG_EVENT union,
// grounded on syscall_windows.go's _DEBUG_EVENT. The 160-byte tail
// holds whichever *_DEBUG_INFO variant DebugEventCode selects; callers
// reinterpret it via unsafe.Pointer the same way the teacher does.
type DebugEvent struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32
	U              [160]byte
}

// WaitForDebugEvent blocks (up to millis, or forever if millis is
// INFINITE) for the next debug event targeting a process this thread
// is attached to as a debugger.
func WaitForDebugEvent(ev *DebugEvent, millis uint32) error {
	ret, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(ev)), uintptr(millis))
	if ret == 0 {
		return err
	}
	return nil
}

// ContinueDebugEvent resumes the thread that reported the last debug
// event for pid/tid, with the given continuation status (DBG_CONTINUE
// or DBG_EXCEPTION_NOT_HANDLED).
func ContinueDebugEvent(pid, tid, continueStatus uint32) error {
	ret, _, err := procContinueDebugEvent.Call(uintptr(pid), uintptr(tid), uintptr(continueStatus))
	if ret == 0 {
		return err
	}
	return nil
}

// DebugActiveProcess attaches the calling process as a debugger to an
// already-running process, triggering the postmortem/live-attach path.
func DebugActiveProcess(pid uint32) error {
	ret, _, err := procDebugActiveProcess.Call(uintptr(pid))
	if ret == 0 {
		return err
	}
	return nil
}

// DebugActiveProcessStop detaches the calling process as a debugger
// from pid, leaving it running.
func DebugActiveProcessStop(pid uint32) error {
	ret, _, err := procDebugActiveProcessStop.Call(uintptr(pid))
	if ret == 0 {
		return err
	}
	return nil
}

// DebugBreakProcess injects a breakpoint into a running process this
// process is not necessarily already debugging, prompting the OS to
// invoke the registered JIT debugger (crashsnap's postmortem entry
// point) if no debugger is already attached.
func DebugBreakProcess(hProcess windows.Handle) error {
	ret, _, err := procDebugBreakProcess.Call(uintptr(hProcess))
	if ret == 0 {
		return err
	}
	return nil
}

// DebugSetProcessKillOnExit controls whether debuggees are killed when
// the debugger detaches/exits.
func DebugSetProcessKillOnExit(killOnExit bool) error {
	v := uintptr(0)
	if killOnExit {
		v = 1
	}
	ret, _, err := procDebugSetProcessKillOnExit.Call(v)
	if ret == 0 {
		return err
	}
	return nil
}
