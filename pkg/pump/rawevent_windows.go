//go:build windows

package pump

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/target"
)

// Mirrors syscall_windows.go's _DEBUG_EVENT union members, grounded on
// the teacher's own struct defs (pkg/proc/native/syscall_windows.go).
const (
	eventException        = 1
	eventCreateThread      = 2
	eventCreateProcess     = 3
	eventExitThread        = 4
	eventExitProcess       = 5
	eventLoadDll           = 6
	eventUnloadDll         = 7
	eventOutputDebugString = 8
	eventRip               = 9
)

const exceptionMaximumParameters = 15

type rawExceptionRecord struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      uintptr
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [exceptionMaximumParameters]uintptr
}

type rawExceptionDebugInfo struct {
	ExceptionRecord rawExceptionRecord
	FirstChance     uint32
}

type rawCreateProcessDebugInfo struct {
	File                windows.Handle
	Process             windows.Handle
	Thread              windows.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type rawCreateThreadDebugInfo struct {
	Thread          windows.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type rawExitProcessDebugInfo struct {
	ExitCode uint32
}

type rawLoadDllDebugInfo struct {
	File                windows.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type rawUnloadDllDebugInfo struct {
	BaseOfDll uintptr
}

type rawOutputDebugStringInfo struct {
	DebugStringData uintptr
	Unicode         uint16
	Length          uint16
}

type rawRipInfo struct {
	Error uint32
	Type  uint32
}

// decoded is a normalized, already-typed view of one raw Windows debug
// event, before any module-index or stack-trace enrichment.
type decoded struct {
	code      uint32
	pid, tid  uint32
	exception *rawExceptionDebugInfo
	process   *rawCreateProcessDebugInfo
	thread    *rawCreateThreadDebugInfo
	exit      *rawExitProcessDebugInfo
	loadDll   *rawLoadDllDebugInfo
	unloadDll *rawUnloadDllDebugInfo
	debugStr  *rawOutputDebugStringInfo
	rip       *rawRipInfo
}

func decodeDebugEvent(ev *target.DebugEvent) *decoded {
	d := &decoded{code: ev.DebugEventCode, pid: ev.ProcessId, tid: ev.ThreadId}
	base := unsafe.Pointer(&ev.U[0])
	switch ev.DebugEventCode {
	case eventException:
		d.exception = (*rawExceptionDebugInfo)(base)
	case eventCreateProcess:
		d.process = (*rawCreateProcessDebugInfo)(base)
	case eventCreateThread:
		d.thread = (*rawCreateThreadDebugInfo)(base)
	case eventExitProcess, eventExitThread:
		d.exit = (*rawExitProcessDebugInfo)(base)
	case eventLoadDll:
		d.loadDll = (*rawLoadDllDebugInfo)(base)
	case eventUnloadDll:
		d.unloadDll = (*rawUnloadDllDebugInfo)(base)
	case eventOutputDebugString:
		d.debugStr = (*rawOutputDebugStringInfo)(base)
	case eventRip:
		d.rip = (*rawRipInfo)(base)
	}
	return d
}
