// Package pump drives the Windows debug-event loop, in both live
// (WaitForDebugEvent) and postmortem/JIT-attach modes, normalizes each
// event into a small set of Go structs, and fans them out to every
// registered Sink.
//
// Grounded on original_source/hindsight's Debugger.cpp (the live Tick
// loop and the Attach() postmortem branch) and IDebuggerEventHandler.hpp
// (the Sink method set, reproduced here as a Go interface).
package pump

import (
	"time"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// ProcessInfo identifies the process/thread pair an event occurred on.
type ProcessInfo struct {
	ProcessId uint32
	ThreadId  uint32
}

// ExceptionEvent describes an EXCEPTION_DEBUG_EVENT, whether it is a
// breakpoint hit or any other exception.
type ExceptionEvent struct {
	Code             uint32
	Address          uintptr
	Flags            uint32
	Parameters       []uintptr
	FirstChance      bool
	Name             string // resolved from the frozen exception-name table, may be empty
	Context          *threadctx.Snapshot
	Trace            *stacktrace.Trace
	RTTI             *rtti.Summary // non-nil only for EH_EXCEPTION_NUMBER with EH_MAGIC_NUMBER1
	IsWow64Exception bool          // true for STATUS_WX86_* variants under WOW64
}

// CreateProcessEvent describes CREATE_PROCESS_DEBUG_EVENT.
type CreateProcessEvent struct {
	Path        string
	ModuleBase  uintptr
	ModuleSize  uint64
	EntryPoint  uintptr
}

// CreateThreadEvent describes CREATE_THREAD_DEBUG_EVENT.
type CreateThreadEvent struct {
	EntryPoint    uintptr
	ModuleIndex   int
	ModuleOffset  uintptr
}

// ExitEvent describes EXIT_PROCESS_DEBUG_EVENT / EXIT_THREAD_DEBUG_EVENT.
type ExitEvent struct {
	ExitCode uint32
}

// DllEvent describes LOAD_DLL_DEBUG_EVENT / UNLOAD_DLL_DEBUG_EVENT.
type DllEvent struct {
	Path        string
	ModuleBase  uintptr
	ModuleSize  uint64
	ModuleIndex int
}

// DebugStringEvent describes OUTPUT_DEBUG_STRING_EVENT.
type DebugStringEvent struct {
	Message string
}

// RipEvent describes RIP_EVENT.
type RipEvent struct {
	Type         uint32
	ErrorCode    uint32
	ErrorMessage string
}

// Sink receives normalized debug events, either live or replayed from a
// binary log. Every implementation (the binary-log writer, the textual
// formatter, the replayer's forwarding target) satisfies this single
// interface. Grounded verbatim on IDebuggerEventHandler.hpp's method
// set.
type Sink interface {
	OnInitialization(t time.Time, pid uint32, path string)
	OnBreakpointHit(t time.Time, pi ProcessInfo, ev ExceptionEvent, modules *moduleindex.Index)
	OnException(t time.Time, pi ProcessInfo, ev ExceptionEvent, modules *moduleindex.Index)
	OnCreateProcess(t time.Time, pi ProcessInfo, ev CreateProcessEvent, modules *moduleindex.Index)
	OnCreateThread(t time.Time, pi ProcessInfo, ev CreateThreadEvent, modules *moduleindex.Index)
	OnExitProcess(t time.Time, pi ProcessInfo, ev ExitEvent, modules *moduleindex.Index)
	OnExitThread(t time.Time, pi ProcessInfo, ev ExitEvent, modules *moduleindex.Index)
	OnDllLoad(t time.Time, pi ProcessInfo, ev DllEvent, modules *moduleindex.Index)
	OnDllUnload(t time.Time, pi ProcessInfo, ev DllEvent, modules *moduleindex.Index)
	OnDebugString(t time.Time, pi ProcessInfo, ev DebugStringEvent)
	OnDebugStringW(t time.Time, pi ProcessInfo, ev DebugStringEvent)
	OnRip(t time.Time, pi ProcessInfo, ev RipEvent)
	OnModuleCollectionComplete(t time.Time, modules *moduleindex.Index)
}
