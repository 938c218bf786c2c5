//go:build windows

package stacktrace

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Grounded on other_examples/25smoking-Argus__dbghelp.go and
// other_examples/rabbitstack-fibratus__dbghelp.go: DbgHelp has no
// golang.org/x/sys/windows wrapper, and this repository cannot run
// mksyscall, so every entry point is hand-wrapped over a lazy DLL.
var (
	modDbghelp = syscall.NewLazyDLL("dbghelp.dll")

	procSymInitialize        = modDbghelp.NewProc("SymInitialize")
	procSymCleanup           = modDbghelp.NewProc("SymCleanup")
	procSymSetOptions        = modDbghelp.NewProc("SymSetOptions")
	procSymFromAddr          = modDbghelp.NewProc("SymFromAddr")
	procSymGetLineFromAddrW64 = modDbghelp.NewProc("SymGetLineFromAddrW64")
	procStackWalk64          = modDbghelp.NewProc("StackWalk64")
	procSymFunctionTableAccess64 = modDbghelp.NewProc("SymFunctionTableAccess64")
	procSymGetModuleBase64   = modDbghelp.NewProc("SymGetModuleBase64")
)

const (
	symoptAllowAbsoluteSymbols = 0x00000800
	symoptDeferredLoads        = 0x00000004
	symoptInclude32BitModules  = 0x00002000
	symoptLoadLines            = 0x00000010
	symoptUndname              = 0x00000002

	imageFileMachineI386  = 0x014c
	imageFileMachineAMD64 = 0x8664

	addrModeFlat = 3

	maxSymName = 2000
)

type address64 struct {
	Offset  uint64
	Segment uint16
	Mode    int32
}

type kdHelp64 struct {
	Thread                    uint64
	ThCallbackStack           uint32
	ThCallbackBStore          uint32
	NextCallback              uint32
	FramePointer              uint32
	KiCallUserMode            uint64
	KeUserCallbackDispatcher  uint64
	SystemRangeStart          uint64
	KiUserExceptionDispatcher uint64
	StackBase                 uint64
	StackLimit                uint64
	Reserved                  [5]uint64
}

type stackFrame64 struct {
	AddrPC         address64
	AddrReturn     address64
	AddrFrame      address64
	AddrStack      address64
	AddrBStore     address64
	FuncTableEntry uint64
	Params         [4]uint64
	Far            int32
	Virtual        int32
	Reserved       [3]uint64
	KdHelp         kdHelp64
}

type symbolInfo struct {
	SizeOfStruct uint32
	TypeIndex    uint32
	Reserved     [2]uint64
	Index        uint32
	Size         uint32
	ModBase      uint64
	Flags        uint32
	Value        uint64
	Address      uint64
	Register     uint32
	Scope        uint32
	Tag          uint32
	NameLen      uint32
	MaxNameLen   uint32
	Name         [maxSymName]uint16
}

type imagehlpLineW64 struct {
	SizeOfStruct uint32
	Key          uintptr
	LineNumber   uint32
	FileName     *uint16
	Address      uint64
}

// DbgHelpSymbolService is a SymbolService backed by the DbgHelp symbol
// engine running against a single target process. Grounded on
// DebugStackTrace's use of SymInitialize/SymSetOptions/SymFromAddr/
// SymGetLineFromAddrW64/StackWalk64/SymCleanup, called here through
// hand-written lazy-DLL wrappers instead of mksyscall-generated ones.
//
// The thread handle StackWalk64 needs is read from each Snapshot's own
// Thread field rather than bound at construction time, since one
// service instance is reused across exceptions on different threads
// over the lifetime of a live debugging session.
type DbgHelpSymbolService struct {
	hProcess windows.Handle
}

// NewDbgHelpSymbolService creates a symbol service bound to a process;
// the process handle backs every symbol/line lookup and every
// StackWalk64 call.
func NewDbgHelpSymbolService(hProcess windows.Handle) *DbgHelpSymbolService {
	return &DbgHelpSymbolService{hProcess: hProcess}
}

func (s *DbgHelpSymbolService) Init(searchPath string) error {
	procSymSetOptions.Call(uintptr(
		symoptAllowAbsoluteSymbols | symoptDeferredLoads | symoptInclude32BitModules | symoptLoadLines | symoptUndname,
	))

	var pathPtr uintptr
	if searchPath != "" {
		p, err := syscall.BytePtrFromString(searchPath)
		if err != nil {
			return err
		}
		pathPtr = uintptr(unsafe.Pointer(p))
	}

	ret, _, err := procSymInitialize.Call(uintptr(s.hProcess), pathPtr, 1)
	if ret == 0 {
		return err
	}
	return nil
}

func (s *DbgHelpSymbolService) Cleanup() {
	procSymCleanup.Call(uintptr(s.hProcess))
}

func (s *DbgHelpSymbolService) NextFrame(ctx *threadctx.Snapshot, prev *walkFrame) (walkFrame, bool) {
	machineType := uintptr(imageFileMachineAMD64)
	var contextPtr unsafe.Pointer

	frame := stackFrame64{}
	if prev != nil {
		frame.AddrPC.Offset = uint64(prev.PC)
		frame.AddrFrame.Offset = uint64(prev.Frame)
		frame.AddrStack.Offset = uint64(prev.Stack)
	} else if ctx.Is64() {
		frame.AddrPC.Offset = ctx.X64.Rip
		frame.AddrFrame.Offset = ctx.X64.Rbp
		frame.AddrStack.Offset = ctx.X64.Rsp
	} else {
		machineType = imageFileMachineI386
		frame.AddrPC.Offset = uint64(ctx.X86.Eip)
		frame.AddrFrame.Offset = uint64(ctx.X86.Ebp)
		frame.AddrStack.Offset = uint64(ctx.X86.Esp)
	}
	frame.AddrPC.Mode = addrModeFlat
	frame.AddrFrame.Mode = addrModeFlat
	frame.AddrStack.Mode = addrModeFlat

	if ctx.Is64() {
		contextPtr = unsafe.Pointer(ctx.X64)
	} else {
		contextPtr = unsafe.Pointer(ctx.X86)
	}

	ret, _, _ := procStackWalk64.Call(
		machineType,
		uintptr(s.hProcess),
		ctx.Thread,
		uintptr(unsafe.Pointer(&frame)),
		uintptr(contextPtr),
		0,
		procSymFunctionTableAccess64.Addr(),
		procSymGetModuleBase64.Addr(),
		0,
	)
	if ret == 0 {
		return walkFrame{}, false
	}

	return walkFrame{
		PC:     uintptr(frame.AddrPC.Offset),
		Frame:  uintptr(frame.AddrFrame.Offset),
		Stack:  uintptr(frame.AddrStack.Offset),
		Return: uintptr(frame.AddrReturn.Offset),
	}, true
}

func (s *DbgHelpSymbolService) SymbolAt(address uintptr) (Symbol, bool) {
	var sym symbolInfo
	sym.SizeOfStruct = uint32(unsafe.Sizeof(sym)) - maxSymName*2
	sym.MaxNameLen = maxSymName

	var displacement uint64
	ret, _, _ := procSymFromAddr.Call(uintptr(s.hProcess), uintptr(address), uintptr(unsafe.Pointer(&displacement)), uintptr(unsafe.Pointer(&sym)))
	if ret == 0 {
		return Symbol{}, false
	}

	name := windows.UTF16ToString(sym.Name[:sym.NameLen])
	return Symbol{
		Name:         name,
		Address:      uintptr(sym.Address),
		ModuleBase:   uintptr(sym.ModBase),
		Displacement: displacement,
	}, true
}

func (s *DbgHelpSymbolService) LineAt(address uintptr) (Line, bool) {
	var line imagehlpLineW64
	line.SizeOfStruct = uint32(unsafe.Sizeof(line))

	var displacement uint32
	ret, _, _ := procSymGetLineFromAddrW64.Call(uintptr(s.hProcess), uintptr(address), uintptr(unsafe.Pointer(&displacement)), uintptr(unsafe.Pointer(&line)))
	if ret == 0 {
		return Line{}, false
	}

	file := ""
	if line.FileName != nil {
		file = windows.UTF16PtrToString(line.FileName)
	}

	return Line{
		File:         file,
		LineNumber:   line.LineNumber,
		LineAddress:  uintptr(line.Address),
		Displacement: displacement,
	}, true
}
