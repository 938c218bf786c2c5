//go:build windows

package pump

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"
	"unicode"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

const (
	dbgContinue           = 0x00010002
	dbgExceptionNotHandled = 0x80010001
	infinite              = 0xFFFFFFFF
)

// jitDebugInfo mirrors WinBase.h's _JIT_DEBUG_INFO, the struct a
// registered JIT debugger (crashsnap's postmortem entry point) is
// handed a pointer to on attach. Grounded on Debugger.cpp's Attach(),
// which reads this same struct out of the faulting process.
type jitDebugInfo struct {
	Size                    uint32
	ProcessorArchitecture   uint32
	ThreadID                uint32
	_                       uint32
	ExceptionAddress        uint64
	ExceptionRecord         uint64
	ContextRecord           uint64
}

// Run drives the live WaitForDebugEvent loop against an already
// DebugActiveProcess'd target until EXIT_PROCESS_DEBUG_EVENT, emitting
// normalized events to every registered Sink. Grounded verbatim on
// Debugger::Tick/Start's dispatch switch.
func (p *Pump) Run() error {
	log := logflags.PumpLogger()
	now := time.Now()
	for _, s := range p.sinks {
		s.OnInitialization(now, p.facade.Pid(), "")
	}

	for {
		var ev target.DebugEvent
		if err := target.WaitForDebugEvent(&ev, infinite); err != nil {
			log.Warnf("WaitForDebugEvent: %v", err)
			continue
		}

		pi := ProcessInfo{ProcessId: ev.ProcessId, ThreadId: ev.ThreadId}
		d := decodeDebugEvent(&ev)
		continueStatus := uint32(dbgContinue)
		stop := false

		switch d.code {
		case eventException:
			continueStatus = dbgExceptionNotHandled
			stop = p.dispatchException(pi, d.exception)

		case eventCreateProcess:
			p.dispatchCreateProcess(pi, d.process)

		case eventCreateThread:
			p.dispatchCreateThread(pi, d.thread)

		case eventExitProcess:
			p.dispatchExit(pi, d.exit, true)
			stop = true

		case eventExitThread:
			p.dispatchExit(pi, d.exit, false)

		case eventLoadDll:
			p.dispatchLoadDll(pi, d.loadDll)

		case eventUnloadDll:
			p.dispatchUnloadDll(pi, d.unloadDll)

		case eventOutputDebugString:
			p.dispatchDebugString(pi, d.debugStr)

		case eventRip:
			p.dispatchRip(pi, d.rip)
		}

		if err := target.ContinueDebugEvent(ev.ProcessId, ev.ThreadId, continueStatus); err != nil {
			log.Warnf("ContinueDebugEvent: %v", err)
		}

		if stop {
			break
		}
	}

	finalTime := time.Now()
	for _, s := range p.sinks {
		s.OnModuleCollectionComplete(finalTime, p.modules)
	}
	return nil
}

// dispatchException normalizes EXCEPTION_DEBUG_EVENT, differentiating
// breakpoints from any other exception the way Tick's inner switch
// does, and returns true if this exception should end the loop (it
// never does on Windows' debug protocol; exit is always signaled via
// EXIT_PROCESS_DEBUG_EVENT, kept here only for symmetry with the other
// dispatch helpers).
func (p *Pump) dispatchException(pi ProcessInfo, info *rawExceptionDebugInfo) bool {
	code := info.ExceptionRecord.ExceptionCode
	now := time.Now()

	// The Visual-C thread-naming exception must be silently continued:
	// surfacing it as a crash event would misrepresent a routine
	// SetThreadName call as a fault.
	if code == ehExceptionThreadName {
		return false
	}

	parameters := info.ExceptionRecord.ExceptionInformation[:info.ExceptionRecord.NumberParameters]

	snap, err := p.facade.GetThreadContext(pi.ThreadId)
	if err != nil {
		logflags.PumpLogger().Warnf("GetThreadContext(%d): %v", pi.ThreadId, err)
	}
	if snap != nil {
		defer snap.Close()
	}

	ev := ExceptionEvent{
		Code:             code,
		Address:          info.ExceptionRecord.ExceptionAddress,
		Flags:            info.ExceptionRecord.ExceptionFlags,
		Parameters:       append([]uintptr(nil), parameters...),
		FirstChance:      info.FirstChance != 0,
		Name:             ExceptionName(code),
		Context:          snap,
		IsWow64Exception: code == statusWx86Breakpoint || code == statusWx86SingleStep,
	}
	if snap != nil {
		ev.Trace = p.buildTrace(snap)
		ev.RTTI = p.decodeRTTI(code, ev.Parameters, snap.Is64())
	}

	if IsBreakpoint(code) {
		for _, s := range p.sinks {
			s.OnBreakpointHit(now, pi, ev, p.modules)
		}
		if p.opts.BreakOnBreakpoint {
			p.handleBreakpointOptions()
		}
		return false
	}

	for _, s := range p.sinks {
		s.OnException(now, pi, ev, p.modules)
	}
	if p.opts.BreakOnException && (!p.opts.BreakOnFirstChanceOnly || ev.FirstChance) {
		p.handleBreakpointOptions()
	}
	return false
}

func (p *Pump) dispatchCreateProcess(pi ProcessInfo, info *rawCreateProcessDebugInfo) {
	path := p.resolveImagePath(info.File, info.ImageName, info.Unicode != 0)
	p.modules.Load(p.facade, path, info.BaseOfImage)

	ev := CreateProcessEvent{Path: path, ModuleBase: info.BaseOfImage, EntryPoint: info.StartAddress}
	if m, ok := p.modules.Active(info.BaseOfImage); ok {
		ev.ModuleSize = m.Size
	}
	now := time.Now()
	for _, s := range p.sinks {
		s.OnCreateProcess(now, pi, ev, p.modules)
	}
}

func (p *Pump) dispatchCreateThread(pi ProcessInfo, info *rawCreateThreadDebugInfo) {
	ev := CreateThreadEvent{EntryPoint: info.StartAddress, ModuleIndex: -1}
	if mod, ok := p.modules.ModuleAtAddress(info.StartAddress); ok {
		ev.ModuleIndex = p.modules.IndexOfPath(mod.Path)
		ev.ModuleOffset = info.StartAddress - mod.Base
	}
	now := time.Now()
	for _, s := range p.sinks {
		s.OnCreateThread(now, pi, ev, p.modules)
	}
}

func (p *Pump) dispatchExit(pi ProcessInfo, info *rawExitProcessDebugInfo, process bool) {
	ev := ExitEvent{ExitCode: info.ExitCode}
	now := time.Now()
	for _, s := range p.sinks {
		if process {
			s.OnExitProcess(now, pi, ev, p.modules)
		} else {
			s.OnExitThread(now, pi, ev, p.modules)
		}
	}
}

func (p *Pump) dispatchLoadDll(pi ProcessInfo, info *rawLoadDllDebugInfo) {
	path := p.resolveImagePath(info.File, info.ImageName, info.Unicode != 0)
	if err := p.modules.Load(p.facade, path, info.BaseOfDll); err != nil {
		logflags.PumpLogger().Debugf("module size resolution failed for %s: %v", path, err)
		p.modules.LoadWithSize(path, info.BaseOfDll, 0)
	}

	ev := DllEvent{Path: path, ModuleBase: info.BaseOfDll, ModuleIndex: p.modules.IndexOfPath(path)}
	if m, ok := p.modules.Active(info.BaseOfDll); ok {
		ev.ModuleSize = m.Size
	}
	now := time.Now()
	for _, s := range p.sinks {
		s.OnDllLoad(now, pi, ev, p.modules)
	}
}

func (p *Pump) dispatchUnloadDll(pi ProcessInfo, info *rawUnloadDllDebugInfo) {
	mod, _ := p.modules.Active(info.BaseOfDll)
	ev := DllEvent{Path: mod.Path, ModuleBase: info.BaseOfDll, ModuleSize: mod.Size, ModuleIndex: p.modules.IndexOfPath(mod.Path)}
	now := time.Now()
	for _, s := range p.sinks {
		s.OnDllUnload(now, pi, ev, p.modules)
	}
	p.modules.Unload(info.BaseOfDll)
}

func (p *Pump) dispatchDebugString(pi ProcessInfo, info *rawOutputDebugStringInfo) {
	now := time.Now()
	if info.Unicode == 0 {
		msg, _ := p.facade.ReadCString(info.DebugStringData, int(info.Length))
		ev := DebugStringEvent{Message: strings.TrimRight(msg, "\x00\r\n")}
		for _, s := range p.sinks {
			s.OnDebugString(now, pi, ev)
		}
		return
	}
	msg, _ := p.facade.ReadStringW(info.DebugStringData, int(info.Length))
	ev := DebugStringEvent{Message: strings.TrimRight(msg, "\x00\r\n")}
	for _, s := range p.sinks {
		s.OnDebugStringW(now, pi, ev)
	}
}

func (p *Pump) dispatchRip(pi ProcessInfo, info *rawRipInfo) {
	ev := RipEvent{Type: info.Type, ErrorCode: info.Error, ErrorMessage: formatSystemError(info.Error)}
	now := time.Now()
	for _, s := range p.sinks {
		s.OnRip(now, pi, ev)
	}
}

func (p *Pump) resolveImagePath(hFile windows.Handle, imageName uintptr, unicode bool) string {
	if path, err := pathFromFileHandle(hFile); err == nil && path != "" {
		return path
	}
	if imageName == 0 {
		return ""
	}
	buf := addrBuf()
	var ptr uintptr
	if err := p.facade.Read(imageName, buf); err == nil {
		ptr = readPtr(buf)
	}
	if ptr == 0 {
		return ""
	}
	if unicode {
		s, _ := p.facade.ReadStringW(ptr, windows.MAX_PATH)
		return s
	}
	s, _ := p.facade.ReadCString(ptr, windows.MAX_PATH)
	return s
}

// addrBuf/readPtr exist only to give resolveImagePath a pointer-sized
// scratch buffer without allocating one per call site by hand.
func addrBuf() []byte { return make([]byte, unsafe.Sizeof(uintptr(0))) }

func readPtr(b []byte) uintptr {
	var v uintptr
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uintptr(b[i])
	}
	return v
}

// pathFromFileHandle resolves a HANDLE opened by the loader for a
// LOAD_DLL/CREATE_PROCESS event to its full path via
// GetFinalPathNameByHandleW, then closes it — the loader hands the
// debugger ownership of the handle. Grounded on Path::GetPathFromFileHandleW.
func pathFromFileHandle(h windows.Handle) (string, error) {
	if h == 0 || h == windows.InvalidHandle {
		return "", fmt.Errorf("no file handle")
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	n, err := windows.GetFinalPathNameByHandle(h, &buf[0], uint32(len(buf)), 0)
	if err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:n]), nil
}

// handleBreakpointOptions blocks for an operator keypress before
// resuming, mirroring Debugger::HandleBreakpointOptions. 'c' continues;
// 'a' kills the debuggee on detach and exits the whole process; any
// other key is ignored and the prompt keeps waiting.
func (p *Pump) handleBreakpointOptions() {
	fmt.Println("[c]ontinue or [a]bort?")
	reader := bufio.NewReader(os.Stdin)
	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			return
		}
		choice := unicode.ToLower(r)
		if choice == 'c' {
			return
		}
		if choice == 'a' {
			target.DebugSetProcessKillOnExit(true)
			os.Exit(0)
		}
	}
}

// formatSystemError resolves a Windows system error code to its
// human-readable message via FormatMessageW, hand-wrapped because
// golang.org/x/sys/windows exposes no FormatMessage helper that
// accepts a plain error code without an HRESULT wrapper. Grounded on
// Error::GetErrorMessageW.
var (
	modKernel32ForMessages = syscall.NewLazyDLL("kernel32.dll")
	procFormatMessageW      = modKernel32ForMessages.NewProc("FormatMessageW")
)

const (
	formatMessageFromSystem    = 0x00001000
	formatMessageIgnoreInserts = 0x00000200
)

func formatSystemError(code uint32) string {
	buf := make([]uint16, 512)
	n, _, _ := procFormatMessageW.Call(
		uintptr(formatMessageFromSystem|formatMessageIgnoreInserts),
		0,
		uintptr(code),
		0,
		uintptr(unsafe.Pointer(&buf[0])),
		uintptr(len(buf)),
		0,
	)
	if n == 0 {
		return fmt.Sprintf("unknown error %#x", code)
	}
	return strings.TrimRight(windows.UTF16ToString(buf[:n]), "\r\n")
}

// RunPostmortem implements the JIT-attach postmortem path: the OS has
// already suspended the crashing process and handed crashsnap a
// pointer to a JIT_DEBUG_INFO structure; this reads that structure,
// the faulting thread's context and exception record, emits exactly
// one synthetic exception event (after simulating LOAD_DLL for every
// already-loaded module), then kills the process and signals jitEvent
// so Windows Error Reporting considers the crash handled. Grounded on
// Debugger::Attach's `m_Jit != nullptr` branch.
func (p *Pump) RunPostmortem(jitInfoAddr uintptr, jitEvent windows.Handle) error {
	now := time.Now()
	for _, s := range p.sinks {
		s.OnInitialization(now, p.facade.Pid(), "")
	}

	var info jitDebugInfo
	if err := readJitDebugInfo(p.facade, jitInfoAddr, &info); err != nil {
		return fmt.Errorf("read JIT_DEBUG_INFO: %w", err)
	}

	p.enumerateExistingModules()

	snap, err := p.readJitThreadContext(&info)
	if err != nil {
		return fmt.Errorf("read JIT context record: %w", err)
	}
	defer snap.Close()

	var rec rawExceptionRecord
	if err := readExceptionRecord(p.facade, uintptr(info.ExceptionRecord), &rec); err != nil {
		return fmt.Errorf("read exception record: %w", err)
	}
	rec.ExceptionAddress = uintptr(info.ExceptionAddress)

	code := rec.ExceptionCode
	parameters := append([]uintptr(nil), rec.ExceptionInformation[:rec.NumberParameters]...)

	ev := ExceptionEvent{
		Code:        code,
		Address:     rec.ExceptionAddress,
		Flags:       rec.ExceptionFlags,
		Parameters:  parameters,
		FirstChance: false,
		Name:        ExceptionName(code),
		Context:     snap,
		Trace:       p.buildTrace(snap),
		RTTI:        p.decodeRTTI(code, parameters, snap.Is64()),
	}

	pi := ProcessInfo{ProcessId: p.facade.Pid(), ThreadId: info.ThreadID}
	for _, s := range p.sinks {
		s.OnException(now, pi, ev, p.modules)
		s.OnModuleCollectionComplete(now, p.modules)
	}

	p.facade.Terminate(code)
	windows.SetEvent(jitEvent)
	return nil
}

// enumerateExistingModules lists every module already mapped into the
// crashing process and simulates a LOAD_DLL event for each, so the
// module index and every Sink see the full image set even though the
// real loads happened before crashsnap attached. Grounded on
// Debugger::EnumerateProcessModules.
func (p *Pump) enumerateExistingModules() {
	mods, err := p.facade.EnumerateModules()
	if err != nil {
		logflags.PumpLogger().Warnf("EnumerateModules: %v", err)
		return
	}
	now := time.Now()
	for _, m := range mods {
		if err := p.modules.Load(p.facade, m.Path, m.Base); err != nil {
			p.modules.LoadWithSize(m.Path, m.Base, 0)
		}
		active, _ := p.modules.Active(m.Base)
		ev := DllEvent{Path: m.Path, ModuleBase: m.Base, ModuleSize: active.Size, ModuleIndex: p.modules.IndexOfPath(m.Path)}
		for _, s := range p.sinks {
			s.OnDllLoad(now, ProcessInfo{ProcessId: p.facade.Pid()}, ev, p.modules)
		}
	}
}

// readJitThreadContext reads the CONTEXT/WOW64_CONTEXT record directly
// out of the crashing process' memory at JIT_DEBUG_INFO.lpContextRecord,
// the same raw memory read Debugger::Attach performs rather than a
// fresh GetThreadContext call — the thread is already suspended inside
// the exception, so the saved record is authoritative.
func (p *Pump) readJitThreadContext(info *jitDebugInfo) (*threadctx.Snapshot, error) {
	wow64, err := p.facade.IsWow64()
	if err != nil {
		return nil, err
	}

	hThread, err := windows.OpenThread(windows.THREAD_ALL_ACCESS, false, info.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("OpenThread(%d): %w", info.ThreadID, err)
	}
	defer windows.CloseHandle(hThread)

	if wow64 {
		ctx := threadctx.NewCONTEXT32()
		buf := make([]byte, unsafe.Sizeof(*ctx))
		if err := p.facade.Read(uintptr(info.ContextRecord), buf); err != nil {
			return nil, err
		}
		*ctx = *(*threadctx.CONTEXT32)(unsafe.Pointer(&buf[0]))
		return threadctx.NewSnapshot32(p.facade.ProcessHandle(), uintptr(hThread), ctx), nil
	}

	ctx := threadctx.NewCONTEXT64()
	buf := make([]byte, unsafe.Sizeof(*ctx))
	if err := p.facade.Read(uintptr(info.ContextRecord), buf); err != nil {
		return nil, err
	}
	*ctx = *(*threadctx.CONTEXT64)(unsafe.Pointer(&buf[0]))
	return threadctx.NewSnapshot64(p.facade.ProcessHandle(), uintptr(hThread), ctx), nil
}

func readJitDebugInfo(facade target.Facade, addr uintptr, out *jitDebugInfo) error {
	buf := make([]byte, unsafe.Sizeof(*out))
	if err := facade.Read(addr, buf); err != nil {
		return err
	}
	*out = *(*jitDebugInfo)(unsafe.Pointer(&buf[0]))
	return nil
}

func readExceptionRecord(facade target.Facade, addr uintptr, out *rawExceptionRecord) error {
	buf := make([]byte, unsafe.Sizeof(*out))
	if err := facade.Read(addr, buf); err != nil {
		return err
	}
	*out = *(*rawExceptionRecord)(unsafe.Pointer(&buf[0]))
	return nil
}
