//go:build windows

package target

import (
	"encoding/binary"
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

var (
	modPsapi = syscall.NewLazyDLL("psapi.dll")

	procEnumProcessModulesEx = modPsapi.NewProc("EnumProcessModulesEx")
	procGetModuleFileNameExW = modPsapi.NewProc("GetModuleFileNameExW")
)

const listModulesAll = 0x03

func init() {
	threadctx.SetHandleCloser(func(h uintptr) error {
		return windows.CloseHandle(windows.Handle(h))
	})
}

// windowsFacade is the Facade implementation for a live, attached or
// just-launched debuggee on Windows. Grounded on the teacher's
// osProcessDetails (proc_windows.go) for the handle-holding shape, and
// on Debugger.cpp's EnumProcessModulesEx/GetModuleFileNameEx sequence
// for module enumeration.
type windowsFacade struct {
	pid      uint32
	hProcess windows.Handle
	isWow64  *bool
}

// NewWindowsFacade wraps an already-open process handle (obtained via
// CreateProcess or OpenProcess) into a Facade.
func NewWindowsFacade(pid uint32, hProcess windows.Handle) Facade {
	return &windowsFacade{pid: pid, hProcess: hProcess}
}

func (f *windowsFacade) Pid() uint32 { return f.pid }

func (f *windowsFacade) ProcessHandle() uintptr { return uintptr(f.hProcess) }

func (f *windowsFacade) Read(addr uintptr, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	var read uintptr
	err := windows.ReadProcessMemory(f.hProcess, addr, &buf[0], uintptr(len(buf)), &read)
	if err != nil {
		return fmt.Errorf("ReadProcessMemory(%#x, %d): %w", addr, len(buf), err)
	}
	if read != uintptr(len(buf)) {
		return fmt.Errorf("ReadProcessMemory(%#x, %d): short read of %d bytes", addr, len(buf), read)
	}
	return nil
}

func (f *windowsFacade) ReadValue(addr uintptr, size int) (uint64, error) {
	buf := make([]byte, size)
	if err := f.Read(addr, buf); err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	case 8:
		return binary.LittleEndian.Uint64(buf), nil
	default:
		return 0, fmt.Errorf("unsupported integer width %d", size)
	}
}

func (f *windowsFacade) ReadCString(addr uintptr, maxLen int) (string, error) {
	const chunk = 64
	var out []byte
	buf := make([]byte, chunk)
	for len(out) < maxLen {
		n := chunk
		if len(out)+n > maxLen {
			n = maxLen - len(out)
		}
		if err := f.Read(addr+uintptr(len(out)), buf[:n]); err != nil {
			return "", err
		}
		for i, b := range buf[:n] {
			if b == 0 {
				out = append(out, buf[:i]...)
				return string(out), nil
			}
		}
		out = append(out, buf[:n]...)
	}
	return "", ErrShortRead{Addr: addr, MaxLen: maxLen}
}

func (f *windowsFacade) ReadStringW(addr uintptr, maxLen int) (string, error) {
	units := make([]uint16, 0, 64)
	buf := make([]byte, 2)
	for len(units) < maxLen {
		if err := f.Read(addr+uintptr(len(units)*2), buf); err != nil {
			return "", err
		}
		u := binary.LittleEndian.Uint16(buf)
		if u == 0 {
			return windows.UTF16ToString(units), nil
		}
		units = append(units, u)
	}
	return "", ErrShortRead{Addr: addr, MaxLen: maxLen}
}

func (f *windowsFacade) IsWow64() (bool, error) {
	if f.isWow64 != nil {
		return *f.isWow64, nil
	}
	var wow64 uint32
	err := windows.IsWow64Process(f.hProcess, &wow64)
	if err != nil {
		return false, err
	}
	v := wow64 != 0
	f.isWow64 = &v
	return v, nil
}

func (f *windowsFacade) Terminate(exitCode uint32) error {
	return windows.TerminateProcess(f.hProcess, exitCode)
}

func (f *windowsFacade) EnumerateModules() ([]ModuleInfo, error) {
	var needed uint32
	ok, _, err := procEnumProcessModulesEx.Call(uintptr(f.hProcess), 0, 0, uintptr(unsafe.Pointer(&needed)), listModulesAll)
	if ok == 0 {
		return nil, fmt.Errorf("EnumProcessModulesEx (sizing): %w", err)
	}
	count := int(needed) / int(unsafe.Sizeof(windows.Handle(0)))
	if count == 0 {
		return nil, nil
	}
	handles := make([]windows.Handle, count)
	ok, _, err = procEnumProcessModulesEx.Call(
		uintptr(f.hProcess),
		uintptr(unsafe.Pointer(&handles[0])),
		uintptr(needed),
		uintptr(unsafe.Pointer(&needed)),
		listModulesAll,
	)
	if ok == 0 {
		return nil, fmt.Errorf("EnumProcessModulesEx: %w", err)
	}

	out := make([]ModuleInfo, 0, len(handles))
	for _, h := range handles {
		nameBuf := make([]uint16, windows.MAX_PATH)
		n, _, _ := procGetModuleFileNameExW.Call(
			uintptr(f.hProcess),
			uintptr(h),
			uintptr(unsafe.Pointer(&nameBuf[0])),
			uintptr(len(nameBuf)),
		)
		if n == 0 {
			continue
		}
		path := windows.UTF16ToString(nameBuf[:n])
		out = append(out, ModuleInfo{Base: uintptr(h), Path: path})
	}
	return out, nil
}

func (f *windowsFacade) GetThreadContext(tid uint32) (*threadctx.Snapshot, error) {
	// The returned Snapshot keeps this handle open for the stack-walk
	// phase (StackWalk64 needs a live thread handle, not just the saved
	// CONTEXT); callers must call Snapshot.Close when done with it.
	hThread, err := windows.OpenThread(windows.THREAD_GET_CONTEXT|windows.THREAD_QUERY_INFORMATION|windows.THREAD_SUSPEND_RESUME, false, tid)
	if err != nil {
		return nil, fmt.Errorf("OpenThread(%d): %w", tid, err)
	}

	wow64, err := f.IsWow64()
	if err != nil {
		windows.CloseHandle(hThread)
		return nil, err
	}

	if wow64 {
		ctx := threadctx.NewCONTEXT32()
		ctx.ContextFlags = contextFull32
		if err := wow64GetThreadContext(hThread, ctx); err != nil {
			windows.CloseHandle(hThread)
			return nil, fmt.Errorf("Wow64GetThreadContext(%d): %w", tid, err)
		}
		return threadctx.NewSnapshot32(uintptr(f.hProcess), uintptr(hThread), ctx), nil
	}

	ctx := threadctx.NewCONTEXT64()
	ctx.ContextFlags = contextFull64
	if err := getThreadContext(hThread, ctx); err != nil {
		windows.CloseHandle(hThread)
		return nil, fmt.Errorf("GetThreadContext(%d): %w", tid, err)
	}
	return threadctx.NewSnapshot64(uintptr(f.hProcess), uintptr(hThread), ctx), nil
}
