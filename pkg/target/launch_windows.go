//go:build windows

package target

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/windows"
)

// debugOnlyThisProcess is CREATE_PROCESS's DEBUG_ONLY_THIS_PROCESS flag:
// the new process is created suspended-for-debug-events but no child it
// later spawns is implicitly debugged too.
const debugOnlyThisProcess = 0x00000002

// Launched describes a freshly started debuggee, before the first
// CREATE_PROCESS_DEBUG_EVENT has even been read off the debug-event
// queue by the caller's WaitForDebugEvent loop.
type Launched struct {
	Pid      uint32
	HProcess windows.Handle
}

// Launch starts path as a new process under debug-event supervision,
// the same os.StartProcess plus DEBUG_ONLY_THIS_PROCESS flag combination
// the teacher's native.Launch uses, generalized to return just the
// handle/pid pair a Facade needs rather than a fully wired debug target.
func Launch(path string, args []string, wd string) (*Launched, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	attr := &os.ProcAttr{
		Dir:   wd,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys:   &syscall.SysProcAttr{CreationFlags: debugOnlyThisProcess},
	}
	p, err := os.StartProcess(abs, append([]string{abs}, args...), attr)
	if err != nil {
		return nil, fmt.Errorf("StartProcess(%s): %w", abs, err)
	}
	defer p.Release()

	hProcess, err := windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, uint32(p.Pid))
	if err != nil {
		return nil, fmt.Errorf("OpenProcess(%d): %w", p.Pid, err)
	}
	return &Launched{Pid: uint32(p.Pid), HProcess: hProcess}, nil
}

// OpenForAttach opens an existing process by pid with the access rights
// a Facade needs (memory read, thread context, termination), the
// prerequisite before calling DebugActiveProcess on it.
func OpenForAttach(pid uint32) (windows.Handle, error) {
	return windows.OpenProcess(windows.PROCESS_ALL_ACCESS, false, pid)
}

// ExePath resolves a running process' image path via
// QueryFullProcessImageName, grounded on the teacher's findExePath.
func ExePath(hProcess windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(hProcess, 0, &buf[0], &size); err != nil {
		return "", fmt.Errorf("QueryFullProcessImageName: %w", err)
	}
	return windows.UTF16ToString(buf[:size]), nil
}
