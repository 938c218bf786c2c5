//go:build windows

package rtti

import (
	"strings"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// Grounded on other_examples/25smoking-Argus__dbghelp.go: DbgHelp's
// UnDecorateSymbolName has no golang.org/x/sys/windows wrapper, so it
// is hand-wrapped over a lazy DLL like the rest of the DbgHelp calls
// in pkg/stacktrace.
var (
	modDbghelp              = syscall.NewLazyDLL("dbghelp.dll")
	procUnDecorateSymbolName = modDbghelp.NewProc("UnDecorateSymbolName")
)

const (
	undnameComplete    = 0x0000
	undnameNoArguments = 0x2000
)

// DbgHelpDemangler demangles MSVC-decorated RTTI type-descriptor names
// (".?AVruntime_error@std@@" and friends) via UnDecorateSymbolName.
// It needs no process handle: the demangler operates purely on the
// decorated string, independent of any live symbol engine.
type DbgHelpDemangler struct{}

// NewDbgHelpDemangler returns a Demangler backed by DbgHelp.
func NewDbgHelpDemangler() DbgHelpDemangler { return DbgHelpDemangler{} }

func (DbgHelpDemangler) Demangle(decorated string) (string, bool) {
	// Type descriptor names are ".?AV<mangled-class-name>@@" (class)
	// or ".?AU..." (struct); UnDecorateSymbolName expects the classic
	// "?<mangled>" form, so the leading type-descriptor dot is
	// stripped before calling it, matching what ExceptionRtti.cpp's
	// demangling helper does before handing the name to DbgHelp.
	name := strings.TrimPrefix(decorated, ".")

	namePtr, err := windows.BytePtrFromString(name)
	if err != nil {
		return "", false
	}

	outBuf := make([]byte, 1024)
	ret, _, _ := procUnDecorateSymbolName.Call(
		uintptr(unsafe.Pointer(namePtr)),
		uintptr(unsafe.Pointer(&outBuf[0])),
		uintptr(len(outBuf)),
		uintptr(undnameComplete),
	)
	if ret == 0 {
		return "", false
	}

	result := string(outBuf[:ret])
	return result, true
}
