package textsink

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/pump"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

func TestOnExceptionTagAndAddress(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{})

	modules := moduleindex.New()
	modules.LoadWithSize(`C:\app\game.exe`, 0x400000, 0x10000)

	ev := pump.ExceptionEvent{
		Code:        0xC0000005,
		Address:     0x400123,
		FirstChance: true,
		Name:        "EXCEPTION_ACCESS_VIOLATION",
		Trace:       &stacktrace.Trace{},
	}
	s.OnException(time.Unix(0, 0), pump.ProcessInfo{}, ev, modules)

	out := buf.String()
	if !strings.Contains(out, "[EXCEPT]") {
		t.Errorf("missing [EXCEPT] tag: %q", out)
	}
	if !strings.Contains(out, `C:\app\game.exe+0x123`) {
		t.Errorf("missing module+offset address: %q", out)
	}
	if !strings.Contains(out, "first chance") {
		t.Errorf("missing first-chance note: %q", out)
	}
}

func TestOnBreakpointUnresolvedAddress(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{})
	modules := moduleindex.New()

	s.OnBreakpointHit(time.Unix(0, 0), pump.ProcessInfo{}, pump.ExceptionEvent{
		Code: 0x80000003, Address: 0x12345678, Trace: &stacktrace.Trace{},
	}, modules)

	out := buf.String()
	if !strings.Contains(out, "[BREAK]") {
		t.Errorf("missing [BREAK] tag: %q", out)
	}
	if !strings.Contains(out, "0x12345678") {
		t.Errorf("missing fallback raw address: %q", out)
	}
}

func TestStackTraceRecursionMarker(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{})
	trace := &stacktrace.Trace{Frames: []stacktrace.Frame{
		{Recursion: true, RecursionCount: 12},
		{Name: "main", Address: 0x401000},
	}}
	s.printStackTrace(trace, moduleindex.New())

	out := buf.String()
	if !strings.Contains(out, "recursion 12 frames") {
		t.Errorf("missing recursion marker: %q", out)
	}
	if !strings.Contains(out, "main") {
		t.Errorf("missing trailing frame: %q", out)
	}
}

func TestPrintRTTIIncludesMessageAndTypes(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{})
	s.printRTTI(&rtti.Summary{
		TypeNames:  []string{"class std::runtime_error", "class std::exception"},
		HasMessage: true,
		Message:    "boom",
		ThrowImage: `C:\app\game.exe`,
	})

	out := buf.String()
	if !strings.Contains(out, "[RTTI]") {
		t.Errorf("missing [RTTI] tag: %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Errorf("missing what() message: %q", out)
	}
	if !strings.Contains(out, "runtime_error") {
		t.Errorf("missing type name: %q", out)
	}
}

func TestPrintContextRegsSelectsBitness(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{})

	ctx := threadctx.NewCONTEXT64()
	ctx.Rip = 0x401000
	s.printContextRegs(threadctx.NewSnapshot64(0, 0, ctx))

	out := buf.String()
	if !strings.Contains(out, "RIP") || !strings.Contains(out, "401000") {
		t.Errorf("missing RIP register: %q", out)
	}
}

func TestNoColorProducesPlainText(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, Options{Colorize: false})
	s.OnDllLoad(time.Unix(0, 0), pump.ProcessInfo{}, pump.DllEvent{
		Path: `C:\Windows\System32\ntdll.dll`, ModuleBase: 0x77000000,
	}, moduleindex.New())

	if strings.Contains(buf.String(), "\x1b[") {
		t.Errorf("expected no ANSI escapes with Colorize=false, got %q", buf.String())
	}
}
