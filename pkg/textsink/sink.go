// Package textsink formats debug events as human-readable, optionally
// colorized text, the way a developer watches a crash happen live or
// rereads one out of a binary log.
//
// Grounded on original_source/hindsight/PrintingDebuggerEventHandler.cpp
// for the tag vocabulary, the "@ Module+0xOFFSET" address descriptor,
// and the stack-trace/context/RTTI layout, and on the teacher's
// pkg/terminal/disasmprint.go for the tabwriter-aligned instruction
// listing style.
package textsink

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/pump"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Sink is a pump.Sink that writes a textual rendering of every event
// to w.
type Sink struct {
	w            io.Writer
	timestamps   bool
	printContext bool

	tag       func(a ...interface{}) string
	addr      func(a ...interface{}) string
	highlight func(a ...interface{}) string
	dim       func(a ...interface{}) string
	good      func(a ...interface{}) string
	bad       func(a ...interface{}) string
	class     func(a ...interface{}) string
	punct     func(a ...interface{}) string
}

// Options configures a Sink.
type Options struct {
	// Timestamps prefixes every line with the event's wall-clock time.
	Timestamps bool

	// PrintContext prints the full register file before a stack trace
	// on breakpoint/exception events.
	PrintContext bool

	// Colorize enables ANSI color via github.com/fatih/color. New does
	// not probe the terminal itself; pass false when stdout is not a
	// terminal or --no-color was given.
	Colorize bool
}

// New creates a Sink writing to w.
func New(w io.Writer, opts Options) *Sink {
	s := &Sink{w: w, timestamps: opts.Timestamps, printContext: opts.PrintContext}

	s.tag = colorFunc(opts.Colorize, color.FgHiRed)
	s.addr = colorFunc(opts.Colorize, color.FgYellow)
	s.highlight = colorFunc(opts.Colorize, color.FgHiCyan)
	s.dim = colorFunc(opts.Colorize, color.FgHiBlack)
	s.good = colorFunc(opts.Colorize, color.FgHiGreen)
	s.bad = colorFunc(opts.Colorize, color.FgHiRed)
	s.class = colorFunc(opts.Colorize, color.FgCyan)
	s.punct = colorFunc(opts.Colorize, color.FgHiRed)
	return s
}

func colorFunc(enable bool, attr color.Attribute) func(a ...interface{}) string {
	c := color.New(attr)
	if enable {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.SprintFunc()
}

func (s *Sink) prefix(t time.Time) string {
	if !s.timestamps {
		return ""
	}
	return s.dim(t.Format("02/01/2006 15:04:05")) + " "
}

// addrDescriptor renders "Module+0xOFFSET" when addr resolves to a
// loaded module, or "0xADDR" otherwise. Grounded on
// PrintingDebuggerEventHandler::GetAddressDescriptor.
func addrDescriptor(addr uintptr, modules *moduleindex.Index) string {
	if modules != nil {
		if mod, ok := modules.ModuleAtAddress(addr); ok {
			return fmt.Sprintf("%s+%#x", mod.Path, uint64(addr)-uint64(mod.Base))
		}
	}
	return fmt.Sprintf("%#x", addr)
}

func (s *Sink) OnInitialization(t time.Time, pid uint32, path string) {
	fmt.Fprintf(s.w, "%s%s %s\n", s.prefix(t), s.good("Attached to process"), s.highlight(fmt.Sprintf("%#x", pid)))
	fmt.Fprintf(s.w, "\tPath: %s\n", s.highlight(path))
}

func (s *Sink) OnBreakpointHit(t time.Time, pi pump.ProcessInfo, ev pump.ExceptionEvent, modules *moduleindex.Index) {
	fmt.Fprintf(s.w, "%s%s (%#x) %s\n",
		s.prefix(t), s.good("[BREAK]"), ev.Code, s.addr("@ "+addrDescriptor(ev.Address, modules)))
	s.printEvent(ev, modules)
}

func (s *Sink) OnException(t time.Time, pi pump.ProcessInfo, ev pump.ExceptionEvent, modules *moduleindex.Index) {
	line := fmt.Sprintf("%s%s (%#x) %s", s.prefix(t), s.tag("[EXCEPT]"), ev.Code, s.addr("@ "+addrDescriptor(ev.Address, modules)))
	if ev.FirstChance {
		line += ", first chance"
	}
	if ev.Name != "" {
		line += ": " + s.tag(ev.Name)
	}
	fmt.Fprintln(s.w, line)
	s.printEvent(ev, modules)
}

func (s *Sink) printEvent(ev pump.ExceptionEvent, modules *moduleindex.Index) {
	if ev.RTTI != nil {
		s.printRTTI(ev.RTTI)
	}
	if s.printContext && ev.Context != nil {
		s.printContextRegs(ev.Context)
	}
	s.printStackTrace(ev.Trace, modules)
}

func (s *Sink) OnCreateProcess(t time.Time, pi pump.ProcessInfo, ev pump.CreateProcessEvent, modules *moduleindex.Index) {
	fmt.Fprintf(s.w, "%s%s %s %s\n", s.prefix(t), s.good("[CREATE PROCESS]"), s.highlight(fmt.Sprintf("%#x", pi.ProcessId)), ev.Path)
}

func (s *Sink) OnCreateThread(t time.Time, pi pump.ProcessInfo, ev pump.CreateThreadEvent, modules *moduleindex.Index) {
	fmt.Fprintf(s.w, "%s%s %s %s\n",
		s.prefix(t), s.good("[CREATE THREAD]"), s.highlight(fmt.Sprintf("%#x", pi.ThreadId)), s.addr("@ "+addrDescriptor(ev.EntryPoint, modules)))
}

func (s *Sink) OnExitProcess(t time.Time, pi pump.ProcessInfo, ev pump.ExitEvent, modules *moduleindex.Index) {
	s.printExit(t, "[EXIT PROCESS]", pi.ProcessId, ev.ExitCode)
}

func (s *Sink) OnExitThread(t time.Time, pi pump.ProcessInfo, ev pump.ExitEvent, modules *moduleindex.Index) {
	s.printExit(t, "[EXIT THREAD]", pi.ThreadId, ev.ExitCode)
}

func (s *Sink) printExit(t time.Time, tag string, id, exitCode uint32) {
	exitColor := s.good
	if exitCode != 0 {
		exitColor = s.bad
	}
	fmt.Fprintf(s.w, "%s%s %s%s\n",
		s.prefix(t), s.bad(tag), s.highlight(fmt.Sprintf("%#x", id)), exitColor(fmt.Sprintf(", exit code %#x", exitCode)))
}

func (s *Sink) OnDllLoad(t time.Time, pi pump.ProcessInfo, ev pump.DllEvent, modules *moduleindex.Index) {
	fmt.Fprintf(s.w, "%s%s %s: %s\n", s.prefix(t), s.highlight("[DLL LOAD]"), s.highlight(fmt.Sprintf("%#x", ev.ModuleBase)), ev.Path)
}

func (s *Sink) OnDllUnload(t time.Time, pi pump.ProcessInfo, ev pump.DllEvent, modules *moduleindex.Index) {
	fmt.Fprintf(s.w, "%s%s %s: %s\n", s.prefix(t), s.bad("[DLL UNLOAD]"), s.highlight(fmt.Sprintf("%#x", ev.ModuleBase)), ev.Path)
}

func (s *Sink) OnDebugString(t time.Time, pi pump.ProcessInfo, ev pump.DebugStringEvent) {
	s.printDebugString(t, "[DEBUGA]", ev.Message)
}

func (s *Sink) OnDebugStringW(t time.Time, pi pump.ProcessInfo, ev pump.DebugStringEvent) {
	s.printDebugString(t, "[DEBUGW]", ev.Message)
}

func (s *Sink) printDebugString(t time.Time, tag, message string) {
	fmt.Fprintf(s.w, "%s%s %s", s.prefix(t), s.highlight(tag), message)
	if len(message) == 0 || message[len(message)-1] != '\n' {
		fmt.Fprintln(s.w)
	}
}

func (s *Sink) OnRip(t time.Time, pi pump.ProcessInfo, ev pump.RipEvent) {
	var kind string
	switch ev.Type {
	case 1:
		kind = "SLE_ERROR, program fail"
	case 2:
		kind = "SLE_MINORERROR, might fail"
	case 0:
		kind = "SLE_WARNING, will not fail"
	}
	fmt.Fprintf(s.w, "%s%s (%s) ", s.prefix(t), s.tag("[RIP]"), kind)
	if ev.ErrorMessage != "" {
		fmt.Fprint(s.w, ev.ErrorMessage)
		if ev.ErrorMessage[len(ev.ErrorMessage)-1] != '\n' {
			fmt.Fprintln(s.w)
		}
	} else {
		fmt.Fprintln(s.w)
	}
}

// OnModuleCollectionComplete is a no-op: module loads/unloads are
// reported as they happen, not summarized at the end, matching
// PrintingDebuggerEventHandler::OnModuleCollectionComplete.
func (s *Sink) OnModuleCollectionComplete(t time.Time, modules *moduleindex.Index) {}

func (s *Sink) printContextRegs(snap *threadctx.Snapshot) {
	fmt.Fprintf(s.w, "%s\n", s.highlight("[CPUCTX]"))
	tw := tabwriter.NewWriter(s.w, 1, 4, 2, ' ', 0)
	if snap.Is64() {
		width := 16
		ctx := snap.X64
		regs := []struct {
			name string
			val  uint64
		}{
			{"RIP", ctx.Rip}, {"RSP", ctx.Rsp}, {"RBP", ctx.Rbp},
			{"RAX", ctx.Rax}, {"RBX", ctx.Rbx}, {"RCX", ctx.Rcx},
			{"RDX", ctx.Rdx}, {"RSI", ctx.Rsi}, {"RDI", ctx.Rdi},
			{"R8", ctx.R8}, {"R9", ctx.R9}, {"R10", ctx.R10},
			{"R11", ctx.R11}, {"R12", ctx.R12}, {"R13", ctx.R13},
			{"R14", ctx.R14}, {"R15", ctx.R15},
		}
		for i, r := range regs {
			fmt.Fprintf(tw, "\t%s = %s", s.good(r.name), s.highlight(fmt.Sprintf("%0*x", width, r.val)))
			if (i+1)%3 == 0 || i == len(regs)-1 {
				fmt.Fprint(tw, "\n")
			}
		}
	} else {
		width := 8
		ctx := snap.X86
		regs := []struct {
			name string
			val  uint32
		}{
			{"EIP", ctx.Eip}, {"ESP", ctx.Esp}, {"EBP", ctx.Ebp},
			{"EAX", ctx.Eax}, {"EBX", ctx.Ebx}, {"ECX", ctx.Ecx},
			{"EDX", ctx.Edx}, {"ESI", ctx.Esi}, {"EDI", ctx.Edi},
		}
		for i, r := range regs {
			fmt.Fprintf(tw, "\t%s = %s", s.good(r.name), s.highlight(fmt.Sprintf("%0*x", width, r.val)))
			if (i+1)%3 == 0 || i == len(regs)-1 {
				fmt.Fprint(tw, "\n")
			}
		}
	}
	tw.Flush()
}

func (s *Sink) printStackTrace(trace *stacktrace.Trace, modules *moduleindex.Index) {
	if trace == nil || len(trace.Frames) == 0 {
		fmt.Fprintln(s.w, s.bad("no stack trace available"))
		return
	}

	fmt.Fprintln(s.w, s.highlight("[STACK]"))

	frameIndex := 0
	for _, f := range trace.Frames {
		if f.Recursion {
			fmt.Fprintf(s.w, "\t%s\n", s.bad(fmt.Sprintf("... recursion %d frames ...", f.RecursionCount)))
			frameIndex += f.RecursionCount
			continue
		}

		name := f.Name
		if name == "" {
			name = "<unknown>"
		}
		start := fmt.Sprintf("\t#%d: ", frameIndex)
		fmt.Fprintf(s.w, "%s%s %s\n", s.good(start), s.highlight(name), s.addr("@ "+addrDescriptor(f.Address, modules)))

		if len(f.Instructions) > 0 {
			tw := tabwriter.NewWriter(s.w, 1, 4, 1, ' ', 0)
			indent := fmt.Sprintf("\t%*s", len(start)-1, "")
			for _, instr := range f.Instructions {
				width := 8
				if instr.Is64BitAddress {
					width = 16
				}
				operands := ""
				if instr.Operands != "" {
					operands = " " + instr.Operands
				}
				fmt.Fprintf(tw, "%s%0*x\t(%02d)\t%s\t%s%s\n",
					indent, width, instr.Offset, instr.Size, instr.Hex, instr.Mnemonic, operands)
			}
			tw.Flush()
		}

		if f.File != "" {
			indent := fmt.Sprintf("\t%*s", len(start)-1, "")
			fmt.Fprintf(s.w, "%s%s: %s\n", indent, s.good(f.File), s.good(fmt.Sprintf("line %d", f.Line)))
		}

		frameIndex++
	}
}

func (s *Sink) printRTTI(r *rtti.Summary) {
	fmt.Fprintln(s.w, s.highlight("[RTTI]"))
	for i, name := range r.TypeNames {
		s.printClass(name, i != len(r.TypeNames)-1)
	}
	if r.ThrowImage != "" {
		fmt.Fprintf(s.w, "\tthrow info source(): %s\n", s.addr(r.ThrowImage))
	}
	if r.HasMessage {
		fmt.Fprintf(s.w, "\twhat(): %s\n", s.addr(r.Message))
	}
}

// printClass re-colorizes a decorated class/struct signature, picking
// out "class"/"struct" keywords, "::" separators and template
// punctuation, matching PrintingDebuggerEventHandler::PrintClass.
func (s *Sink) printClass(signature string, extends bool) {
	fmt.Fprint(s.w, "\t")
	for i := 0; i < len(signature); {
		switch {
		case hasPrefixAt(signature, i, "class "):
			fmt.Fprint(s.w, s.class("class "))
			i += 6
		case hasPrefixAt(signature, i, "struct "):
			fmt.Fprint(s.w, s.class("struct "))
			i += 7
		case hasPrefixAt(signature, i, "::"):
			fmt.Fprint(s.w, s.dim("::"))
			i += 2
		case signature[i] == '<' || signature[i] == '>' || signature[i] == ',' || signature[i] == '.':
			fmt.Fprint(s.w, s.punct(string(signature[i])))
			if signature[i] == ',' {
				fmt.Fprint(s.w, " ")
			}
			i++
		default:
			fmt.Fprint(s.w, s.class(string(signature[i])))
			i++
		}
	}
	if extends {
		fmt.Fprintln(s.w, s.class(" extends: "))
	} else {
		fmt.Fprintln(s.w, s.class("."))
	}
}

func hasPrefixAt(s string, i int, prefix string) bool {
	return i+len(prefix) <= len(s) && s[i:i+len(prefix)] == prefix
}
