package pump

import (
	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Options controls how the pump builds stack traces and whether it
// pauses for operator input at breakpoints/first-chance exceptions.
// Grounded on HindsightCli's max-recursion/max-instruction/break-on-*
// flags (Debugger.cpp's m_SubState.get/isset calls).
type Options struct {
	MaxRecursion           int
	MaxInstructions         int
	SymbolSearchPath        string
	BreakOnBreakpoint       bool
	BreakOnException        bool
	BreakOnFirstChanceOnly  bool
	Demangler               rtti.Demangler
}

// Pump drives the Windows debug-event protocol for a single debuggee
// and fans out every normalized event to its registered Sinks.
// Grounded on Debugger.cpp's Debugger class: m_Handlers become Sinks,
// Tick/Start become Run, Attach's two branches become Run (live) and
// RunPostmortem (JIT).
type Pump struct {
	facade  target.Facade
	sym     stacktrace.SymbolService
	dec     stacktrace.InstructionDecoder
	modules *moduleindex.Index
	opts    Options
	sinks   []Sink
}

// New creates a Pump bound to a live facade, a symbol service for
// stack walking, and an instruction decoder for disassembly.
func New(facade target.Facade, sym stacktrace.SymbolService, dec stacktrace.InstructionDecoder, opts Options) *Pump {
	if opts.Demangler == nil {
		opts.Demangler = noopDemangler{}
	}
	return &Pump{
		facade:  facade,
		sym:     sym,
		dec:     dec,
		modules: moduleindex.New(),
		opts:    opts,
	}
}

// AddSink registers a Sink to receive every normalized event.
// Grounded on Debugger::AddHandler.
func (p *Pump) AddSink(s Sink) {
	p.sinks = append(p.sinks, s)
}

type noopDemangler struct{}

func (noopDemangler) Demangle(string) (string, bool) { return "", false }

func (p *Pump) buildTrace(snap *threadctx.Snapshot) *stacktrace.Trace {
	trace, err := stacktrace.Build(p.facade, p.modules, p.sym, p.dec, snap, stacktrace.Options{
		MaxRecursion:     p.opts.MaxRecursion,
		MaxInstructions:  p.opts.MaxInstructions,
		SymbolSearchPath: p.opts.SymbolSearchPath,
	})
	if err != nil {
		logflags.PumpLogger().Warnf("stack trace build failed: %v", err)
		return nil
	}
	return trace
}

func (p *Pump) decodeRTTI(code uint32, parameters []uintptr, is64 bool) *rtti.Summary {
	if !IsCxxEHException(code, parameters) {
		return nil
	}
	summary, err := rtti.Decode(p.facade, p.modules, p.opts.Demangler, is64, parameters)
	if err != nil {
		logflags.PumpLogger().Debugf("rtti decode skipped: %v", err)
		return nil
	}
	return summary
}
