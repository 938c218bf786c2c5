package stacktrace

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// symbolCacheSize bounds the per-build memoization cache: runtime
// library frames (ntdll, msvcrt) recur across nested frames far more
// often than new addresses appear, and bounding the cache keeps a
// pathologically deep trace from growing it unbounded.
const symbolCacheSize = 512

type frameCacheEntry struct {
	symbol Symbol
	hasSym bool
	line   Line
	hasLn  bool
}

// Build walks the stack starting from snap, resolving symbols/lines
// through svc and, when opts.MaxInstructions > 0, disassembling each
// frame's leading bytes through dec. Grounded on
// DebugStackTrace::Walk/AddFrame/AddRecursion.
func Build(facade target.Facade, idx *moduleindex.Index, svc SymbolService, dec InstructionDecoder, snap *threadctx.Snapshot, opts Options) (*Trace, error) {
	log := logflags.StackTraceLogger()

	if err := svc.Init(opts.SymbolSearchPath); err != nil {
		return nil, err
	}
	defer svc.Cleanup()

	cache, _ := lru.New[uintptr, frameCacheEntry](symbolCacheSize)

	trace := &Trace{MaxRecursion: opts.MaxRecursion, MaxInstructions: opts.MaxInstructions}

	var backlog []walkFrame
	var prev *walkFrame
	unlimited := opts.MaxRecursion == 0

	for {
		frame, ok := svc.NextFrame(snap, prev)
		if !ok {
			break
		}
		prevCopy := frame
		prev = &prevCopy

		if !unlimited && frame.PC == frame.Return {
			backlog = append(backlog, frame)
			continue
		}

		if len(backlog) > 0 {
			if len(backlog) >= opts.MaxRecursion {
				addRecursion(trace, facade, idx, svc, dec, cache, backlog, opts)
			} else {
				for _, bf := range backlog {
					addFrame(trace, facade, idx, svc, dec, cache, bf, opts)
				}
			}
			backlog = backlog[:0]
		}

		addFrame(trace, facade, idx, svc, dec, cache, frame, opts)
	}

	if len(backlog) > 0 {
		if len(backlog) >= opts.MaxRecursion && !unlimited {
			addRecursion(trace, facade, idx, svc, dec, cache, backlog, opts)
		} else {
			for _, bf := range backlog {
				addFrame(trace, facade, idx, svc, dec, cache, bf, opts)
			}
		}
	}

	log.Debugf("built stack trace with %d frames", len(trace.Frames))
	return trace, nil
}

func addRecursion(trace *Trace, facade target.Facade, idx *moduleindex.Index, svc SymbolService, dec InstructionDecoder, cache *lru.Cache[uintptr, frameCacheEntry], backlog []walkFrame, opts Options) {
	trace.Frames = append(trace.Frames, Frame{Recursion: true, RecursionCount: len(backlog)})
	addFrame(trace, facade, idx, svc, dec, cache, backlog[len(backlog)-1], opts)
}

func addFrame(trace *Trace, facade target.Facade, idx *moduleindex.Index, svc SymbolService, dec InstructionDecoder, cache *lru.Cache[uintptr, frameCacheEntry], wf walkFrame, opts Options) {
	trace.Frames = append(trace.Frames, buildFrame(facade, idx, svc, dec, cache, wf, opts))
}

func buildFrame(facade target.Facade, idx *moduleindex.Index, svc SymbolService, dec InstructionDecoder, cache *lru.Cache[uintptr, frameCacheEntry], wf walkFrame, opts Options) Frame {
	entry := Frame{Address: wf.PC}

	cached, found := cache.Get(wf.PC)
	var (
		sym    Symbol
		hasSym bool
		line   Line
		hasLn  bool
	)
	if found {
		sym, hasSym, line, hasLn = cached.symbol, cached.hasSym, cached.line, cached.hasLn
	} else {
		sym, hasSym = svc.SymbolAt(wf.PC)
		line, hasLn = svc.LineAt(wf.PC)
		cache.Add(wf.PC, frameCacheEntry{symbol: sym, hasSym: hasSym, line: line, hasLn: hasLn})
	}

	if hasSym {
		if mod, ok := idx.ModuleAtAddress(sym.Address); ok {
			entry.Module = mod
			entry.HasModule = true
			entry.ModuleBase = mod.Base
		} else {
			entry.ModuleBase = sym.ModuleBase
		}
		entry.AbsoluteAddress = wf.PC + uintptr(sym.Displacement)
		entry.Name = sym.Name
	}

	if opts.MaxInstructions > 0 && dec != nil {
		size := 30
		if hasSym {
			// Symbol carries no size, so a resolved symbol reads the
			// same fixed 30 bytes as an unresolved one.
			size = 30
		}
		code := make([]byte, size)
		if err := facade.Read(wf.PC, code); err == nil {
			if instrs, err := dec.Decode(code, uint64(wf.PC), opts.MaxInstructions); err == nil {
				entry.Instructions = instrs
			}
		}
	}

	if hasLn {
		entry.AbsoluteLineAddr = wf.PC + uintptr(line.Displacement)
		entry.LineAddress = line.LineAddress
		entry.File = line.File
		entry.Line = line.LineNumber
	}

	return entry
}
