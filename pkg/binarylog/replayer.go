package binarylog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/pathutil"
	"github.com/crashsnap/crashsnap/pkg/pump"
	"github.com/crashsnap/crashsnap/pkg/rtti"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Error types for corrupt-input handling, per spec.md §7's "Corrupt
// input (replay)" category: the replayer aborts on these, leaving
// whatever events were already delivered to sinks visible.
type UnknownSignature struct {
	Want, Got string
}

func (e UnknownSignature) Error() string {
	return fmt.Sprintf("unexpected signature: want %q, got %q", e.Want, e.Got)
}

type UnknownEventID struct{ ID uint32 }

func (e UnknownEventID) Error() string { return fmt.Sprintf("unknown event id %d", e.ID) }

type ChecksumMismatch struct{ Want, Got uint32 }

func (e ChecksumMismatch) Error() string {
	return fmt.Sprintf("crc32 mismatch: header says %#08x, body computes to %#08x", e.Want, e.Got)
}

// Options controls how Replay reads a log.
type Options struct {
	// VerifyChecksum, when true, rescans the entire body before
	// replaying and rejects with ChecksumMismatch on any corruption.
	VerifyChecksum bool

	// Allow, when non-nil, restricts which event kinds are delivered
	// to sink; the module index is still updated for every event
	// regardless of the filter, matching spec.md §8's S6 scenario.
	Allow map[EventID]bool
}

// Replay reads a HIND binary log from r and drives sink the same way
// the live pump would have, reconstructing a moduleindex.Index from
// the LoadDll/UnloadDll/CreateProcess events it replays. Grounded on
// BinaryLogPlayer.cpp's sequential signature-then-struct read loop.
func Replay(r io.ReadSeeker, sink pump.Sink, opts Options) error {
	hdr, err := readHeader(r)
	if err != nil {
		return err
	}

	if opts.VerifyChecksum {
		if err := verifyChecksum(r, hdr.Crc32); err != nil {
			return err
		}
	}

	path, err := readWide(r, int(hdr.PathLength))
	if err != nil {
		return fmt.Errorf("read debuggee path: %w", err)
	}
	workDir, err := readWide(r, int(hdr.WorkingDirectoryLength))
	if err != nil {
		return fmt.Errorf("read working directory: %w", err)
	}
	args := make([]string, 0, hdr.ArgumentCount)
	for i := uint64(0); i < hdr.ArgumentCount; i++ {
		var length uint32
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return fmt.Errorf("read argument %d length: %w", i, err)
		}
		arg, err := readNarrow(r, int(length))
		if err != nil {
			return fmt.Errorf("read argument %d: %w", i, err)
		}
		args = append(args, arg)
	}
	// workDir and args are read only to advance past them; Sink's
	// OnInitialization has no room to carry them.
	_, _ = workDir, args

	startTime := time.Unix(hdr.StartTime, 0)
	sink.OnInitialization(startTime, hdr.ProcessId, path)

	modules := moduleindex.New()

	for {
		var sig [4]byte
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("read frame signature: %w", err)
		}
		switch string(sig[:]) {
		case signatureEvent:
			if err := replayEvent(r, sink, modules, opts); err != nil {
				return err
			}
		default:
			return UnknownSignature{Want: signatureEvent, Got: string(sig[:])}
		}
	}

	sink.OnModuleCollectionComplete(startTime, modules)
	return nil
}

func readHeader(r io.Reader) (fileHeader, error) {
	var hdr fileHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return hdr, fmt.Errorf("read file header: %w", err)
	}
	if string(hdr.Signature[:]) != signatureHeader {
		return hdr, UnknownSignature{Want: signatureHeader, Got: string(hdr.Signature[:])}
	}
	return hdr, nil
}

func verifyChecksum(r io.ReadSeeker, want uint32) error {
	cur, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("read body for checksum verification: %w", err)
	}
	got := crc32.ChecksumIEEE(body)
	if _, err := r.Seek(cur, io.SeekStart); err != nil {
		return err
	}
	if got != want {
		return ChecksumMismatch{Want: want, Got: got}
	}
	return nil
}

func replayEvent(r io.ReadSeeker, sink pump.Sink, modules *moduleindex.Index, opts Options) error {
	rest := struct {
		Time    int64
		EventId uint32
		Size    uint64
		PI      eventProcessInfo
	}{}
	if err := binary.Read(r, binary.LittleEndian, &rest); err != nil {
		return fmt.Errorf("read event envelope: %w", err)
	}
	t := time.Unix(rest.Time, 0)
	pi := pump.ProcessInfo{ProcessId: rest.PI.Pid, ThreadId: rest.PI.Tid}
	id := EventID(rest.EventId)

	allowed := opts.Allow == nil || opts.Allow[id]

	switch id {
	case EventException:
		return replayException(r, sink, modules, t, pi, allowed)
	case EventCreateProcess:
		return replayCreateProcess(r, sink, modules, t, pi, allowed)
	case EventCreateThread:
		return replayCreateThread(r, sink, t, pi, allowed)
	case EventExitProcess:
		return replayExit(r, sink, t, pi, allowed, true)
	case EventExitThread:
		return replayExit(r, sink, t, pi, allowed, false)
	case EventLoadDll:
		return replayDll(r, sink, modules, t, pi, allowed, true)
	case EventUnloadDll:
		return replayDll(r, sink, modules, t, pi, allowed, false)
	case EventDebugString:
		return replayDebugString(r, sink, t, pi, allowed)
	case EventRip:
		return replayRip(r, sink, t, pi, allowed)
	default:
		return UnknownEventID{ID: rest.EventId}
	}
}

func replayException(r io.ReadSeeker, sink pump.Sink, modules *moduleindex.Index, t time.Time, pi pump.ProcessInfo, allowed bool) error {
	var trailer exceptionTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read exception trailer: %w", err)
	}

	ctx, err := readContext(r, trailer.Wow64 != 0)
	if err != nil {
		return fmt.Errorf("read thread context: %w", err)
	}

	trace, err := readStackTrace(r, modules)
	if err != nil {
		return fmt.Errorf("read stack trace: %w", err)
	}

	summary, err := readRTTI(r)
	if err != nil {
		return fmt.Errorf("read rtti frame: %w", err)
	}

	if !allowed {
		return nil
	}

	ev := pump.ExceptionEvent{
		Code:        trailer.Code,
		Address:     uintptr(trailer.Addr),
		FirstChance: trailer.IsFirstChance != 0,
		Name:        pump.ExceptionName(trailer.Code),
		Context:     ctx,
		Trace:       trace,
		RTTI:        summary,
	}
	if trailer.IsBreakpoint != 0 {
		sink.OnBreakpointHit(t, pi, ev, modules)
	} else {
		sink.OnException(t, pi, ev, modules)
	}
	return nil
}

func readContext(r io.Reader, wow64 bool) (*threadctx.Snapshot, error) {
	if wow64 {
		ctx := threadctx.NewCONTEXT32()
		if err := binary.Read(r, binary.LittleEndian, ctx); err != nil {
			return nil, err
		}
		return threadctx.NewSnapshot32(0, 0, ctx), nil
	}
	ctx := threadctx.NewCONTEXT64()
	if err := binary.Read(r, binary.LittleEndian, ctx); err != nil {
		return nil, err
	}
	return threadctx.NewSnapshot64(0, 0, ctx), nil
}

func readStackTrace(r io.Reader, modules *moduleindex.Index) (*stacktrace.Trace, error) {
	var hdr stackTraceHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	if string(hdr.Signature[:]) != signatureStackTrace {
		return nil, UnknownSignature{Want: signatureStackTrace, Got: string(hdr.Signature[:])}
	}

	trace := &stacktrace.Trace{MaxRecursion: int(hdr.MaxRecursion), MaxInstructions: int(hdr.MaxInstructions)}
	for i := uint64(0); i < hdr.EntryCount; i++ {
		var entry stackTraceEntry
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return nil, fmt.Errorf("read stack trace entry %d: %w", i, err)
		}
		name, err := readNarrow(r, int(entry.NameLength))
		if err != nil {
			return nil, err
		}
		file, err := readWide(r, int(entry.PathLength))
		if err != nil {
			return nil, err
		}

		frame := stacktrace.Frame{
			ModuleBase:       uintptr(entry.ModuleBase),
			Address:          uintptr(entry.Address),
			AbsoluteAddress:  uintptr(entry.AbsoluteAddress),
			AbsoluteLineAddr: uintptr(entry.AbsoluteLineAddress),
			LineAddress:      uintptr(entry.LineAddress),
			Name:             name,
			File:             file,
			Line:             uint32(entry.LineNumber),
			Recursion:        entry.IsRecursion != 0,
			RecursionCount:   int(entry.RecursionCount),
		}
		// ModuleIndex is not trusted directly: the writer stores 0 both
		// for "this frame belongs to paths[0]" and for "this frame has
		// no owning module at all" (WriterDebuggerEventHandler.cpp's
		// hasModule ? GetIndex(...) : 0 ternary), so the index alone
		// can't distinguish the two cases. Re-resolve ownership by
		// address instead, mirroring the original reader.
		if mod, ok := modules.ModuleAtAddress(frame.Address); ok {
			frame.Module = mod
			frame.ModuleBase = mod.Base
			frame.HasModule = true
		}

		for j := uint64(0); j < entry.InstructionCount; j++ {
			var instrEntry stackTraceInstruction
			if err := binary.Read(r, binary.LittleEndian, &instrEntry); err != nil {
				return nil, fmt.Errorf("read instruction %d of entry %d: %w", j, i, err)
			}
			hex, err := readNarrow(r, int(instrEntry.HexLength))
			if err != nil {
				return nil, err
			}
			mnemonic, err := readNarrow(r, int(instrEntry.MnemonicLength))
			if err != nil {
				return nil, err
			}
			operands, err := readNarrow(r, int(instrEntry.OperandsLength))
			if err != nil {
				return nil, err
			}
			frame.Instructions = append(frame.Instructions, stacktrace.Instruction{
				Is64BitAddress: instrEntry.Is64BitAddress != 0,
				Offset:         instrEntry.Offset,
				Size:           int(instrEntry.Size),
				Hex:            hex,
				Mnemonic:       mnemonic,
				Operands:       operands,
			})
		}

		trace.Frames = append(trace.Frames, frame)
	}
	return trace, nil
}

func readRTTI(r io.Reader) (*rtti.Summary, error) {
	var frame rttiFrame
	if err := binary.Read(r, binary.LittleEndian, &frame); err != nil {
		return nil, err
	}
	if string(frame.Signature[:]) != signatureRTTI {
		return nil, UnknownSignature{Want: signatureRTTI, Got: string(frame.Signature[:])}
	}

	names := make([]string, 0, frame.TypeCount)
	for i := uint64(0); i < frame.TypeCount; i++ {
		var length uint64
		if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		name, err := readNarrow(r, int(length))
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	message, err := readNarrow(r, int(frame.MessageLength))
	if err != nil {
		return nil, err
	}
	throwImage, err := readWide(r, int(frame.ThrowImageLength))
	if err != nil {
		return nil, err
	}

	if frame.TypeCount == 0 && !boolFromByte(frame.HasMessage) && throwImage == "" {
		return nil, nil
	}
	return &rtti.Summary{
		TypeNames:  names,
		Message:    message,
		HasMessage: boolFromByte(frame.HasMessage),
		ThrowImage: throwImage,
	}, nil
}

func replayCreateProcess(r io.ReadSeeker, sink pump.Sink, modules *moduleindex.Index, t time.Time, pi pump.ProcessInfo, allowed bool) error {
	var trailer createProcessTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read create-process trailer: %w", err)
	}
	path, err := readWide(r, int(trailer.PathLength))
	if err != nil {
		return fmt.Errorf("read create-process path: %w", err)
	}

	modules.LoadWithSize(path, uintptr(trailer.ModuleBase), trailer.ModuleSize)

	if !allowed {
		return nil
	}
	sink.OnCreateProcess(t, pi, pump.CreateProcessEvent{
		Path:       path,
		ModuleBase: uintptr(trailer.ModuleBase),
		ModuleSize: trailer.ModuleSize,
	}, modules)
	return nil
}

func replayCreateThread(r io.ReadSeeker, sink pump.Sink, t time.Time, pi pump.ProcessInfo, allowed bool) error {
	var trailer createThreadTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read create-thread trailer: %w", err)
	}
	if !allowed {
		return nil
	}
	sink.OnCreateThread(t, pi, pump.CreateThreadEvent{
		EntryPoint:   uintptr(trailer.EntryPoint),
		ModuleIndex:  int(trailer.ModuleIndex),
		ModuleOffset: uintptr(trailer.EntryPointOffset),
	}, nil)
	return nil
}

func replayExit(r io.ReadSeeker, sink pump.Sink, t time.Time, pi pump.ProcessInfo, allowed, process bool) error {
	var trailer exitTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read exit trailer: %w", err)
	}
	if !allowed {
		return nil
	}
	ev := pump.ExitEvent{ExitCode: trailer.ExitCode}
	if process {
		sink.OnExitProcess(t, pi, ev, nil)
	} else {
		sink.OnExitThread(t, pi, ev, nil)
	}
	return nil
}

func replayDll(r io.ReadSeeker, sink pump.Sink, modules *moduleindex.Index, t time.Time, pi pump.ProcessInfo, allowed, load bool) error {
	if load {
		var trailer loadDllTrailer
		if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
			return fmt.Errorf("read dll-load trailer: %w", err)
		}
		path, err := readWide(r, int(trailer.PathLength))
		if err != nil {
			return fmt.Errorf("read dll-load path: %w", err)
		}
		modules.LoadWithSize(path, uintptr(trailer.Base), trailer.Size)
		if !allowed {
			return nil
		}
		sink.OnDllLoad(t, pi, pump.DllEvent{
			Path:        path,
			ModuleBase:  uintptr(trailer.Base),
			ModuleSize:  trailer.Size,
			ModuleIndex: int(trailer.ModuleIndex),
		}, modules)
		return nil
	}

	var trailer unloadDllTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read dll-unload trailer: %w", err)
	}
	mod, _ := modules.Active(uintptr(trailer.Base))
	if !allowed {
		modules.Unload(uintptr(trailer.Base))
		return nil
	}
	sink.OnDllUnload(t, pi, pump.DllEvent{
		Path:       mod.Path,
		ModuleBase: uintptr(trailer.Base),
		ModuleSize: mod.Size,
	}, modules)
	modules.Unload(uintptr(trailer.Base))
	return nil
}

func replayDebugString(r io.ReadSeeker, sink pump.Sink, t time.Time, pi pump.ProcessInfo, allowed bool) error {
	var trailer debugStringTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read debug-string trailer: %w", err)
	}
	var message string
	var err error
	if trailer.IsUnicode != 0 {
		message, err = readWide(r, int(trailer.Length))
	} else {
		message, err = readNarrow(r, int(trailer.Length))
	}
	if err != nil {
		return fmt.Errorf("read debug-string body: %w", err)
	}
	if !allowed {
		return nil
	}
	ev := pump.DebugStringEvent{Message: message}
	if trailer.IsUnicode != 0 {
		sink.OnDebugStringW(t, pi, ev)
	} else {
		sink.OnDebugString(t, pi, ev)
	}
	return nil
}

func replayRip(r io.ReadSeeker, sink pump.Sink, t time.Time, pi pump.ProcessInfo, allowed bool) error {
	var trailer ripTrailer
	if err := binary.Read(r, binary.LittleEndian, &trailer); err != nil {
		return fmt.Errorf("read rip trailer: %w", err)
	}
	if !allowed {
		return nil
	}
	sink.OnRip(t, pi, pump.RipEvent{Type: trailer.Type, ErrorCode: trailer.Error})
	return nil
}

func readWide(r io.Reader, units int) (string, error) {
	if units == 0 {
		return "", nil
	}
	buf := make([]byte, units*2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	out := make([]uint16, units)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return pathutil.DecodeUTF16(out), nil
}

func readNarrow(r io.Reader, n int) (string, error) {
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func boolFromByte(b uint8) bool { return b != 0 }
