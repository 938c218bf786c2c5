package binarylog

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"time"

	"github.com/crashsnap/crashsnap/pkg/logflags"
	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/pathutil"
	"github.com/crashsnap/crashsnap/pkg/pump"
	"github.com/crashsnap/crashsnap/pkg/stacktrace"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// Writer is a pump.Sink that streams every event to an io.WriteSeeker
// in the HIND binary log format. Grounded on
// WriterDebuggerEventHandler.cpp: the header is written with a zeroed
// Crc32 field, every byte written after it folds into a running CRC,
// and OnModuleCollectionComplete seeks back to stamp the final value.
type Writer struct {
	w    io.WriteSeeker
	crc  hash.Hash32
	tee  io.Writer
	args []string

	headerWritten bool
}

// NewWriter creates a binary log writer over w. args is supplied here
// rather than through the Sink interface because
// IDebuggerEventHandler.hpp's OnInitialization only carries pid and
// path; everything else about the debuggee's launch is known to the
// caller up front.
func NewWriter(w io.WriteSeeker, args []string) *Writer {
	wr := &Writer{w: w, crc: crc32.NewIEEE(), args: args}
	wr.tee = io.MultiWriter(w, wr.crc)
	return wr
}

func (w *Writer) writeRaw(v interface{}) error {
	return binary.Write(w.w, binary.LittleEndian, v)
}

func (w *Writer) writeChecked(v interface{}) error {
	return binary.Write(w.tee, binary.LittleEndian, v)
}

func (w *Writer) writeBytesChecked(b []byte) error {
	_, err := w.tee.Write(b)
	return err
}

func (w *Writer) writeWideChecked(s string) error {
	units := pathutil.EncodeUTF16(s)
	buf := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return w.writeBytesChecked(buf)
}

func (w *Writer) writeNarrowChecked(s string) error {
	return w.writeBytesChecked([]byte(s))
}

// OnInitialization writes the file header and the debuggee path,
// working directory and argument vector that follow it. Sink's
// signature carries neither a thread id nor a working directory, so
// the header records thread id 0 and an empty working directory.
func (w *Writer) OnInitialization(t time.Time, pid uint32, path string) {
	w.OnInitializationWithEnv(t, pid, 0, path, "", w.args)
}

// OnInitializationWithEnv is the full-fidelity entry point, carrying
// the thread id and working directory that the bare
// Sink.OnInitialization signature has no room for.
func (w *Writer) OnInitializationWithEnv(t time.Time, pid, tid uint32, path, workDir string, args []string) {
	w.args = args

	hdr := fileHeader{
		Version:                FormatVersion,
		ProcessId:              pid,
		ThreadId:               tid,
		PathLength:             uint64(pathutil.RuneCountInUTF16(path)),
		WorkingDirectoryLength: uint64(pathutil.RuneCountInUTF16(workDir)),
		ArgumentCount:          uint64(len(args)),
		StartTime:              t.Unix(),
		Crc32:                  0,
	}
	copy(hdr.Signature[:], signatureHeader)

	if err := w.writeRaw(hdr); err != nil {
		logflags.BinaryLogLogger().Errorf("write file header: %v", err)
		return
	}
	w.headerWritten = true

	if err := w.writeWideChecked(path); err != nil {
		logflags.BinaryLogLogger().Errorf("write debuggee path: %v", err)
	}
	if err := w.writeWideChecked(workDir); err != nil {
		logflags.BinaryLogLogger().Errorf("write working directory: %v", err)
	}
	for _, arg := range args {
		if err := w.writeChecked(uint32(len(arg))); err != nil {
			logflags.BinaryLogLogger().Errorf("write argument length: %v", err)
			continue
		}
		if err := w.writeNarrowChecked(arg); err != nil {
			logflags.BinaryLogLogger().Errorf("write argument: %v", err)
		}
	}
}

func (w *Writer) writeEnvelope(t time.Time, id EventID, pi pump.ProcessInfo, size uint64) error {
	env := eventEnvelope{
		Time:    t.Unix(),
		EventId: uint32(id),
		Size:    size,
		PI:      eventProcessInfo{Pid: pi.ProcessId, Tid: pi.ThreadId},
	}
	copy(env.Signature[:], signatureEvent)
	return w.writeChecked(env)
}

// OnBreakpointHit and OnException share the exact same on-disk shape;
// the distinction between the two lives entirely in ExceptionEvent's
// IsBreakpoint-derived fields, mirroring WriterDebuggerEventHandler's
// single private Write(EXCEPTION_DEBUG_INFO, ...) overload.
func (w *Writer) OnBreakpointHit(t time.Time, pi pump.ProcessInfo, ev pump.ExceptionEvent, modules *moduleindex.Index) {
	w.writeException(t, pi, ev, modules)
}

func (w *Writer) OnException(t time.Time, pi pump.ProcessInfo, ev pump.ExceptionEvent, modules *moduleindex.Index) {
	w.writeException(t, pi, ev, modules)
}

func (w *Writer) writeException(t time.Time, pi pump.ProcessInfo, ev pump.ExceptionEvent, modules *moduleindex.Index) {
	moduleIndex := int64(-1)
	var offset uint64
	if mod, ok := modules.ModuleAtAddress(ev.Address); ok {
		moduleIndex = int64(modules.IndexOfPath(mod.Path))
		offset = uint64(ev.Address) - uint64(mod.Base)
	}

	trailer := exceptionTrailer{
		Addr:           uint64(ev.Address),
		OffsetInModule: offset,
		ModuleIndex:    moduleIndex,
		Code:           ev.Code,
		Wow64:          boolByte(ev.Context != nil && !ev.Context.Is64()),
		IsBreakpoint:   boolByte(pump.IsBreakpoint(ev.Code)),
		IsFirstChance:  boolByte(ev.FirstChance),
	}

	if err := w.writeEnvelope(t, EventException, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write exception envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write exception trailer: %v", err)
		return
	}
	if err := w.writeContext(ev.Context); err != nil {
		logflags.BinaryLogLogger().Errorf("write thread context: %v", err)
	}
	if err := w.writeStackTrace(ev.Trace, modules); err != nil {
		logflags.BinaryLogLogger().Errorf("write stack trace: %v", err)
	}
	if err := w.writeRTTI(ev); err != nil {
		logflags.BinaryLogLogger().Errorf("write RTTI frame: %v", err)
	}
}

func (w *Writer) OnCreateProcess(t time.Time, pi pump.ProcessInfo, ev pump.CreateProcessEvent, modules *moduleindex.Index) {
	trailer := createProcessTrailer{
		PathLength: uint64(pathutil.RuneCountInUTF16(ev.Path)),
		ModuleBase: uint64(ev.ModuleBase),
		ModuleSize: ev.ModuleSize,
	}
	if err := w.writeEnvelope(t, EventCreateProcess, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write create-process envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write create-process trailer: %v", err)
		return
	}
	if err := w.writeWideChecked(ev.Path); err != nil {
		logflags.BinaryLogLogger().Errorf("write create-process path: %v", err)
	}
}

func (w *Writer) OnCreateThread(t time.Time, pi pump.ProcessInfo, ev pump.CreateThreadEvent, modules *moduleindex.Index) {
	trailer := createThreadTrailer{
		EntryPoint:       uint64(ev.EntryPoint),
		ModuleIndex:      int64(ev.ModuleIndex),
		EntryPointOffset: uint64(ev.ModuleOffset),
	}
	if err := w.writeEnvelope(t, EventCreateThread, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write create-thread envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write create-thread trailer: %v", err)
	}
}

func (w *Writer) OnExitProcess(t time.Time, pi pump.ProcessInfo, ev pump.ExitEvent, modules *moduleindex.Index) {
	w.writeExit(t, EventExitProcess, pi, ev)
}

func (w *Writer) OnExitThread(t time.Time, pi pump.ProcessInfo, ev pump.ExitEvent, modules *moduleindex.Index) {
	w.writeExit(t, EventExitThread, pi, ev)
}

func (w *Writer) writeExit(t time.Time, id EventID, pi pump.ProcessInfo, ev pump.ExitEvent) {
	trailer := exitTrailer{ExitCode: ev.ExitCode}
	if err := w.writeEnvelope(t, id, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write %s envelope: %v", id, err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write %s trailer: %v", id, err)
	}
}

func (w *Writer) OnDllLoad(t time.Time, pi pump.ProcessInfo, ev pump.DllEvent, modules *moduleindex.Index) {
	trailer := loadDllTrailer{
		ModuleIndex: int64(ev.ModuleIndex),
		Base:        uint64(ev.ModuleBase),
		Size:        ev.ModuleSize,
		PathLength:  uint64(pathutil.RuneCountInUTF16(ev.Path)),
	}
	if err := w.writeEnvelope(t, EventLoadDll, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write dll-load envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write dll-load trailer: %v", err)
		return
	}
	if err := w.writeWideChecked(ev.Path); err != nil {
		logflags.BinaryLogLogger().Errorf("write dll-load path: %v", err)
	}
}

func (w *Writer) OnDllUnload(t time.Time, pi pump.ProcessInfo, ev pump.DllEvent, modules *moduleindex.Index) {
	trailer := unloadDllTrailer{Base: uint64(ev.ModuleBase)}
	if err := w.writeEnvelope(t, EventUnloadDll, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write dll-unload envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write dll-unload trailer: %v", err)
	}
}

func (w *Writer) OnDebugString(t time.Time, pi pump.ProcessInfo, ev pump.DebugStringEvent) {
	w.writeDebugString(t, pi, ev.Message, false)
}

func (w *Writer) OnDebugStringW(t time.Time, pi pump.ProcessInfo, ev pump.DebugStringEvent) {
	w.writeDebugString(t, pi, ev.Message, true)
}

func (w *Writer) writeDebugString(t time.Time, pi pump.ProcessInfo, message string, unicode bool) {
	length := uint64(len(message))
	if unicode {
		length = uint64(pathutil.RuneCountInUTF16(message))
	}
	trailer := debugStringTrailer{IsUnicode: boolByte(unicode), Length: length}
	if err := w.writeEnvelope(t, EventDebugString, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write debug-string envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write debug-string trailer: %v", err)
		return
	}
	var writeErr error
	if unicode {
		writeErr = w.writeWideChecked(message)
	} else {
		writeErr = w.writeNarrowChecked(message)
	}
	if writeErr != nil {
		logflags.BinaryLogLogger().Errorf("write debug-string body: %v", writeErr)
	}
}

func (w *Writer) OnRip(t time.Time, pi pump.ProcessInfo, ev pump.RipEvent) {
	trailer := ripTrailer{Type: ev.Type, Error: ev.ErrorCode}
	if err := w.writeEnvelope(t, EventRip, pi, uint64(binSize(trailer))); err != nil {
		logflags.BinaryLogLogger().Errorf("write rip envelope: %v", err)
		return
	}
	if err := w.writeChecked(trailer); err != nil {
		logflags.BinaryLogLogger().Errorf("write rip trailer: %v", err)
	}
}

// OnModuleCollectionComplete finalizes the log: the running checksum
// is stamped into the header's Crc32 field by seeking back to its
// fixed offset, then the stream position is restored.
func (w *Writer) OnModuleCollectionComplete(t time.Time, modules *moduleindex.Index) {
	if !w.headerWritten {
		return
	}
	end, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil {
		logflags.BinaryLogLogger().Errorf("seek before crc finalize: %v", err)
		return
	}
	if _, err := w.w.Seek(crc32FieldOffset, io.SeekStart); err != nil {
		logflags.BinaryLogLogger().Errorf("seek to crc field: %v", err)
		return
	}
	if err := w.writeRaw(w.crc.Sum32()); err != nil {
		logflags.BinaryLogLogger().Errorf("write final crc: %v", err)
	}
	if _, err := w.w.Seek(end, io.SeekStart); err != nil {
		logflags.BinaryLogLogger().Errorf("restore stream position: %v", err)
	}
}

// writeContext writes the 32- or 64-bit CONTEXT struct snap carries,
// matching WriterDebuggerEventHandler::Write(shared_ptr<DebugContext>):
// the choice between layouts follows Is64, with no discriminator byte
// of its own (the exception trailer's Wow64 field is the signal).
func (w *Writer) writeContext(snap *threadctx.Snapshot) error {
	if snap == nil {
		return nil
	}
	if snap.Is64() {
		return w.writeChecked(*snap.X64)
	}
	return w.writeChecked(*snap.X86)
}

func (w *Writer) writeStackTrace(trace *stacktrace.Trace, modules *moduleindex.Index) error {
	hdr := stackTraceHeader{}
	copy(hdr.Signature[:], signatureStackTrace)
	if trace != nil {
		hdr.MaxRecursion = uint64(trace.MaxRecursion)
		hdr.MaxInstructions = uint64(trace.MaxInstructions)
		hdr.EntryCount = uint64(len(trace.Frames))
	}
	if err := w.writeChecked(hdr); err != nil {
		return err
	}
	if trace == nil {
		return nil
	}
	for _, f := range trace.Frames {
		moduleIdx := int64(0)
		if f.HasModule {
			moduleIdx = int64(modules.IndexOfPath(f.Module.Path))
		}
		entry := stackTraceEntry{
			ModuleIndex:         moduleIdx,
			ModuleBase:          uint64(f.ModuleBase),
			Address:             uint64(f.Address),
			AbsoluteAddress:     uint64(f.AbsoluteAddress),
			AbsoluteLineAddress: uint64(f.AbsoluteLineAddr),
			LineAddress:         uint64(f.LineAddress),
			NameLength:          uint64(len(f.Name)),
			PathLength:          uint64(pathutil.RuneCountInUTF16(f.File)),
			LineNumber:          uint64(f.Line),
			IsRecursion:         boolByte(f.Recursion),
			RecursionCount:      uint64(f.RecursionCount),
			InstructionCount:    uint64(len(f.Instructions)),
		}
		if err := w.writeChecked(entry); err != nil {
			return err
		}
		if err := w.writeNarrowChecked(f.Name); err != nil {
			return err
		}
		if err := w.writeWideChecked(f.File); err != nil {
			return err
		}
		for _, instr := range f.Instructions {
			instrEntry := stackTraceInstruction{
				Is64BitAddress: boolByte(instr.Is64BitAddress),
				Offset:         instr.Offset,
				Size:           uint64(instr.Size),
				HexLength:      uint64(len(instr.Hex)),
				MnemonicLength: uint64(len(instr.Mnemonic)),
				OperandsLength: uint64(len(instr.Operands)),
			}
			if err := w.writeChecked(instrEntry); err != nil {
				return err
			}
			if err := w.writeNarrowChecked(instr.Hex); err != nil {
				return err
			}
			if err := w.writeNarrowChecked(instr.Mnemonic); err != nil {
				return err
			}
			if err := w.writeNarrowChecked(instr.Operands); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) writeRTTI(ev pump.ExceptionEvent) error {
	frame := rttiFrame{}
	copy(frame.Signature[:], signatureRTTI)
	if ev.RTTI != nil {
		frame.HasMessage = boolByte(ev.RTTI.HasMessage)
		frame.TypeCount = uint64(len(ev.RTTI.TypeNames))
		frame.MessageLength = uint64(len(ev.RTTI.Message))
		frame.ThrowImageLength = uint64(pathutil.RuneCountInUTF16(ev.RTTI.ThrowImage))
	}
	if err := w.writeChecked(frame); err != nil {
		return err
	}
	if ev.RTTI == nil {
		return nil
	}
	for _, name := range ev.RTTI.TypeNames {
		if err := w.writeChecked(uint64(len(name))); err != nil {
			return err
		}
		if err := w.writeNarrowChecked(name); err != nil {
			return err
		}
	}
	if err := w.writeNarrowChecked(ev.RTTI.Message); err != nil {
		return err
	}
	return w.writeWideChecked(ev.RTTI.ThrowImage)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func binSize(v interface{}) int {
	n := binary.Size(v)
	if n < 0 {
		panic(fmt.Sprintf("binSize: type %T has no fixed size", v))
	}
	return n
}
