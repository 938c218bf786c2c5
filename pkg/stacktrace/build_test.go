package stacktrace

import (
	"testing"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// fakeSymbolService replays a fixed sequence of walkFrames, ignoring
// the snapshot/prev arguments entirely.
type fakeSymbolService struct {
	frames []walkFrame
	pos    int
	names  map[uintptr]string
}

func (f *fakeSymbolService) Init(string) error { return nil }
func (f *fakeSymbolService) Cleanup()          {}

func (f *fakeSymbolService) NextFrame(ctx *threadctx.Snapshot, prev *walkFrame) (walkFrame, bool) {
	if f.pos >= len(f.frames) {
		return walkFrame{}, false
	}
	wf := f.frames[f.pos]
	f.pos++
	return wf, true
}

func (f *fakeSymbolService) SymbolAt(addr uintptr) (Symbol, bool) {
	name, ok := f.names[addr]
	if !ok {
		return Symbol{}, false
	}
	return Symbol{Name: name, Address: addr}, true
}

func (f *fakeSymbolService) LineAt(addr uintptr) (Line, bool) {
	return Line{}, false
}

type fakeFacade struct{}

func (fakeFacade) Read(addr uintptr, buf []byte) error                { return nil }
func (fakeFacade) ReadValue(addr uintptr, size int) (uint64, error)    { return 0, nil }
func (fakeFacade) ReadCString(addr uintptr, maxLen int) (string, error) { return "", nil }
func (fakeFacade) ReadStringW(addr uintptr, maxLen int) (string, error) { return "", nil }
func (fakeFacade) EnumerateModules() ([]target.ModuleInfo, error)     { return nil, nil }
func (fakeFacade) IsWow64() (bool, error)                             { return false, nil }
func (fakeFacade) Terminate(exitCode uint32) error                    { return nil }
func (fakeFacade) GetThreadContext(tid uint32) (*threadctx.Snapshot, error) {
	return nil, nil
}
func (fakeFacade) Pid() uint32            { return 1 }
func (fakeFacade) ProcessHandle() uintptr { return 0 }

func TestBuildLinearStack(t *testing.T) {
	svc := &fakeSymbolService{
		frames: []walkFrame{
			{PC: 0x1000, Return: 0x2000},
			{PC: 0x2010, Return: 0x3000},
			{PC: 0x3010, Return: 0},
		},
		names: map[uintptr]string{0x1000: "leaf", 0x2010: "middle", 0x3010: "main"},
	}
	idx := moduleindex.New()
	snap := threadctx.NewSnapshot64(0, 0, threadctx.NewCONTEXT64())

	trace, err := Build(fakeFacade{}, idx, svc, nil, snap, Options{MaxRecursion: 8})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(trace.Frames))
	}
	for _, f := range trace.Frames {
		if f.Recursion {
			t.Errorf("frame at %#x unexpectedly marked recursive", f.Address)
		}
	}
	if trace.Frames[0].Name != "leaf" || trace.Frames[2].Name != "main" {
		t.Errorf("unexpected frame names: %+v", trace.Frames)
	}
}

func TestBuildCollapsesDeepRecursion(t *testing.T) {
	const recursionDepth = 10
	var frames []walkFrame
	for i := 0; i < recursionDepth; i++ {
		frames = append(frames, walkFrame{PC: 0x4000, Return: 0x4000})
	}
	frames = append(frames, walkFrame{PC: 0x5000, Return: 0})

	svc := &fakeSymbolService{frames: frames, names: map[uintptr]string{0x4000: "recurse", 0x5000: "main"}}
	idx := moduleindex.New()
	snap := threadctx.NewSnapshot64(0, 0, threadctx.NewCONTEXT64())

	trace, err := Build(fakeFacade{}, idx, svc, nil, snap, Options{MaxRecursion: 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3 (recursion marker + last recursive frame resolved + main)", len(trace.Frames))
	}
	if !trace.Frames[0].Recursion {
		t.Error("expected first frame to be a recursion marker")
	}
	if trace.Frames[0].RecursionCount != recursionDepth {
		t.Errorf("RecursionCount = %d, want %d", trace.Frames[0].RecursionCount, recursionDepth)
	}
	if trace.Frames[0].Name != "" {
		t.Errorf("recursion marker should carry no symbol, got %q", trace.Frames[0].Name)
	}
	if trace.Frames[1].Recursion {
		t.Error("the resolved recursive frame should not itself be marked recursive")
	}
	if trace.Frames[1].Name != "recurse" {
		t.Errorf("expected the last recursive frame resolved as %q, got %q", "recurse", trace.Frames[1].Name)
	}
	if trace.Frames[2].Name != "main" {
		t.Errorf("expected trailing main frame, got %+v", trace.Frames[2])
	}
}

func TestBuildBelowThresholdRecursionNotCollapsed(t *testing.T) {
	frames := []walkFrame{
		{PC: 0x4000, Return: 0x4000},
		{PC: 0x4000, Return: 0x4000},
		{PC: 0x5000, Return: 0},
	}
	svc := &fakeSymbolService{frames: frames, names: map[uintptr]string{0x4000: "recurse", 0x5000: "main"}}
	idx := moduleindex.New()
	snap := threadctx.NewSnapshot64(0, 0, threadctx.NewCONTEXT64())

	trace, err := Build(fakeFacade{}, idx, svc, nil, snap, Options{MaxRecursion: 4})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(trace.Frames) != 3 {
		t.Fatalf("got %d frames, want 3 (below-threshold recursion expanded)", len(trace.Frames))
	}
	for _, f := range trace.Frames {
		if f.Recursion {
			t.Errorf("frame at %#x should not be collapsed below MaxRecursion threshold", f.Address)
		}
	}
}

func TestBuildUnlimitedRecursionNeverCollapses(t *testing.T) {
	var frames []walkFrame
	for i := 0; i < 50; i++ {
		frames = append(frames, walkFrame{PC: 0x4000, Return: 0x4000})
	}
	svc := &fakeSymbolService{frames: frames, names: map[uintptr]string{0x4000: "recurse"}}
	idx := moduleindex.New()
	snap := threadctx.NewSnapshot64(0, 0, threadctx.NewCONTEXT64())

	trace, err := Build(fakeFacade{}, idx, svc, nil, snap, Options{MaxRecursion: 0})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(trace.Frames) != 50 {
		t.Fatalf("got %d frames, want 50 (MaxRecursion=0 means unlimited, no collapsing)", len(trace.Frames))
	}
}
