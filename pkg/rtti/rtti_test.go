package rtti

import (
	"encoding/binary"
	"testing"

	"github.com/crashsnap/crashsnap/pkg/moduleindex"
	"github.com/crashsnap/crashsnap/pkg/target"
	"github.com/crashsnap/crashsnap/pkg/threadctx"
)

// fakeFacade is a minimal target.Facade backed by a flat byte buffer
// addressed starting at base, enough to exercise Decode without a
// real process.
type fakeFacade struct {
	base uintptr
	mem  []byte
}

func newFakeFacade(base uintptr, size int) *fakeFacade {
	return &fakeFacade{base: base, mem: make([]byte, size)}
}

func (f *fakeFacade) off(addr uintptr) int {
	return int(addr - f.base)
}

func (f *fakeFacade) Read(addr uintptr, buf []byte) error {
	o := f.off(addr)
	if o < 0 || o+len(buf) > len(f.mem) {
		return target.ErrShortRead{Addr: addr, MaxLen: len(buf)}
	}
	copy(buf, f.mem[o:o+len(buf)])
	return nil
}

func (f *fakeFacade) ReadValue(addr uintptr, size int) (uint64, error) {
	buf := make([]byte, size)
	if err := f.Read(addr, buf); err != nil {
		return 0, err
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v, nil
}

func (f *fakeFacade) ReadCString(addr uintptr, maxLen int) (string, error) {
	o := f.off(addr)
	if o < 0 || o >= len(f.mem) {
		return "", target.ErrShortRead{Addr: addr, MaxLen: maxLen}
	}
	end := o
	for end < len(f.mem) && end-o < maxLen && f.mem[end] != 0 {
		end++
	}
	if end-o >= maxLen {
		return "", target.ErrShortRead{Addr: addr, MaxLen: maxLen}
	}
	return string(f.mem[o:end]), nil
}

func (f *fakeFacade) ReadStringW(addr uintptr, maxLen int) (string, error) { return "", nil }
func (f *fakeFacade) EnumerateModules() ([]target.ModuleInfo, error)       { return nil, nil }
func (f *fakeFacade) IsWow64() (bool, error)                               { return false, nil }
func (f *fakeFacade) Terminate(exitCode uint32) error                      { return nil }
func (f *fakeFacade) GetThreadContext(tid uint32) (*threadctx.Snapshot, error) {
	return nil, nil
}
func (f *fakeFacade) Pid() uint32            { return 1234 }
func (f *fakeFacade) ProcessHandle() uintptr { return 0 }

type stubDemangler struct{}

func (stubDemangler) Demangle(decorated string) (string, bool) {
	switch decorated {
	case ".?AVruntime_error@std@@":
		return "class std::runtime_error", true
	default:
		return "", false
	}
}

func putInt32(buf []byte, off int, v int32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v))
}

func TestDecode64SingleCatchableType(t *testing.T) {
	const imageBase uintptr = 0x140000000
	f := newFakeFacade(imageBase, 0x2000)

	const throwInfoRVA = 0x100
	const typeArrayRVA = 0x200
	const catchableRVA = 0x300
	const typeDescRVA = 0x400
	const nameRVA = typeDescRVA + typeDescriptor64NameOffset

	throwInfoAddr := imageBase + throwInfoRVA
	ti := make([]byte, 16)
	putInt32(ti, 12, int32(typeArrayRVA))
	copy(f.mem[f.off(throwInfoAddr):], ti)

	typeArrayAddr := imageBase + typeArrayRVA
	arr := make([]byte, 8)
	putInt32(arr, 0, 1)
	putInt32(arr, 4, int32(catchableRVA))
	copy(f.mem[f.off(typeArrayAddr):], arr)

	catchableAddr := imageBase + catchableRVA
	ct := make([]byte, 20)
	putInt32(ct, 4, int32(typeDescRVA))
	copy(f.mem[f.off(catchableAddr):], ct)

	nameAddr := imageBase + nameRVA
	copy(f.mem[f.off(nameAddr):], []byte(".?AVruntime_error@std@@\x00"))

	idx := moduleindex.New()
	idx.LoadWithSize("C:\\app.exe", imageBase, 0x2000)

	params := []uintptr{EHMagicNumber1, 0, uintptr(throwInfoAddr), imageBase}
	summary, err := Decode(f, idx, stubDemangler{}, true, params)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(summary.TypeNames) != 1 || summary.TypeNames[0] != "class std::runtime_error" {
		t.Fatalf("unexpected type names: %#v", summary.TypeNames)
	}
	if summary.ThrowImage != "C:\\app.exe" {
		t.Fatalf("unexpected throw image: %q", summary.ThrowImage)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	f := newFakeFacade(0x1000, 0x100)
	idx := moduleindex.New()
	_, err := Decode(f, idx, stubDemangler{}, true, []uintptr{0xdead, 0, 0})
	if err == nil {
		t.Fatal("expected error for bad magic number")
	}
}

func TestDecodeTooFewParameters(t *testing.T) {
	f := newFakeFacade(0x1000, 0x100)
	idx := moduleindex.New()
	_, err := Decode(f, idx, stubDemangler{}, true, []uintptr{EHMagicNumber1, 0})
	if err == nil {
		t.Fatal("expected error for too few parameters")
	}
}
