package moduleindex

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestLoadWithSizeAndContainsAddress(t *testing.T) {
	idx := New()
	idx.LoadWithSize(`C:\app.exe`, 0x10000, 0x2000)

	mod, ok := idx.Active(0x10000)
	if !ok {
		t.Fatal("expected module active at base")
	}
	if !mod.ContainsAddress(0x10500) {
		t.Error("expected address within module range to be contained")
	}
	if mod.ContainsAddress(0x12000) {
		t.Error("expected address past module end to not be contained")
	}
}

func TestUnloadKeepsDurableOrder(t *testing.T) {
	idx := New()
	idx.LoadWithSize(`C:\app.exe`, 0x10000, 0x1000)
	idx.LoadWithSize(`C:\ntdll.dll`, 0x20000, 0x5000)

	idx.Unload(0x10000)

	if idx.ActivePath(`C:\app.exe`) {
		t.Error("expected app.exe to no longer be active")
	}
	if !idx.Contains(`C:\app.exe`) {
		t.Error("expected app.exe to remain in the durable order after unload")
	}
	if idx.IndexOfPath(`C:\app.exe`) != 0 {
		t.Errorf("expected app.exe to remain first in load order, got %d", idx.IndexOfPath(`C:\app.exe`))
	}
	if idx.IndexOfPath(`C:\ntdll.dll`) != 1 {
		t.Errorf("expected ntdll.dll to remain second in load order, got %d", idx.IndexOfPath(`C:\ntdll.dll`))
	}
}

func TestModuleAtAddressOnlyActive(t *testing.T) {
	idx := New()
	idx.LoadWithSize(`C:\app.exe`, 0x10000, 0x1000)
	idx.Unload(0x10000)

	if _, ok := idx.ModuleAtAddress(0x10500); ok {
		t.Error("expected no module match after unload")
	}
}

// fakeMemReader backs resolveImageSize's e_lfanew/PE-header reads with
// an in-memory buffer built to look like a minimal PE image header.
type fakeMemReader struct {
	base uintptr
	mem  []byte
}

func newFakePE(base uintptr, machine uint16, sizeOfImage uint32) *fakeMemReader {
	mem := make([]byte, 0x200)

	const peOffset = 0x80
	binary.LittleEndian.PutUint32(mem[0x3c:], uint32(peOffset))

	binary.LittleEndian.PutUint16(mem[peOffset:], 0x4550) // "PE\0\0" signature low bytes irrelevant here
	binary.LittleEndian.PutUint16(mem[peOffset+4:], machine)

	sizeOfImageOffset := peOffset + sizeOfImageOffset64
	binary.LittleEndian.PutUint32(mem[sizeOfImageOffset:], sizeOfImage)

	return &fakeMemReader{base: base, mem: mem}
}

func (f *fakeMemReader) Read(addr uintptr, buf []byte) error {
	off := int(addr - f.base)
	if off < 0 || off+len(buf) > len(f.mem) {
		return bytes.ErrTooLarge
	}
	copy(buf, f.mem[off:off+len(buf)])
	return nil
}

func TestLoadResolvesSizeFromPEHeadersAMD64(t *testing.T) {
	const base = 0x140000000
	r := newFakePE(base, imageFileMachineAMD64, 0x9000)

	idx := New()
	if err := idx.Load(r, `C:\app.exe`, base); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mod, ok := idx.Active(base)
	if !ok {
		t.Fatal("expected module active")
	}
	if mod.Size != 0x9000 {
		t.Errorf("Size = %#x, want %#x", mod.Size, 0x9000)
	}
}

func TestLoadResolvesSizeFromPEHeadersI386(t *testing.T) {
	const base = 0x400000
	r := newFakePE(base, imageFileMachineI386, 0x3000)

	idx := New()
	if err := idx.Load(r, `C:\app32.exe`, base); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mod, _ := idx.Active(base)
	if mod.Size != 0x3000 {
		t.Errorf("Size = %#x, want %#x", mod.Size, 0x3000)
	}
}

func TestLoadRejectsUnknownMachine(t *testing.T) {
	const base = 0x50000
	r := newFakePE(base, 0x1234, 0x1000)

	idx := New()
	if err := idx.Load(r, `C:\weird.dll`, base); err == nil {
		t.Fatal("expected error for unsupported machine type")
	}
}
