package threadctx

import (
	"testing"
	"unsafe"
)

func TestSnapshotAccessors64(t *testing.T) {
	ctx := NewCONTEXT64()
	ctx.Rip = 0x7ff6deadbeef
	ctx.Rsp = 0x1000
	ctx.Rbp = 0x1080

	snap := NewSnapshot64(0x10, 0x20, ctx)
	if !snap.Is64() {
		t.Error("expected Is64 to be true for a 64-bit snapshot")
	}
	if snap.PC() != 0x7ff6deadbeef {
		t.Errorf("PC() = %#x, want %#x", snap.PC(), 0x7ff6deadbeef)
	}
	if snap.SP() != 0x1000 {
		t.Errorf("SP() = %#x, want %#x", snap.SP(), 0x1000)
	}
	if snap.BP() != 0x1080 {
		t.Errorf("BP() = %#x, want %#x", snap.BP(), 0x1080)
	}
}

func TestSnapshotAccessors32(t *testing.T) {
	ctx := NewCONTEXT32()
	ctx.Eip = 0x401000
	ctx.Esp = 0x200
	ctx.Ebp = 0x280

	snap := NewSnapshot32(0x10, 0x20, ctx)
	if snap.Is64() {
		t.Error("expected Is64 to be false for a WOW64 snapshot")
	}
	if snap.PC() != 0x401000 {
		t.Errorf("PC() = %#x, want %#x", snap.PC(), 0x401000)
	}
	if snap.SP() != 0x200 {
		t.Errorf("SP() = %#x, want %#x", snap.SP(), 0x200)
	}
	if snap.BP() != 0x280 {
		t.Errorf("BP() = %#x, want %#x", snap.BP(), 0x280)
	}
}

func TestCONTEXT64Alignment(t *testing.T) {
	for i := 0; i < 8; i++ {
		ctx := NewCONTEXT64()
		if uintptr(unsafe.Pointer(ctx))%16 != 0 {
			t.Fatalf("CONTEXT64 allocation %d not 16-byte aligned: %p", i, ctx)
		}
	}
}

func TestSnapshotCloseIsIdempotent(t *testing.T) {
	var closed int
	SetHandleCloser(func(h uintptr) error {
		closed++
		return nil
	})
	defer SetHandleCloser(func(uintptr) error { return nil })

	snap := NewSnapshot64(0x10, 0x99, NewCONTEXT64())
	if err := snap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := snap.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if closed != 1 {
		t.Errorf("closeHandle called %d times, want 1", closed)
	}
	if snap.Thread != 0 {
		t.Errorf("Thread = %#x after Close, want 0", snap.Thread)
	}
}

func TestSnapshotCloseNoopOnZeroHandle(t *testing.T) {
	var closed int
	SetHandleCloser(func(h uintptr) error {
		closed++
		return nil
	})
	defer SetHandleCloser(func(uintptr) error { return nil })

	snap := &Snapshot{}
	if err := snap.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed != 0 {
		t.Errorf("closeHandle should not be called for a zero handle, got %d calls", closed)
	}
}
