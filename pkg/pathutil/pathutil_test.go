package pathutil

import (
	"testing"
	"time"
)

func TestUTF16RoundTrip(t *testing.T) {
	cases := []string{"C:\\Windows\\System32\\ntdll.dll", "", "unicode: 漢字", "emoji: 🎉"}
	for _, s := range cases {
		units := EncodeUTF16(s)
		got := DecodeUTF16(units)
		if got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestRuneCountInUTF16SurrogatePairs(t *testing.T) {
	// U+1F389 (🎉) requires a surrogate pair: 2 UTF-16 code units.
	if n := RuneCountInUTF16("🎉"); n != 2 {
		t.Errorf("RuneCountInUTF16(emoji) = %d, want 2", n)
	}
	if n := RuneCountInUTF16("ab"); n != 2 {
		t.Errorf("RuneCountInUTF16(\"ab\") = %d, want 2", n)
	}
}

func TestExpandTemplate(t *testing.T) {
	when := time.Date(2026, 8, 6, 12, 30, 0, 0, time.UTC)
	got := ExpandTemplate("{process}-{pid}-{date}.hsl", 4242, `C:\app\game.exe`, when)
	want := "game-4242-20260806-123000.hsl"
	if got != want {
		t.Errorf("ExpandTemplate() = %q, want %q", got, want)
	}
}

func TestAbsPathCleansRelative(t *testing.T) {
	abs, err := AbsPath("./foo/../bar.txt")
	if err != nil {
		t.Fatalf("AbsPath: %v", err)
	}
	if abs == "" {
		t.Fatal("expected non-empty absolute path")
	}
}
