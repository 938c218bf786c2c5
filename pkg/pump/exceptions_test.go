package pump

import "testing"

func TestExceptionName(t *testing.T) {
	cases := map[uint32]string{
		exceptionAccessViolation: "EXCEPTION_ACCESS_VIOLATION",
		exceptionBreakpoint:      "EXCEPTION_BREAKPOINT",
		ehExceptionNumber:        "CXX_VCPP_EH_EXCEPTION",
		0xdeadbeef:               "",
	}
	for code, want := range cases {
		if got := ExceptionName(code); got != want {
			t.Errorf("ExceptionName(%#x) = %q, want %q", code, got, want)
		}
	}
}

func TestIsBreakpoint(t *testing.T) {
	if !IsBreakpoint(exceptionBreakpoint) {
		t.Error("exceptionBreakpoint should be a breakpoint")
	}
	if !IsBreakpoint(statusWx86Breakpoint) {
		t.Error("statusWx86Breakpoint should be a breakpoint")
	}
	if IsBreakpoint(exceptionAccessViolation) {
		t.Error("exceptionAccessViolation should not be a breakpoint")
	}
}

func TestIsCxxEHException(t *testing.T) {
	if !IsCxxEHException(ehExceptionNumber, []uintptr{ehMagicNumber1, 0, 0}) {
		t.Error("expected genuine EH exception to be recognized")
	}
	if IsCxxEHException(ehExceptionNumber, []uintptr{0xbad, 0, 0}) {
		t.Error("wrong magic number should not be recognized as EH exception")
	}
	if IsCxxEHException(exceptionAccessViolation, []uintptr{ehMagicNumber1}) {
		t.Error("non-EH exception code should never be recognized")
	}
	if IsCxxEHException(ehExceptionNumber, nil) {
		t.Error("empty parameters should not be recognized")
	}
}
