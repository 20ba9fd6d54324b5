package verrors

import (
	"errors"
	"io"
	"testing"
)

func TestWrapPreservesCauseForErrorsIs(t *testing.T) {
	base := io.ErrUnexpectedEOF
	wrapped := Wrap(base, Io, "container.read")
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatalf("expected errors.Is to find wrapped io.ErrUnexpectedEOF")
	}
	if KindOf(wrapped) != Io {
		t.Fatalf("KindOf = %s, want %s", KindOf(wrapped), Io)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, Io, "op") != nil {
		t.Fatalf("Wrap(nil, ...) must return nil")
	}
}

func TestWrapChainsOps(t *testing.T) {
	inner := New(NotFound, "index.get", "message id absent")
	outer := Wrap(inner, CorruptBlock, "folder.move")
	if KindOf(outer) != NotFound {
		t.Fatalf("innermost kind must be preserved, got %s", KindOf(outer))
	}
	var e *Error
	if !errors.As(outer, &e) {
		t.Fatalf("expected errors.As to find *Error")
	}
	if e.Op != "folder.move: index.get" {
		t.Fatalf("op chain = %q", e.Op)
	}
}

func TestRetryableOnlyForIo(t *testing.T) {
	if !Retryable(New(Io, "x", "")) {
		t.Fatalf("Io must be retryable")
	}
	if Retryable(New(CorruptBlock, "x", "")) {
		t.Fatalf("CorruptBlock must not be retryable")
	}
}

func TestKindsSortedAndKnown(t *testing.T) {
	ks := Kinds()
	for i := 1; i < len(ks); i++ {
		if ks[i-1] >= ks[i] {
			t.Fatalf("Kinds() not strictly sorted at %d: %s >= %s", i, ks[i-1], ks[i])
		}
	}
	if !Known(Io) || Known(Kind("bogus")) {
		t.Fatalf("Known() mismatch")
	}
}
