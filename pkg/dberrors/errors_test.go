package dberrors

import (
	"errors"
	"testing"
)

func TestNewWrapsNilCauseWithDescription(t *testing.T) {
	err := New("pkg.Op", Integrity, nil, "")
	if err.Cause == nil {
		t.Fatal("New(nil cause) left Cause nil")
	}
	if err.Cause.Error() != Meta(Integrity).Description {
		t.Fatalf("Cause = %q, want code description", err.Cause.Error())
	}
}

func TestWithIdentDoesNotMutateOriginal(t *testing.T) {
	base := New("pkg.Op", Policy, nil, "duplicate")
	withIdent := base.WithIdent("msg-123")
	if base.Ident != "" {
		t.Fatal("WithIdent mutated the receiver")
	}
	if withIdent.Ident != "msg-123" {
		t.Fatalf("Ident = %q, want msg-123", withIdent.Ident)
	}
}

func TestIsAndCodeOf(t *testing.T) {
	err := New("pkg.Op", Framing, nil, "truncated")
	if !Is(err, Framing) {
		t.Fatal("Is(Framing) = false")
	}
	if Is(err, Integrity) {
		t.Fatal("Is(Integrity) = true for a Framing error")
	}
	if CodeOf(err) != Framing {
		t.Fatalf("CodeOf = %v, want Framing", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != Internal {
		t.Fatal("CodeOf(plain error) should default to Internal")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New("op", Framing, nil, ""), 3},
		{New("op", Integrity, nil, ""), 3},
		{New("op", Version, nil, ""), 4},
		{New("op", Io, nil, ""), 1},
		{errors.New("unrelated"), 1},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New("pkg.Op", Io, cause, "append")
	if errors.Unwrap(err) != cause {
		t.Fatal("Unwrap did not return the original cause")
	}
}
