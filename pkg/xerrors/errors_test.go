package xerrors

import (
	"errors"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		Opening:          "DatabaseOpening",
		Corrupt:          "DatabaseCorrupt",
		Modified:         "DatabaseModified",
		Lock:             "DatabaseLock",
		IO:               "DatabaseError",
		InvalidArgument:  "InvalidArgument",
		InvalidOperation: "InvalidOperation",
		Unavailable:      "FeatureUnavailable",
		Unimplemented:    "Unimplemented",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestErrorsIs(t *testing.T) {
	err := New(Corrupt, "bad directory end %d", 42)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("errors.Is(%v, ErrCorrupt) = false, want true", err)
	}
	if errors.Is(err, ErrModified) {
		t.Errorf("errors.Is(%v, ErrModified) = true, want false", err)
	}
	if !Is(err, Corrupt) {
		t.Errorf("Is(err, Corrupt) = false, want true")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(IO, cause, "writing block %d", 7)
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if err.Cause != cause {
		t.Errorf("err.Cause = %v, want %v", err.Cause, cause)
	}
}
