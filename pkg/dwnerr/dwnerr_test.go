package dwnerr

import (
	"errors"
	"testing"
)

func TestStatusCode_MapsEveryKind(t *testing.T) {
	cases := map[Kind]int{
		KindMalformed:     400,
		KindIntegrity:     400,
		KindAuth:          401,
		KindNotFound:      404,
		KindConflict:      409,
		KindUnimplemented: 501,
		KindInternal:      500,
	}
	for kind, want := range cases {
		if got := StatusCode(kind); got != want {
			t.Errorf("StatusCode(%s) = %d, want %d", kind, got, want)
		}
	}
}

func TestStatusCode_UnknownKindIsInternal(t *testing.T) {
	if got := StatusCode(Kind("bogus")); got != 500 {
		t.Fatalf("expected an unrecognized kind to map to 500, got %d", got)
	}
}

func TestError_UnwrapsCause(t *testing.T) {
	cause := errors.New("underlying failure")
	err := Wrap(KindInternal, "DWN/TEST/WRAPPED", "wrapped it", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}

	var derr *Error
	if !errors.As(err, &derr) {
		t.Fatalf("expected errors.As to find *Error")
	}
	if derr.StatusCode() != 500 {
		t.Fatalf("expected wrapped KindInternal error to report 500, got %d", derr.StatusCode())
	}
}

func TestError_NewHasNoCause(t *testing.T) {
	err := New(KindNotFound, CodeRecordNotFound, "no such record")
	if err.Cause != nil {
		t.Fatalf("expected New to leave Cause nil")
	}
	if err.Unwrap() != nil {
		t.Fatalf("expected Unwrap() to return nil when there is no cause")
	}
}

func TestError_MessageIncludesCodeAndCause(t *testing.T) {
	plain := New(KindConflict, CodeOlderVersion, "stale write")
	if plain.Error() == "" {
		t.Fatal("expected a non-empty error string")
	}

	wrapped := Wrap(KindConflict, CodeOlderVersion, "stale write", errors.New("boom"))
	if wrapped.Error() == plain.Error() {
		t.Fatalf("expected wrapping a cause to change the rendered message")
	}
}
