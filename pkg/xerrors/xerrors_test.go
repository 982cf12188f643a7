package xerrors

import (
	"context"
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindDecryption, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindDecryption},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", wrapped), kind: KindDecryption},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindUnauthorized},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "context canceled", err: context.Canceled, kind: KindTransport},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("KindOf() = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindFetch, "fetch", "id", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindFetch, "retrieve.fetch", "abc", errors.New("connection refused"))
	want := "retrieve.fetch: fetch error abc: connection refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	if !Is(err, KindFetch) || Is(err, KindTransport) {
		t.Fatalf("Is mismatch for %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for k := KindInvalid; k <= KindInternal; k++ {
		got, ok := ParseKind(k.String())
		if !ok || got != k {
			t.Fatalf("ParseKind(%q) = %v, %v", k.String(), got, ok)
		}
	}
	if _, ok := ParseKind("bogus"); ok {
		t.Fatalf("ParseKind accepted an unknown kind")
	}
}
