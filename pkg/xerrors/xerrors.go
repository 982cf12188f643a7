package xerrors

import (
	"context"
	"errors"
	iofs "io/fs"
	"os"
)

// Kind classifies arvault errors so callers can pick a remediation without
// string matching.
type Kind int

const (
	KindInvalid Kind = iota
	KindNotFound
	// KindEntropy means key or IV generation failed. Not retryable.
	KindEntropy
	// KindDecryption means the blob is structurally unusable with the key.
	KindDecryption
	// KindTransportIntegrity means fetched ciphertext does not match its manifest hash.
	KindTransportIntegrity
	// KindPlaintextIntegrity means decrypted bytes do not match the plaintext hash.
	KindPlaintextIntegrity
	// KindTransport covers upload-side network and storage failures.
	KindTransport
	// KindFetch covers retrieval failures: unknown identifier or unreachable network.
	KindFetch
	KindUnauthorized
	KindInternal
)

// Error wraps an underlying error with additional metadata.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Kind.String()
	if e.Op != "" {
		base = e.Op + ": " + base
	}
	if e.ID != "" {
		base += " " + e.ID
	}
	if e.Err != nil {
		return base + ": " + e.Err.Error()
	}
	return base
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindEntropy:
		return "entropy source failure"
	case KindDecryption:
		return "decryption failed"
	case KindTransportIntegrity:
		return "ciphertext integrity mismatch"
	case KindPlaintextIntegrity:
		return "plaintext integrity mismatch"
	case KindTransport:
		return "transport error"
	case KindFetch:
		return "fetch error"
	case KindUnauthorized:
		return "unauthorized"
	case KindInternal:
		return "internal error"
	default:
		return "invalid"
	}
}

// Wrap annotates err with the given metadata. If err is nil, Wrap returns nil.
func Wrap(kind Kind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

// E creates a new error with the provided metadata (no underlying error).
func E(kind Kind, op, id string) error {
	return &Error{Kind: kind, Op: op, ID: id}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind from err, walking wrapped errors as needed.
// The outermost *Error wins.
func KindOf(err error) Kind {
	if err == nil {
		return KindInvalid
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, iofs.ErrNotExist),
		errors.Is(err, os.ErrNotExist):
		return KindNotFound
	case errors.Is(err, iofs.ErrPermission),
		errors.Is(err, os.ErrPermission):
		return KindUnauthorized
	case errors.Is(err, iofs.ErrInvalid):
		return KindInvalid
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindInternal
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	for k := KindInvalid; k <= KindInternal; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindInternal, false
}
