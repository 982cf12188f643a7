package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// ID is the content address of a stored chunk: lowercase hex SHA-256.
type ID string

// ErrChecksum is returned by Put when the written bytes do not match
// PutOptions.Checksum.
var ErrChecksum = errors.New("blob: checksum mismatch")

var idPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Valid reports whether id looks like a chunk address. Stores use it to
// refuse path traversal through crafted identifiers.
func (id ID) Valid() bool { return idPattern.MatchString(string(id)) }

// Store is the chunk persistence layer behind a storage node.
type Store interface {
	Put(ctx context.Context, r io.Reader, size int64, opts PutOptions) (ID, int64, error)
	Get(ctx context.Context, id ID) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, id ID) error
	Exists(ctx context.Context, id ID) (bool, error)
}

// PutOptions controls chunk persistence.
type PutOptions struct {
	// Checksum, when set, is the expected hex SHA-256 of the payload.
	Checksum string
	// DedupOnly skips the write when a chunk with the same address exists.
	DedupOnly bool
}

// Sum returns the ID that data would be stored under.
func Sum(data []byte) ID {
	s := sha256.Sum256(data)
	return ID(hex.EncodeToString(s[:]))
}

// ReadAll fetches a chunk and verifies it still hashes to its address.
func ReadAll(ctx context.Context, s Store, id ID) ([]byte, error) {
	rc, _, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "blob.ReadAll", string(id), err)
	}
	if got := Sum(data); got != id {
		return nil, xerrors.Wrap(xerrors.KindTransportIntegrity, "blob.ReadAll", string(id),
			fmt.Errorf("%w: stored chunk hashes to %s", ErrChecksum, got))
	}
	return data, nil
}

func checkSum(op string, expected string, got ID) error {
	if expected == "" || ID(expected) == got {
		return nil
	}
	return xerrors.Wrap(xerrors.KindInvalid, op, expected, fmt.Errorf("%w: got %s", ErrChecksum, got))
}
