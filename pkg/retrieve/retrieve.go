// Package retrieve fetches a ciphertext blob, verifies it, decrypts it and
// verifies the result.
package retrieve

import (
	"context"
	"log/slog"

	"github.com/jacktea/arvault/pkg/encryption"
	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Decrypter turns a blob back into plaintext. *encryption.Codec satisfies it.
type Decrypter interface {
	Decrypt(blob, key []byte) ([]byte, error)
}

// Result is a retrieved artifact and what could be verified about it.
type Result struct {
	Plaintext      []byte
	Trust          manifest.Trust
	CiphertextHash string
	PlaintextHash  string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCodec overrides the decrypter. The default is the AES-256-CBC codec.
func WithCodec(d Decrypter) Option {
	return func(p *Pipeline) {
		if d != nil {
			p.codec = d
		}
	}
}

// WithUnverifiedOnMismatch makes Retrieve return the decrypted bytes with
// TrustRejected alongside a plaintext integrity error, instead of
// withholding them.
func WithUnverifiedOnMismatch() Option {
	return func(p *Pipeline) { p.allowUnverified = true }
}

// WithLogger sets the logger for verification outcomes.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline runs fetch, ciphertext check, decrypt and plaintext check in
// that order. It holds no per-call state.
type Pipeline struct {
	t               transport.Transport
	codec           Decrypter
	allowUnverified bool
	log             *slog.Logger
}

// New returns a Pipeline reading from t.
func New(t transport.Transport, opts ...Option) *Pipeline {
	p := &Pipeline{t: t, codec: &encryption.Codec{Method: encryption.DefaultMethod}, log: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Retrieve fetches id and returns its plaintext. Empty hashes in expect
// skip the corresponding check and lower Result.Trust. A ciphertext
// mismatch aborts before any decryption is attempted.
func (p *Pipeline) Retrieve(ctx context.Context, id transport.ContentID, key []byte, expect manifest.Manifest) (*Result, error) {
	const op = "retrieve.Retrieve"
	if id == "" {
		return nil, xerrors.E(xerrors.KindInvalid, op, "empty content id")
	}
	if len(key) != encryption.KeySize {
		return nil, xerrors.Wrap(xerrors.KindDecryption, op, string(id), encryption.ErrInvalidKey)
	}
	blob, err := p.t.FetchByIdentifier(ctx, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindFetch, op, string(id), err)
	}
	res := &Result{CiphertextHash: manifest.Fingerprint(blob), Trust: expect.Level()}
	if err := expect.CheckCiphertext(blob); err != nil {
		p.log.Error("ciphertext integrity check failed", "id", id, "expected", expect.CiphertextHash, "actual", res.CiphertextHash)
		return nil, err
	}
	if expect.CiphertextHash == "" {
		p.log.Warn("no ciphertext hash provided, skipping transport verification", "id", id)
	}

	plain, err := p.codec.Decrypt(blob, key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecryption, op, string(id), err)
	}
	res.Plaintext = plain
	res.PlaintextHash = manifest.Fingerprint(plain)

	if err := expect.CheckPlaintext(plain); err != nil {
		p.log.Error("plaintext integrity check failed", "id", id, "expected", expect.PlaintextHash, "actual", res.PlaintextHash)
		if p.allowUnverified {
			res.Trust = manifest.TrustRejected
			return res, err
		}
		return nil, err
	}
	if expect.PlaintextHash == "" {
		p.log.Warn("no plaintext hash provided, skipping content verification", "id", id)
	}
	p.log.Info("artifact retrieved", "id", id, "bytes", len(plain), "trust", res.Trust.String())
	return res, nil
}

// Persist writes the plaintext of r to path atomically.
func Persist(path string, r *Result) error {
	if r == nil {
		return xerrors.E(xerrors.KindInvalid, "retrieve.Persist", path)
	}
	return manifest.WriteFileAtomic(path, r.Plaintext, 0o600)
}
