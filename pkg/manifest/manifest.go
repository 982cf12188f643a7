package manifest

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// Trust reports how much of a retrieved artifact could be verified.
type Trust int

const (
	// TrustNone means neither hash was available; nothing was verified.
	TrustNone Trust = iota
	// TrustPartial means exactly one of the two hashes was checked.
	TrustPartial
	// TrustFull means ciphertext and plaintext both matched.
	TrustFull
	// TrustRejected marks bytes that failed the plaintext check but were
	// surfaced on explicit request.
	TrustRejected
)

func (t Trust) String() string {
	switch t {
	case TrustFull:
		return "full"
	case TrustPartial:
		return "partial"
	case TrustRejected:
		return "rejected"
	default:
		return "none"
	}
}

// Manifest pairs the fingerprint of an artifact with the fingerprint of its
// ciphertext blob. An empty field means the corresponding check is skipped.
type Manifest struct {
	PlaintextHash  string `json:"originalHash,omitempty"`
	CiphertextHash string `json:"encryptedHash,omitempty"`
}

// Fingerprint returns the lowercase hex SHA-256 of data.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data hashes to expected. Hex case is ignored.
func Verify(expected string, data []byte) bool {
	got := Fingerprint(data)
	want := strings.ToLower(strings.TrimSpace(expected))
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Compute fingerprints both sides of an encryption.
func Compute(plaintext, blob []byte) Manifest {
	return Manifest{
		PlaintextHash:  Fingerprint(plaintext),
		CiphertextHash: Fingerprint(blob),
	}
}

// CheckCiphertext verifies blob against CiphertextHash. A mismatch is
// xerrors.KindTransportIntegrity: the bytes changed between upload and fetch.
func (m Manifest) CheckCiphertext(blob []byte) error {
	if m.CiphertextHash == "" || Verify(m.CiphertextHash, blob) {
		return nil
	}
	return xerrors.Wrap(xerrors.KindTransportIntegrity, "manifest.CheckCiphertext", "",
		fmt.Errorf("expected %s, got %s", strings.ToLower(m.CiphertextHash), Fingerprint(blob)))
}

// CheckPlaintext verifies plaintext against PlaintextHash. A mismatch is
// xerrors.KindPlaintextIntegrity: wrong key or a corrupted original.
func (m Manifest) CheckPlaintext(plaintext []byte) error {
	if m.PlaintextHash == "" || Verify(m.PlaintextHash, plaintext) {
		return nil
	}
	return xerrors.Wrap(xerrors.KindPlaintextIntegrity, "manifest.CheckPlaintext", "",
		fmt.Errorf("expected %s, got %s", strings.ToLower(m.PlaintextHash), Fingerprint(plaintext)))
}

// Level is the trust a successful retrieval against m can claim.
func (m Manifest) Level() Trust {
	switch {
	case m.PlaintextHash != "" && m.CiphertextHash != "":
		return TrustFull
	case m.PlaintextHash != "" || m.CiphertextHash != "":
		return TrustPartial
	default:
		return TrustNone
	}
}

// Validate rejects hashes that are present but not 64 hex characters.
func (m Manifest) Validate() error {
	for name, h := range map[string]string{"originalHash": m.PlaintextHash, "encryptedHash": m.CiphertextHash} {
		if h == "" {
			continue
		}
		if raw, err := hex.DecodeString(h); err != nil || len(raw) != sha256.Size {
			return xerrors.Wrap(xerrors.KindInvalid, "manifest.Validate", name, fmt.Errorf("malformed sha256 %q", h))
		}
	}
	return nil
}
