package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// DefaultRecordFile is the sidecar written next to an upload.
const DefaultRecordFile = "upload_result.json"

// Record is the sidecar persisted after a successful upload. It carries
// everything download needs. EncryptionKey is omitted when the key was
// sealed to an age recipient instead.
type Record struct {
	Network       string            `json:"network"`
	ContentID     string            `json:"contentId"`
	Encryption    string            `json:"encryption,omitempty"`
	EncryptionKey string            `json:"encryptionKey,omitempty"`
	SealedKey     string            `json:"sealedKey,omitempty"`
	OriginalHash  string            `json:"originalHash,omitempty"`
	EncryptedHash string            `json:"encryptedHash,omitempty"`
	WalletAddress string            `json:"walletAddress,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Manifest extracts the integrity hashes of r.
func (r *Record) Manifest() Manifest {
	return Manifest{PlaintextHash: r.OriginalHash, CiphertextHash: r.EncryptedHash}
}

// UnmarshalJSON accepts the older "transactionId" spelling of contentId.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var aux struct {
		plain
		TransactionID string `json:"transactionId"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*r = Record(aux.plain)
	if r.ContentID == "" {
		r.ContentID = aux.TransactionID
	}
	return nil
}

// LoadRecord reads a sidecar from path.
func LoadRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "manifest.LoadRecord", path, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "manifest.LoadRecord", path, err)
	}
	if err := rec.Manifest().Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SaveRecord writes r to path atomically with owner-only permissions, since
// the record may hold the content key.
func SaveRecord(path string, r *Record) error {
	if r == nil {
		return xerrors.E(xerrors.KindInvalid, "manifest.SaveRecord", path)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.KindInternal, "manifest.SaveRecord", path, err)
	}
	data = append(data, '\n')
	return WriteFileAtomic(path, data, 0o600)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "manifest.write", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), "manifest.write", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindOf(err), "manifest.write", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindOf(err), "manifest.write", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.KindOf(err), "manifest.write", path, fmt.Errorf("rename: %w", err))
	}
	return nil
}
