// Package keyseal escrows content keys in the upload sidecar by sealing
// them to age X25519 recipients.
package keyseal

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"

	"github.com/jacktea/arvault/pkg/xerrors"
)

// ErrNoRecipients is returned by Seal without recipients.
var ErrNoRecipients = errors.New("keyseal: at least one recipient is required")

// Seal encrypts key to every recipient (age1... strings) and returns the
// base64 encoded age file.
func Seal(key []byte, recipients []string) (string, error) {
	const op = "keyseal.Seal"
	if len(recipients) == 0 {
		return "", xerrors.Wrap(xerrors.KindInvalid, op, "", ErrNoRecipients)
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rcpt, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return "", xerrors.Wrap(xerrors.KindInvalid, op, r, err)
		}
		parsed = append(parsed, rcpt)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, parsed...)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	if _, err := w.Write(key); err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	if err := w.Close(); err != nil {
		return "", xerrors.Wrap(xerrors.KindInternal, op, "", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open decrypts a value produced by Seal with any of identities.
func Open(sealed string, identities ...age.Identity) ([]byte, error) {
	const op = "keyseal.Open"
	if len(identities) == 0 {
		return nil, xerrors.E(xerrors.KindInvalid, op, "no identities")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), identities...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecryption, op, "", err)
	}
	key, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindDecryption, op, "", err)
	}
	return key, nil
}

// LoadIdentities reads an age identity file as written by age-keygen or
// GenerateIdentity.
func LoadIdentities(path string) ([]age.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "keyseal.LoadIdentities", path, err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "keyseal.LoadIdentities", path, err)
	}
	return ids, nil
}

// GenerateIdentity returns a fresh identity file body and its recipient.
func GenerateIdentity() (identityFile string, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.KindEntropy, "keyseal.GenerateIdentity", "", err)
	}
	recipient = id.Recipient().String()
	identityFile = fmt.Sprintf("# public key: %s\n%s\n", recipient, id.String())
	return identityFile, recipient, nil
}
