package custody

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/xerrors"
)

func init() {
	// Keep argon2id cheap under test.
	defaultKDF = kdfParams{Time: 1, MemoryKB: 1024, Threads: 1}
}

func TestAuthorizeVerify(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	digest := manifest.Fingerprint([]byte("ciphertext"))

	auth, err := w.Authorize(digest)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), auth.Owner)
	assert.True(t, strings.HasPrefix(auth.Owner, AddressPrefix))
	assert.Equal(t, digest, auth.Digest)
	require.NoError(t, Verify(auth))
}

func TestVerifyRejectsTampering(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	other, err := Generate()
	require.NoError(t, err)
	digest := manifest.Fingerprint([]byte("ciphertext"))
	auth, err := w.Authorize(digest)
	require.NoError(t, err)

	otherDigest := auth
	otherDigest.Digest = manifest.Fingerprint([]byte("different"))
	err = Verify(otherDigest)
	assert.ErrorIs(t, err, ErrBadSignature)

	stolenOwner := auth
	stolenOwner.Owner = other.Address()
	err = Verify(stolenOwner)
	assert.ErrorIs(t, err, ErrOwnerMismatch)

	swappedKey := auth
	swappedKey.Owner = other.Address()
	swappedKey.PublicKey = other.PublicKeyHex()
	err = Verify(swappedKey)
	assert.ErrorIs(t, err, ErrBadSignature)

	garbage := auth
	garbage.Signature = "zz"
	assert.Equal(t, xerrors.KindUnauthorized, xerrors.KindOf(Verify(garbage)))

	badDigest := auth
	badDigest.Digest = "abcd"
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(Verify(badDigest)))
}

func TestAuthorizeRejectsBadDigest(t *testing.T) {
	w, err := Generate()
	require.NoError(t, err)
	_, err = w.Authorize("not-hex")
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestFromBytesDeterministicAddress(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, 32)
	a, err := FromBytes(secret)
	require.NoError(t, err)
	b, err := FromBytes(secret)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())
	assert.Len(t, a.PublicKeyHex(), 66)

	_, err = FromBytes(secret[:31])
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestKeyfilePlain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	w, err := Generate()
	require.NoError(t, err)
	require.NoError(t, w.Save(path, nil))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), loaded.Address())
}

func TestKeyfileSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.json")
	w, err := Generate()
	require.NoError(t, err)
	require.NoError(t, w.Save(path, []byte("correct horse")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	secretHex := hex.EncodeToString(w.priv.Serialize())
	assert.NotContains(t, string(raw), secretHex)
	assert.Contains(t, string(raw), `"kdf": "argon2id"`)

	_, err = Load(path, nil)
	assert.True(t, errors.Is(err, ErrPassphraseRequired))
	_, err = Load(path, []byte("wrong"))
	assert.Equal(t, xerrors.KindUnauthorized, xerrors.KindOf(err))

	loaded, err := Load(path, []byte("correct horse"))
	require.NoError(t, err)
	assert.Equal(t, w.Address(), loaded.Address())

	digest := manifest.Fingerprint([]byte("blob"))
	auth, err := loaded.Authorize(digest)
	require.NoError(t, err)
	assert.NoError(t, Verify(auth))
}

func TestLoadMissingAndMalformed(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.json"), nil)
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = Load(bad, nil)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))

	future := filepath.Join(dir, "future.json")
	require.NoError(t, os.WriteFile(future, []byte(`{"version":9}`), 0o600))
	_, err = Load(future, nil)
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}
