package retrieve

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/arvault/pkg/encryption"
	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/upload"
	"github.com/jacktea/arvault/pkg/xerrors"
)

type spyCodec struct {
	inner encryption.Codec
	calls int
}

func (s *spyCodec) Decrypt(blob, key []byte) ([]byte, error) {
	s.calls++
	return s.inner.Decrypt(blob, key)
}

func staticFetch(blob []byte) *transport.Mock {
	return &transport.Mock{
		FetchByIdentifierFunc: func(ctx context.Context, id transport.ContentID) ([]byte, error) {
			return append([]byte(nil), blob...), nil
		},
	}
}

func TestTenMegabyteRoundTrip(t *testing.T) {
	ctx := context.Background()
	artifact := make([]byte, 10<<20)
	_, err := rand.Read(artifact)
	require.NoError(t, err)

	sealed, err := encryption.Encrypt(artifact)
	require.NoError(t, err)
	m := manifest.Compute(artifact, sealed.Blob)

	backend := transport.NewMemoryBackend(int64((len(sealed.Blob) + 4) / 5))
	mock := transport.Wrap(transport.NewClient(backend))
	s, err := upload.Start(ctx, mock, sealed.Blob, transport.Authorization{})
	require.NoError(t, err)
	id, err := s.DriveToCompletion(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, mock.ChunkCalls)

	spy := &spyCodec{}
	res, err := New(mock, WithCodec(spy)).Retrieve(ctx, id, sealed.Key[:], m)
	require.NoError(t, err)
	assert.Equal(t, 1, spy.calls)
	assert.Equal(t, manifest.TrustFull, res.Trust)
	assert.Equal(t, m.CiphertextHash, res.CiphertextHash)
	assert.Equal(t, m.PlaintextHash, res.PlaintextHash)
	assert.True(t, bytes.Equal(artifact, res.Plaintext))
}

func TestEmptyArtifactRoundTrip(t *testing.T) {
	sealed, err := encryption.Encrypt(nil)
	require.NoError(t, err)
	m := manifest.Compute(nil, sealed.Blob)
	res, err := New(staticFetch(sealed.Blob)).Retrieve(context.Background(), "id", sealed.Key[:], m)
	require.NoError(t, err)
	assert.Empty(t, res.Plaintext)
	assert.Equal(t, manifest.TrustFull, res.Trust)
}

func TestCorruptedFetchNeverDecrypts(t *testing.T) {
	plaintext := []byte("model weights")
	sealed, err := encryption.Encrypt(plaintext)
	require.NoError(t, err)
	m := manifest.Compute(plaintext, sealed.Blob)

	corrupted := append([]byte(nil), sealed.Blob...)
	corrupted[len(corrupted)-3] ^= 0x80

	spy := &spyCodec{}
	res, err := New(staticFetch(corrupted), WithCodec(spy)).Retrieve(context.Background(), "id", sealed.Key[:], m)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, xerrors.KindTransportIntegrity, xerrors.KindOf(err))
	assert.Zero(t, spy.calls, "decrypt must not run on unverified ciphertext")
}

func TestFetchFailuresAreFetchErrors(t *testing.T) {
	ctx := context.Background()
	key := make([]byte, encryption.KeySize)

	_, err := New(&transport.Mock{}).Retrieve(ctx, "missing", key, manifest.Manifest{})
	require.Error(t, err)
	assert.Equal(t, xerrors.KindFetch, xerrors.KindOf(err))
	assert.True(t, errors.Is(err, transport.ErrNotFound))

	unreachable := &transport.Mock{FetchByIdentifierFunc: func(ctx context.Context, id transport.ContentID) ([]byte, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	_, err = New(unreachable).Retrieve(ctx, "id", key, manifest.Manifest{})
	assert.Equal(t, xerrors.KindFetch, xerrors.KindOf(err))
	assert.False(t, errors.Is(err, transport.ErrNotFound))
}

func TestWrongKeyNeverYieldsVerifiedPlaintext(t *testing.T) {
	plaintext := bytes.Repeat([]byte("abc"), 100)
	sealed, err := encryption.Encrypt(plaintext)
	require.NoError(t, err)
	m := manifest.Compute(plaintext, sealed.Blob)
	p := New(staticFetch(sealed.Blob))
	for i := 0; i < 16; i++ {
		wrong := sealed.Key
		wrong[i] ^= 0xFF
		res, err := p.Retrieve(context.Background(), "id", wrong[:], m)
		require.Error(t, err)
		assert.Nil(t, res)
		kind := xerrors.KindOf(err)
		assert.True(t, kind == xerrors.KindDecryption || kind == xerrors.KindPlaintextIntegrity, "unexpected kind %v", kind)
	}
}

func TestPlaintextMismatchPolicy(t *testing.T) {
	plaintext := []byte("original")
	sealed, err := encryption.Encrypt(plaintext)
	require.NoError(t, err)
	m := manifest.Manifest{
		CiphertextHash: manifest.Fingerprint(sealed.Blob),
		PlaintextHash:  manifest.Fingerprint([]byte("something else")),
	}

	res, err := New(staticFetch(sealed.Blob)).Retrieve(context.Background(), "id", sealed.Key[:], m)
	assert.Equal(t, xerrors.KindPlaintextIntegrity, xerrors.KindOf(err))
	assert.Nil(t, res, "unverified bytes are withheld by default")

	res, err = New(staticFetch(sealed.Blob), WithUnverifiedOnMismatch()).Retrieve(context.Background(), "id", sealed.Key[:], m)
	assert.Equal(t, xerrors.KindPlaintextIntegrity, xerrors.KindOf(err))
	require.NotNil(t, res)
	assert.Equal(t, manifest.TrustRejected, res.Trust)
	assert.Equal(t, plaintext, res.Plaintext)
}

func TestMissingHashesLowerTrust(t *testing.T) {
	plaintext := []byte("weights")
	sealed, err := encryption.Encrypt(plaintext)
	require.NoError(t, err)
	p := New(staticFetch(sealed.Blob))
	ctx := context.Background()

	res, err := p.Retrieve(ctx, "id", sealed.Key[:], manifest.Manifest{})
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustNone, res.Trust)
	assert.Equal(t, plaintext, res.Plaintext)

	res, err = p.Retrieve(ctx, "id", sealed.Key[:], manifest.Manifest{PlaintextHash: manifest.Fingerprint(plaintext)})
	require.NoError(t, err)
	assert.Equal(t, manifest.TrustPartial, res.Trust)
}

func TestGCMCodec(t *testing.T) {
	codec := &encryption.Codec{Method: encryption.MethodAES256GCM}
	sealed, err := codec.Encrypt([]byte("aead"))
	require.NoError(t, err)
	m := manifest.Compute([]byte("aead"), sealed.Blob)
	res, err := New(staticFetch(sealed.Blob), WithCodec(codec)).Retrieve(context.Background(), "id", sealed.Key[:], m)
	require.NoError(t, err)
	assert.Equal(t, []byte("aead"), res.Plaintext)
}

func TestInvalidInputs(t *testing.T) {
	p := New(&transport.Mock{})
	_, err := p.Retrieve(context.Background(), "", make([]byte, 32), manifest.Manifest{})
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestWrongKeyLengthIsDecryptionError(t *testing.T) {
	mock := &transport.Mock{}
	_, err := New(mock).Retrieve(context.Background(), "id", make([]byte, 8), manifest.Manifest{})
	require.ErrorIs(t, err, encryption.ErrInvalidKey)
	assert.Equal(t, xerrors.KindDecryption, xerrors.KindOf(err))
	assert.Zero(t, mock.FetchCalls)
}

func TestPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "model.bin")
	require.NoError(t, Persist(path, &Result{Plaintext: []byte("weights")}))
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("weights"), got)
	assert.Error(t, Persist(path, nil))
}
