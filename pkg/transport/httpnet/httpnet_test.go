package httpnet

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/encryption"
	"github.com/jacktea/arvault/pkg/gateway"
	"github.com/jacktea/arvault/pkg/ledger"
	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/node"
	"github.com/jacktea/arvault/pkg/retrieve"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/upload"
	"github.com/jacktea/arvault/pkg/xerrors"
)

func newServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func newNodeGateway(t *testing.T, opts gateway.Options) *httptest.Server {
	t.Helper()
	l, err := ledger.Open(ledger.Config{Path: filepath.Join(t.TempDir(), "ledger.db"), NoSync: true})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	n, err := node.New(node.Config{Network: "testnet", ChunkSize: 64 << 10}, blob.NewMemoryStore(), l)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return newServer(t, gateway.New(n, opts).Handler())
}

func TestEndToEndUploadAndRetrieve(t *testing.T) {
	ctx := context.Background()
	srv := newNodeGateway(t, gateway.Options{APIKey: "key"})
	client, err := New(Config{Endpoint: srv.URL + "/", APIKey: "key", Client: srv.Client()})
	require.NoError(t, err)

	info, err := client.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, "testnet", info.Network)

	plaintext := make([]byte, 300<<10)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)
	sealed, err := encryption.Encrypt(plaintext)
	require.NoError(t, err)
	m := manifest.Compute(plaintext, sealed.Blob)

	tr := transport.NewClient(client)
	s, err := upload.Start(ctx, tr, sealed.Blob, transport.Authorization{Owner: "alice"})
	require.NoError(t, err)
	id, err := s.DriveToCompletion(ctx)
	require.NoError(t, err)

	st, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transport.StateConfirmed, st.State)

	res, err := retrieve.New(tr).Retrieve(ctx, id, sealed.Key[:], m)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(plaintext, res.Plaintext))
	assert.Equal(t, manifest.TrustFull, res.Trust)
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	srv := newNodeGateway(t, gateway.Options{})
	client, err := New(Config{Endpoint: srv.URL, Client: srv.Client()})
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrNotFound))
	assert.Equal(t, xerrors.KindNotFound, xerrors.KindOf(err))

	_, err = client.Status(context.Background(), "missing")
	assert.True(t, errors.Is(err, transport.ErrNotFound))
}

func TestKindsSurviveTheWire(t *testing.T) {
	ctx := context.Background()
	srv := newNodeGateway(t, gateway.Options{APIKey: "key"})

	anonymous, err := New(Config{Endpoint: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	_, err = anonymous.OpenUnit(ctx, transport.UnitSpec{Size: 1, Digest: manifest.Fingerprint([]byte("x"))})
	assert.Equal(t, xerrors.KindUnauthorized, xerrors.KindOf(err))

	client, err := New(Config{Endpoint: srv.URL, APIKey: "key", Client: srv.Client()})
	require.NoError(t, err)
	_, err = client.OpenUnit(ctx, transport.UnitSpec{Size: 1, Digest: "nope"})
	assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
}

func TestPlainErrorsFallBackToStatus(t *testing.T) {
	srv := newServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusServiceUnavailable)
	}))
	client, err := New(Config{Endpoint: srv.URL, Client: srv.Client()})
	require.NoError(t, err)
	_, err = client.Info(context.Background())
	require.Error(t, err)
	assert.Equal(t, xerrors.KindTransport, xerrors.KindOf(err))
	assert.Contains(t, err.Error(), "upstream exploded")
}

func TestUnreachableIsTransport(t *testing.T) {
	client, err := New(Config{Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = client.Fetch(context.Background(), "x")
	assert.Equal(t, xerrors.KindTransport, xerrors.KindOf(err))
}

func TestNewValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "   ", "not a url", "/relative"} {
		_, err := New(Config{Endpoint: endpoint})
		assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err), endpoint)
	}
}
