package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/arvault/pkg/gateway/middleware"
	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

func serve(t *testing.T, backend transport.Backend, opts Options) http.Handler {
	t.Helper()
	return New(backend, opts).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) middleware.ErrorBody {
	t.Helper()
	var body middleware.ErrorBody
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body
}

func TestHealthAndInfo(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{})
	rr := do(t, h, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodGet, "/info", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var info transport.Info
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&info))
	assert.Equal(t, "memory", info.Network)
	assert.Equal(t, int64(4), info.ChunkSize)
}

func TestUnitLifecycleOverHTTP(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{})
	data := []byte("0123456789")
	spec, _ := json.Marshal(transport.UnitSpec{Size: int64(len(data)), Digest: manifest.Fingerprint(data)})

	rr := do(t, h, http.MethodPost, "/units", spec, nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var grant transport.UnitGrant
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&grant))
	assert.Equal(t, 3, grant.TotalChunks)
	assert.Equal(t, "/content/"+string(grant.ID)+"/status", rr.Header().Get("Location"))

	var p transport.Progress
	for i := 0; i < grant.TotalChunks; i++ {
		end := (i + 1) * 4
		if end > len(data) {
			end = len(data)
		}
		rr = do(t, h, http.MethodPut, "/units/"+string(grant.ID)+"/chunks/"+string(rune('0'+i)), data[i*4:end], nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&p))
	}
	assert.True(t, p.Complete)

	rr = do(t, h, http.MethodGet, "/content/"+string(grant.ID), nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, data, rr.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rr.Header().Get("Content-Type"))

	rr = do(t, h, http.MethodGet, "/content/"+string(grant.ID)+"/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st transport.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, transport.StateConfirmed, st.State)
}

func TestErrorsCarryKind(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{MaxChunkBytes: 8})

	rr := do(t, h, http.MethodGet, "/content/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not found", decodeError(t, rr).Kind)

	rr = do(t, h, http.MethodPost, "/units", []byte(`{"size":`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid", decodeError(t, rr).Kind)

	rr = do(t, h, http.MethodPut, "/units/x/chunks/-1", []byte("a"), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPut, "/units/x/chunks/0", bytes.Repeat([]byte("a"), 9), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)

	rr = do(t, h, http.MethodDelete, "/content/x", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = do(t, h, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPIKeyGuardsWrites(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{APIKey: "s3cret"})
	data := []byte("abc")
	spec, _ := json.Marshal(transport.UnitSpec{Size: 3, Digest: manifest.Fingerprint(data)})

	rr := do(t, h, http.MethodPost, "/units", spec, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, h, http.MethodPost, "/units", spec, map[string]string{"X-API-Key": "s3cret"})
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = do(t, h, http.MethodGet, "/info", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code, "reads stay public")
}

func TestRateLimitAppliesToAPI(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{RateLimit: middleware.RateLimitOptions{Requests: 1, Window: time.Hour}})
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/info", nil, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/info", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{})
	do(t, h, http.MethodGet, "/info", nil, nil)
	rr := do(t, h, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, `arvault_gateway_requests_total{code="200",route="/info"} 1`)
	assert.Contains(t, body, "arvault_gateway_units_opened_total 0")
}

func TestCORSPreflight(t *testing.T) {
	h := serve(t, transport.NewMemoryBackend(4), Options{CORSOrigins: []string{"https://app.example"}})
	rr := do(t, h, http.MethodOptions, "/info", nil, map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": "GET",
	})
	assert.Equal(t, "https://app.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Kind]int{
		xerrors.KindInvalid:            http.StatusBadRequest,
		xerrors.KindNotFound:           http.StatusNotFound,
		xerrors.KindUnauthorized:       http.StatusForbidden,
		xerrors.KindTransportIntegrity: http.StatusUnprocessableEntity,
		xerrors.KindTransport:          http.StatusBadGateway,
		xerrors.KindEntropy:            http.StatusInternalServerError,
		xerrors.KindInternal:           http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, StatusFor(kind), kind.String())
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("listener unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- New(transport.NewMemoryBackend(4), Options{}).Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	_, err = http.Get(url)
	assert.Error(t, err)
}
