package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAPIKeyAuth(t *testing.T) {
	protected := APIKeyAuth("secret")(ok)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	var body ErrorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil || body.Kind != "unauthorized" {
		t.Fatalf("expected json error body, got %+v (%v)", body, err)
	}

	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	protected.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected bearer token accepted, got %d", rr.Code)
	}
}

func TestAPIKeyAuthDisabled(t *testing.T) {
	rr := httptest.NewRecorder()
	APIKeyAuth("  ")(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected open access, got %d", rr.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	current := time.Unix(0, 0)
	opts := RateLimitOptions{
		Requests: 1,
		Window:   time.Second,
		Now: func() time.Time {
			return current
		},
	}
	limited := RateLimit(opts)(ok)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request blocked, got %d", rr.Code)
	}
	current = current.Add(time.Second)
	rr = httptest.NewRecorder()
	limited.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected request allowed after refill, got %d", rr.Code)
	}
}

func TestRateLimitPerClient(t *testing.T) {
	current := time.Unix(0, 0)
	limited := RateLimit(RateLimitOptions{Requests: 1, Window: time.Minute, PerClient: true,
		Now: func() time.Time { return current }})(ok)
	for _, tc := range []struct {
		remote string
		want   int
	}{
		{"10.0.0.1:1000", http.StatusOK},
		{"10.0.0.2:1000", http.StatusOK},
		{"10.0.0.1:2000", http.StatusTooManyRequests},
	} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tc.remote
		rr := httptest.NewRecorder()
		limited.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.remote, tc.want, rr.Code)
		}
	}
}

func TestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	h := Logger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/info", nil))
	if out := buf.String(); !strings.Contains(out, "status=418") || !strings.Contains(out, "path=/info") {
		t.Fatalf("unexpected log line %q", out)
	}
}
