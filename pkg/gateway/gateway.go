// Package gateway exposes a transport.Backend over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacktea/arvault/pkg/gateway/middleware"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// DefaultMaxChunkBytes caps a single chunk request body.
const DefaultMaxChunkBytes = 16 << 20

const maxSpecBytes = 64 << 10

// Options configure auth, rate limiting and limits.
type Options struct {
	APIKey        string
	RateLimit     middleware.RateLimitOptions
	MaxChunkBytes int64
	CORSOrigins   []string
	Logger        *slog.Logger
	// Registry receives the gateway metrics. Nil creates a private registry
	// with Go and process collectors.
	Registry *prometheus.Registry
	// ShutdownTimeout bounds graceful shutdown in Start.
	ShutdownTimeout time.Duration
}

// Server serves a Backend.
type Server struct {
	backend transport.Backend
	opts    Options
	log     *slog.Logger
	metrics *metrics
	handler http.Handler
}

// New builds the router for backend.
func New(backend transport.Backend, opts Options) *Server {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{backend: backend, opts: opts, log: opts.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.metrics = newMetrics(opts.Registry)
	s.handler = s.router()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransport, "gateway.Start", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxShutdown); err != nil {
			s.log.Warn("gateway shutdown", "err", err)
		}
	}()
	s.log.Info("gateway listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(s.metrics.instrument)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.JSONError(w, http.StatusNotFound, xerrors.KindNotFound.String(), "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.JSONError(w, http.StatusMethodNotAllowed, xerrors.KindInvalid.String(), "method not allowed")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(s.opts.RateLimit))
		r.Get("/info", s.handleInfo)
		r.Get("/content/{id}", s.handleFetch)
		r.Get("/content/{id}/status", s.handleStatus)
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(s.opts.APIKey))
			r.Post("/units", s.handleOpenUnit)
			r.Put("/units/{id}/chunks/{index}", s.handlePutChunk)
		})
	})
	return r
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.backend.Info(r.Context())
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleOpenUnit(w http.ResponseWriter, r *http.Request) {
	var spec transport.UnitSpec
	dec := json.NewDecoder(io.LimitReader(r.Body, maxSpecBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		s.httpError(w, r, xerrors.Wrap(xerrors.KindInvalid, "gateway.OpenUnit", "", err))
		return
	}
	grant, err := s.backend.OpenUnit(r.Context(), spec)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	s.metrics.unitsOpened.Inc()
	w.Header().Set("Location", "/content/"+string(grant.ID)+"/status")
	writeJSON(w, http.StatusCreated, grant)
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	const op = "gateway.PutChunk"
	id := transport.ContentID(chi.URLParam(r, "id"))
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		s.httpError(w, r, xerrors.E(xerrors.KindInvalid, op, "chunk index must be a non-negative integer"))
		return
	}
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxChunkBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.JSONError(w, http.StatusRequestEntityTooLarge, xerrors.KindInvalid.String(), err.Error())
			return
		}
		s.httpError(w, r, xerrors.Wrap(xerrors.KindTransport, op, string(id), err))
		return
	}
	progress, err := s.backend.PutChunk(r.Context(), id, index, data)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	s.metrics.bytesIn.Add(float64(len(data)))
	if progress.Complete && index == progress.TotalChunks-1 {
		s.metrics.unitsConfirmed.Inc()
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	id := transport.ContentID(chi.URLParam(r, "id"))
	data, err := s.backend.Fetch(r.Context(), id)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(data)
	s.metrics.bytesOut.Add(float64(n))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.backend.Status(r.Context(), transport.ContentID(chi.URLParam(r, "id")))
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	kind := xerrors.KindOf(err)
	if errors.Is(err, transport.ErrNotFound) {
		kind = xerrors.KindNotFound
	}
	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "kind", kind.String(), "err", err)
	}
	middleware.JSONError(w, status, kind.String(), err.Error())
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindInvalid:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindUnauthorized:
		return http.StatusForbidden
	case xerrors.KindTransportIntegrity, xerrors.KindPlaintextIntegrity, xerrors.KindDecryption:
		return http.StatusUnprocessableEntity
	case xerrors.KindTransport, xerrors.KindFetch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
