package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacktea/arvault/pkg/config"
	"github.com/jacktea/arvault/pkg/gateway"
	"github.com/jacktea/arvault/pkg/gateway/middleware"
	"github.com/jacktea/arvault/pkg/gc"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a storage node behind the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(application.ctx, application.cfg.Server, application.log)
		},
	}
	f := cmd.Flags()
	f.String("addr", config.DefaultAddr, "listen address")
	f.Int64("chunk-size", 256<<10, "chunk size granted to uploads, in bytes")
	f.Int64("max-unit-size", 8<<30, "largest accepted upload, in bytes")
	f.Int64("quota", 0, "bytes a single owner may store (0 is unlimited)")
	f.Int("concurrency", 4, "chunks fetched in parallel when serving content")
	f.Int64("cache-bytes", 64<<20, "fetch cache size in bytes (negative disables)")
	f.Duration("cache-ttl", 10*time.Minute, "fetch cache entry lifetime")
	f.Bool("require-signature", true, "reject uploads without a valid wallet authorization")
	f.String("gateway-key", "", "require this API key for uploads (X-API-Key or Bearer token)")
	f.Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	f.Duration("rate-window", time.Second, "rate limit window")
	f.Bool("rate-per-client", false, "apply the rate limit per client address")
	f.Int64("max-chunk-bytes", gateway.DefaultMaxChunkBytes, "largest accepted chunk request body")
	f.StringSlice("cors-origin", nil, "allowed CORS origins")
	f.Duration("gc-interval", 10*time.Minute, "interval between background GC sweeps (0 disables)")
	for key, flag := range map[string]string{
		"serve.addr":              "addr",
		"serve.chunk_size":        "chunk-size",
		"serve.max_unit_size":     "max-unit-size",
		"serve.quota":             "quota",
		"serve.concurrency":       "concurrency",
		"serve.cache_bytes":       "cache-bytes",
		"serve.cache_ttl":         "cache-ttl",
		"serve.require_signature": "require-signature",
		"serve.api_key":           "gateway-key",
		"serve.rate_limit":        "rate-limit",
		"serve.rate_window":       "rate-window",
		"serve.rate_per_client":   "rate-per-client",
		"serve.max_chunk_bytes":   "max-chunk-bytes",
		"serve.cors_origins":      "cors-origin",
		"serve.gc_interval":       "gc-interval",
	} {
		bindConfig(key, f.Lookup(flag))
	}
	return cmd
}

func runServe(ctx context.Context, s config.Server, log *slog.Logger) error {
	n, closeNode, err := openNode(s, log)
	if err != nil {
		return err
	}
	defer closeNode()

	if s.GCInterval > 0 {
		sweeper := gc.NewSweeper(gc.Options{
			Ledger: n.Ledger(),
			Blob:   n.Store(),
			Locker: n.Locker(),
			MaxAge: s.GCMaxAge,
			Logger: log,
		})
		stop := sweeper.Start(ctx, s.GCInterval)
		defer stop()
	}

	opts := gateway.Options{
		APIKey:        s.APIKey,
		MaxChunkBytes: s.MaxChunkBytes,
		CORSOrigins:   s.CORSOrigins,
		Logger:        log,
	}
	if s.RateLimit > 0 {
		opts.RateLimit = middleware.RateLimitOptions{
			Requests:  s.RateLimit,
			Window:    s.RateWindow,
			PerClient: s.RatePerClient,
		}
	}
	log.Info("storage node ready", "network", s.Network, "data_dir", s.DataDir,
		"provider", s.Storage.Provider, "chunk_size", s.ChunkSize, "signatures", s.RequireSignature)
	return gateway.New(n, opts).Start(ctx, s.Addr)
}

func newGCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Drop abandoned uploads and delete unreferenced chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return doGC(application.ctx, cmd.OutOrStdout(), application.cfg.Server, application.log)
		},
	}
}

func doGC(ctx context.Context, w io.Writer, s config.Server, log *slog.Logger) error {
	n, closeNode, err := openNode(s, log)
	if err != nil {
		return err
	}
	defer closeNode()
	rep, err := gc.NewSweeper(gc.Options{
		Ledger: n.Ledger(),
		Blob:   n.Store(),
		Locker: n.Locker(),
		MaxAge: s.GCMaxAge,
		Logger: log,
	}).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "gc dropped %d units and deleted %d chunks\n", rep.UnitsDropped, rep.ChunksDeleted)
	return nil
}
