// Package config assembles arvault's typed configuration from viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/jacktea/arvault/pkg/chunker"
	"github.com/jacktea/arvault/pkg/encryption"
	"github.com/jacktea/arvault/pkg/gateway"
	"github.com/jacktea/arvault/pkg/gc"
	"github.com/jacktea/arvault/pkg/node"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Defaults shared by the client and the node.
const (
	DefaultEndpoint = "http://127.0.0.1:8420"
	DefaultAddr     = ":8420"
	DefaultNetwork  = "arvault"
	DefaultWallet   = "wallet.json"
	DefaultDataDir  = ".arvault"
)

// Storage selects a blob provider.
type Storage struct {
	Provider     string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Prefix       string
}

// Hybrid layers a secondary provider behind the primary store.
type Hybrid struct {
	Storage
	Mirror      bool
	CacheOnRead bool
}

// Log selects the slog handler.
type Log struct {
	Level  string
	Format string
}

// Client holds what upload, download, status and ping need.
type Client struct {
	Endpoint     string
	APIKey       string
	Network      string
	Wallet       string
	Passphrase   string
	Method       string
	Timeout      time.Duration
	Bandwidth    int
	Resolvers    []string
	SkipNetcheck bool
}

// Server holds what serve and gc need.
type Server struct {
	Addr             string
	DataDir          string
	Network          string
	ChunkSize        int64
	MaxUnitSize      int64
	Quota            int64
	Concurrency      int
	CacheBytes       int64
	CacheTTL         time.Duration
	RequireSignature bool
	APIKey           string
	RateLimit        int
	RateWindow       time.Duration
	RatePerClient    bool
	MaxChunkBytes    int64
	CORSOrigins      []string
	GCInterval       time.Duration
	GCMaxAge         time.Duration
	Storage          Storage
	Hybrid           Hybrid
}

// Config is the full arvault configuration.
type Config struct {
	Log    Log
	Client Client
	Server Server
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; with no arguments ".env" is tried.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("endpoint", DefaultEndpoint)
	v.SetDefault("network", DefaultNetwork)
	v.SetDefault("wallet", DefaultWallet)
	v.SetDefault("method", string(encryption.DefaultMethod))
	v.SetDefault("timeout", time.Minute)

	v.SetDefault("serve.addr", DefaultAddr)
	v.SetDefault("serve.data_dir", DefaultDataDir)
	v.SetDefault("serve.chunk_size", int64(chunker.DefaultChunkSize))
	v.SetDefault("serve.max_unit_size", int64(node.DefaultMaxUnitSize))
	v.SetDefault("serve.concurrency", 4)
	v.SetDefault("serve.cache_bytes", int64(64<<20))
	v.SetDefault("serve.cache_ttl", 10*time.Minute)
	v.SetDefault("serve.require_signature", true)
	v.SetDefault("serve.rate_window", time.Second)
	v.SetDefault("serve.max_chunk_bytes", int64(gateway.DefaultMaxChunkBytes))
	v.SetDefault("serve.gc_interval", 10*time.Minute)
	v.SetDefault("serve.gc_max_age", gc.DefaultMaxAge)

	v.SetDefault("storage_provider", "local")
	v.SetDefault("hybrid_mirror", true)
	v.SetDefault("hybrid_cache_read", true)
}

// FromViper reads the typed configuration out of v and validates it.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Log: Log{
			Level:  v.GetString("log_level"),
			Format: v.GetString("log_format"),
		},
		Client: Client{
			Endpoint:     v.GetString("endpoint"),
			APIKey:       v.GetString("api_key"),
			Network:      v.GetString("network"),
			Wallet:       v.GetString("wallet"),
			Passphrase:   v.GetString("passphrase"),
			Method:       v.GetString("method"),
			Timeout:      v.GetDuration("timeout"),
			Bandwidth:    v.GetInt("bandwidth"),
			Resolvers:    splitList(v.GetStringSlice("resolvers")),
			SkipNetcheck: v.GetBool("skip_netcheck"),
		},
		Server: Server{
			Addr:             v.GetString("serve.addr"),
			DataDir:          v.GetString("serve.data_dir"),
			Network:          v.GetString("network"),
			ChunkSize:        v.GetInt64("serve.chunk_size"),
			MaxUnitSize:      v.GetInt64("serve.max_unit_size"),
			Quota:            v.GetInt64("serve.quota"),
			Concurrency:      v.GetInt("serve.concurrency"),
			CacheBytes:       v.GetInt64("serve.cache_bytes"),
			CacheTTL:         v.GetDuration("serve.cache_ttl"),
			RequireSignature: v.GetBool("serve.require_signature"),
			APIKey:           v.GetString("serve.api_key"),
			RateLimit:        v.GetInt("serve.rate_limit"),
			RateWindow:       v.GetDuration("serve.rate_window"),
			RatePerClient:    v.GetBool("serve.rate_per_client"),
			MaxChunkBytes:    v.GetInt64("serve.max_chunk_bytes"),
			CORSOrigins:      splitList(v.GetStringSlice("serve.cors_origins")),
			GCInterval:       v.GetDuration("serve.gc_interval"),
			GCMaxAge:         v.GetDuration("serve.gc_max_age"),
			Storage:          storageFrom(v, "storage"),
			Hybrid: Hybrid{
				Storage:     storageFrom(v, "hybrid"),
				Mirror:      v.GetBool("hybrid_mirror"),
				CacheOnRead: v.GetBool("hybrid_cache_read"),
			},
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func storageFrom(v *viper.Viper, prefix string) Storage {
	return Storage{
		Provider:     strings.ToLower(v.GetString(prefix + "_provider")),
		Endpoint:     v.GetString(prefix + "_endpoint"),
		Bucket:       v.GetString(prefix + "_bucket"),
		Region:       v.GetString(prefix + "_region"),
		AccessKey:    v.GetString(prefix + "_access_key"),
		SecretKey:    v.GetString(prefix + "_secret_key"),
		SessionToken: v.GetString(prefix + "_session_token"),
		Prefix:       v.GetString(prefix + "_prefix"),
	}
}

// splitList accepts both list values and comma separated env strings.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	const op = "config.Validate"
	if c.Client.Endpoint != "" {
		u, err := url.Parse(c.Client.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return xerrors.E(xerrors.KindInvalid, op, fmt.Sprintf("endpoint %q must be an absolute URL", c.Client.Endpoint))
		}
	}
	if c.Client.Method != "" {
		if _, err := encryption.ParseMethod(c.Client.Method); err != nil {
			return xerrors.Wrap(xerrors.KindInvalid, op, c.Client.Method, err)
		}
	}
	if c.Client.Bandwidth < 0 {
		return xerrors.E(xerrors.KindInvalid, op, "bandwidth must not be negative")
	}
	s := c.Server
	switch {
	case s.ChunkSize <= 0:
		return xerrors.E(xerrors.KindInvalid, op, "serve.chunk_size must be positive")
	case s.MaxChunkBytes > 0 && s.ChunkSize > s.MaxChunkBytes:
		return xerrors.E(xerrors.KindInvalid, op, "serve.chunk_size exceeds serve.max_chunk_bytes")
	case s.MaxUnitSize < 0 || s.Quota < 0:
		return xerrors.E(xerrors.KindInvalid, op, "sizes must not be negative")
	case s.RateLimit < 0:
		return xerrors.E(xerrors.KindInvalid, op, "serve.rate_limit must not be negative")
	case s.RateLimit > 0 && s.RateWindow <= 0:
		return xerrors.E(xerrors.KindInvalid, op, "serve.rate_window must be positive when rate limiting")
	}
	for _, st := range []Storage{s.Storage, s.Hybrid.Storage} {
		switch st.Provider {
		case "", "local", "s3", "oss", "cos":
		default:
			return xerrors.E(xerrors.KindInvalid, op, fmt.Sprintf("unknown storage provider %q", st.Provider))
		}
	}
	return nil
}

// LedgerPath is the bbolt file inside the data dir.
func (s Server) LedgerPath() string { return filepath.Join(s.DataDir, "ledger.db") }

// BlobRoot is where the local provider keeps chunks.
func (s Server) BlobRoot() string { return filepath.Join(s.DataDir, "chunks") }
