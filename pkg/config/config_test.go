package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacktea/arvault/pkg/chunker"
	"github.com/jacktea/arvault/pkg/xerrors"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestFromViperDefaults(t *testing.T) {
	cfg, err := FromViper(newViper())
	require.NoError(t, err)
	assert.Equal(t, DefaultEndpoint, cfg.Client.Endpoint)
	assert.Equal(t, DefaultNetwork, cfg.Server.Network)
	assert.Equal(t, int64(chunker.DefaultChunkSize), cfg.Server.ChunkSize)
	assert.Equal(t, "local", cfg.Server.Storage.Provider)
	assert.True(t, cfg.Server.RequireSignature)
	assert.True(t, cfg.Server.Hybrid.Mirror)
	assert.Equal(t, filepath.Join(DefaultDataDir, "ledger.db"), cfg.Server.LedgerPath())
	assert.Equal(t, filepath.Join(DefaultDataDir, "chunks"), cfg.Server.BlobRoot())
}

func TestFromViperConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoint: https://node.example.com
bandwidth: 65536
resolvers: ["10.0.0.1:53"]
storage_provider: S3
storage_bucket: chunks
serve:
  addr: ":9000"
  chunk_size: 1048576
  gc_max_age: 2h
  cors_origins: ["https://a.example", "https://b.example"]
`), 0o600))
	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := FromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "https://node.example.com", cfg.Client.Endpoint)
	assert.Equal(t, 65536, cfg.Client.Bandwidth)
	assert.Equal(t, []string{"10.0.0.1:53"}, cfg.Client.Resolvers)
	assert.Equal(t, "s3", cfg.Server.Storage.Provider)
	assert.Equal(t, "chunks", cfg.Server.Storage.Bucket)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, int64(1<<20), cfg.Server.ChunkSize)
	assert.Equal(t, 2*time.Hour, cfg.Server.GCMaxAge)
	assert.Len(t, cfg.Server.CORSOrigins, 2)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitList([]string{"a, b", " ", "c"}))
	assert.Nil(t, splitList(nil))
}

func TestValidate(t *testing.T) {
	cases := map[string]func(v *viper.Viper){
		"relative endpoint": func(v *viper.Viper) { v.Set("endpoint", "node:8420") },
		"unknown method":    func(v *viper.Viper) { v.Set("method", "rot13") },
		"zero chunk":        func(v *viper.Viper) { v.Set("serve.chunk_size", 0) },
		"chunk over limit":  func(v *viper.Viper) { v.Set("serve.chunk_size", int64(32<<20)) },
		"negative quota":    func(v *viper.Viper) { v.Set("serve.quota", -1) },
		"rate without window": func(v *viper.Viper) {
			v.Set("serve.rate_limit", 5)
			v.Set("serve.rate_window", 0)
		},
		"bad provider": func(v *viper.Viper) { v.Set("hybrid_provider", "ftp") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			v := newViper()
			mutate(v)
			_, err := FromViper(v)
			require.Error(t, err)
			assert.Equal(t, xerrors.KindInvalid, xerrors.KindOf(err))
		})
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ARVAULT_TEST_LOADENV=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ARVAULT_TEST_LOADENV") })

	require.NoError(t, LoadEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "from-file", os.Getenv("ARVAULT_TEST_LOADENV"))
}
