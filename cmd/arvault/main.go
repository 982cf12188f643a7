package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/arvault/pkg/config"
	"github.com/jacktea/arvault/pkg/logging"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Process exit codes.
const (
	exitOK         = 0
	exitGeneric    = 1
	exitTransport  = 2
	exitIntegrity  = 3
	exitDecryption = 4
)

type app struct {
	ctx     context.Context
	cfg     *config.Config
	log     *slog.Logger
	cleanup func()
}

func (a *app) ensureConfig() error {
	if a.cfg != nil {
		return nil
	}
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a.ctx = ctx
	a.cfg = cfg
	a.log = log
	a.cleanup = stop
	return nil
}

func (a *app) close() {
	if a.cleanup != nil {
		a.cleanup()
	}
}

var (
	cfgFile     string
	envFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "arvault",
		Short:         "Encrypt, upload and retrieve artifacts on an arvault storage network",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureConfig()
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	err := rootCmd.Execute()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "arvault:", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps an error to the process status: 2 for fetch and transport
// failures, 3 for integrity mismatches, 4 for decryption failures.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindTransport, xerrors.KindFetch:
		return exitTransport
	case xerrors.KindTransportIntegrity, xerrors.KindPlaintextIntegrity:
		return exitIntegrity
	case xerrors.KindDecryption:
		return exitDecryption
	default:
		return exitGeneric
	}
}

func initConfig() {
	if err := config.LoadEnv(envFiles()...); err != nil {
		fmt.Fprintf(os.Stderr, "load env: %v\n", err)
	}
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("arvault")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "arvault"))
		}
	}
	viper.SetEnvPrefix("ARVAULT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func envFiles() []string {
	if envFile != "" {
		return []string{envFile}
	}
	return nil
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (YAML or TOML)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file loaded before the environment is read (default .env)")

	pf.String("log-level", "info", "log level: debug|info|warn|error")
	pf.String("log-format", "text", "log format: text|json")
	pf.String("network", config.DefaultNetwork, "storage network name")

	pf.String("endpoint", config.DefaultEndpoint, "gateway URL")
	pf.String("api-key", "", "API key sent to the gateway")
	pf.String("wallet", config.DefaultWallet, "wallet keyfile")
	pf.String("passphrase", "", "wallet passphrase (prefer ARVAULT_PASSPHRASE)")
	pf.Duration("timeout", time.Minute, "per-request timeout")
	pf.Int("bandwidth", 0, "upload bandwidth limit in bytes per second (0 disables)")
	pf.StringSlice("resolvers", nil, "DNS resolvers for the reachability check (host:port)")
	pf.Bool("skip-netcheck", false, "skip the reachability check before uploading")

	pf.String("data-dir", config.DefaultDataDir, "node data directory (ledger and local chunks)")
	pf.Duration("gc-max-age", 24*time.Hour, "age after which a pending unit counts as abandoned")

	pf.String("storage-provider", "local", "chunk storage provider: local|s3|oss|cos")
	pf.String("storage-endpoint", "", "remote storage endpoint")
	pf.String("storage-bucket", "", "remote storage bucket name")
	pf.String("storage-region", "", "region (S3 only)")
	pf.String("storage-access-key", "", "remote storage access key")
	pf.String("storage-secret-key", "", "remote storage secret key")
	pf.String("storage-session-token", "", "remote storage session token (S3)")
	pf.String("storage-prefix", "", "object key prefix for remote storage")

	pf.String("hybrid-provider", "", "secondary storage provider for hybrid tier")
	pf.String("hybrid-endpoint", "", "secondary storage endpoint")
	pf.String("hybrid-bucket", "", "secondary storage bucket")
	pf.String("hybrid-region", "", "secondary storage region (S3 only)")
	pf.String("hybrid-access-key", "", "secondary storage access key")
	pf.String("hybrid-secret-key", "", "secondary storage secret key")
	pf.String("hybrid-session-token", "", "secondary storage session token (S3)")
	pf.String("hybrid-prefix", "", "object key prefix for the secondary store")
	pf.Bool("hybrid-mirror", true, "mirror writes to the secondary store")
	pf.Bool("hybrid-cache-read", true, "cache secondary reads into the primary store")

	for key, flag := range map[string]string{
		"log_level":     "log-level",
		"log_format":    "log-format",
		"network":       "network",
		"endpoint":      "endpoint",
		"api_key":       "api-key",
		"wallet":        "wallet",
		"passphrase":    "passphrase",
		"timeout":       "timeout",
		"bandwidth":     "bandwidth",
		"resolvers":     "resolvers",
		"skip_netcheck": "skip-netcheck",

		"serve.data_dir":   "data-dir",
		"serve.gc_max_age": "gc-max-age",

		"storage_provider":      "storage-provider",
		"storage_endpoint":      "storage-endpoint",
		"storage_bucket":        "storage-bucket",
		"storage_region":        "storage-region",
		"storage_access_key":    "storage-access-key",
		"storage_secret_key":    "storage-secret-key",
		"storage_session_token": "storage-session-token",
		"storage_prefix":        "storage-prefix",

		"hybrid_provider":      "hybrid-provider",
		"hybrid_endpoint":      "hybrid-endpoint",
		"hybrid_bucket":        "hybrid-bucket",
		"hybrid_region":        "hybrid-region",
		"hybrid_access_key":    "hybrid-access-key",
		"hybrid_secret_key":    "hybrid-secret-key",
		"hybrid_session_token": "hybrid-session-token",
		"hybrid_prefix":        "hybrid-prefix",
		"hybrid_mirror":        "hybrid-mirror",
		"hybrid_cache_read":    "hybrid-cache-read",
	} {
		bindConfig(key, pf.Lookup(flag))
	}
}

func initCommands() {
	rootCmd.AddCommand(
		newKeygenCmd(),
		newUploadCmd(),
		newDownloadCmd(),
		newStatusCmd(),
		newPingCmd(),
		newServeCmd(),
		newGCCmd(),
	)
}
