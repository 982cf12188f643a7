package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jacktea/arvault/pkg/blob"
	"github.com/jacktea/arvault/pkg/config"
	"github.com/jacktea/arvault/pkg/custody"
	"github.com/jacktea/arvault/pkg/ledger"
	"github.com/jacktea/arvault/pkg/node"
)

type storageOptions struct {
	Root         string
	Endpoint     string
	Bucket       string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Prefix       string
}

func storageOptionsFrom(s config.Storage, root string) storageOptions {
	return storageOptions{
		Root:         root,
		Endpoint:     s.Endpoint,
		Bucket:       s.Bucket,
		Region:       s.Region,
		AccessKey:    s.AccessKey,
		SecretKey:    s.SecretKey,
		SessionToken: s.SessionToken,
		Prefix:       s.Prefix,
	}
}

func buildBlobStore(provider string, opts storageOptions) (blob.Store, error) {
	remote := blob.RemoteConfig{
		Endpoint:   opts.Endpoint,
		Bucket:     opts.Bucket,
		Prefix:     opts.Prefix,
		CacheBytes: 32 << 20,
		CacheTTL:   time.Minute,
	}
	switch strings.ToLower(provider) {
	case "", "local":
		if opts.Root == "" {
			return nil, errors.New("local storage requires a root directory")
		}
		return blob.NewPathStore(opts.Root)
	case "s3":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Region == "" {
			return nil, errors.New("s3 config requires endpoint, bucket, region, access key, and secret key")
		}
		return blob.NewS3Store(blob.S3Config{
			RemoteConfig: remote,
			Region:       opts.Region,
			AccessKey:    opts.AccessKey,
			SecretKey:    opts.SecretKey,
			SessionToken: opts.SessionToken,
		})
	case "oss":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("oss config requires endpoint, bucket, access key, and secret key")
		}
		return blob.NewOSSStore(blob.OSSConfig{RemoteConfig: remote, AccessKey: opts.AccessKey, SecretKey: opts.SecretKey})
	case "cos":
		if opts.Endpoint == "" || opts.Bucket == "" || opts.AccessKey == "" || opts.SecretKey == "" {
			return nil, errors.New("cos config requires endpoint, bucket, access key, and secret key")
		}
		return blob.NewCOSStore(blob.COSConfig{RemoteConfig: remote, AccessKey: opts.AccessKey, SecretKey: opts.SecretKey})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

// buildNodeStore assembles the primary store and, when configured, the
// hybrid tier behind it.
func buildNodeStore(s config.Server) (blob.Store, error) {
	primary, err := buildBlobStore(s.Storage.Provider, storageOptionsFrom(s.Storage, s.BlobRoot()))
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}
	if s.Hybrid.Provider == "" {
		return primary, nil
	}
	secondary, err := buildBlobStore(s.Hybrid.Provider, storageOptionsFrom(s.Hybrid.Storage, s.BlobRoot()+"-secondary"))
	if err != nil {
		return nil, fmt.Errorf("hybrid storage config: %w", err)
	}
	return blob.NewHybridStore(primary, secondary, blob.HybridOptions{
		MirrorSecondary: s.Hybrid.Mirror,
		CacheOnRead:     s.Hybrid.CacheOnRead,
	})
}

// openNode opens the ledger and chunk store under s.DataDir. The close
// func releases the ledger file lock.
func openNode(s config.Server, log *slog.Logger) (*node.Node, func(), error) {
	if err := os.MkdirAll(s.DataDir, 0o755); err != nil {
		return nil, nil, err
	}
	store, err := buildNodeStore(s)
	if err != nil {
		return nil, nil, err
	}
	l, err := ledger.Open(ledger.Config{Path: s.LedgerPath(), Timeout: 2 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger: %w", err)
	}
	opts := []node.Option{node.WithLogger(log)}
	if s.RequireSignature {
		opts = append(opts, node.WithVerifier(node.VerifierFunc(custody.Verify)))
	}
	n, err := node.New(node.Config{
		Network:     s.Network,
		ChunkSize:   s.ChunkSize,
		MaxUnitSize: s.MaxUnitSize,
		Quota:       s.Quota,
		Concurrency: s.Concurrency,
		CacheBytes:  s.CacheBytes,
		CacheTTL:    s.CacheTTL,
	}, store, l, opts...)
	if err != nil {
		l.Close()
		return nil, nil, err
	}
	return n, func() {
		n.Close()
		l.Close()
	}, nil
}
