package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jacktea/arvault/pkg/config"
	"github.com/jacktea/arvault/pkg/custody"
	"github.com/jacktea/arvault/pkg/encryption"
	"github.com/jacktea/arvault/pkg/keyseal"
	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/netcheck"
	"github.com/jacktea/arvault/pkg/retrieve"
	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/transport/httpnet"
	"github.com/jacktea/arvault/pkg/upload"
	"github.com/jacktea/arvault/pkg/xerrors"
)

const defaultDownloadFile = "downloaded.bin"

// clientEnv is what the network-facing commands share.
type clientEnv struct {
	cfg     config.Client
	backend transport.Backend
	log     *slog.Logger
	out     io.Writer
}

func newClientEnv(cmd *cobra.Command) (*clientEnv, error) {
	cfg := application.cfg.Client
	backend, err := httpnet.New(httpnet.Config{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Timeout:   cfg.Timeout,
		UserAgent: "arvault-cli",
	})
	if err != nil {
		return nil, err
	}
	return &clientEnv{cfg: cfg, backend: backend, log: application.log, out: cmd.OutOrStdout()}, nil
}

func (e *clientEnv) transport() *transport.Client {
	return transport.NewClient(e.backend,
		transport.WithBandwidth(e.cfg.Bandwidth),
		transport.WithClientLogger(e.log))
}

func (e *clientEnv) checker() *netcheck.Checker {
	return &netcheck.Checker{Resolvers: e.cfg.Resolvers, Timeout: e.cfg.Timeout, Logger: e.log}
}

func newKeygenCmd() *cobra.Command {
	var (
		out         string
		ageIdentity string
		force       bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create a wallet keyfile and optionally an age identity for key escrow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				out = application.cfg.Client.Wallet
			}
			return doKeygen(cmd.OutOrStdout(), out, []byte(application.cfg.Client.Passphrase), ageIdentity, force)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "keyfile to write (defaults to --wallet)")
	cmd.Flags().StringVar(&ageIdentity, "age-identity", "", "also write an age identity file for --seal-to")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	return cmd
}

func doKeygen(w io.Writer, path string, passphrase []byte, agePath string, force bool) error {
	for _, p := range []string{path, agePath} {
		if p == "" || force {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return xerrors.E(xerrors.KindInvalid, "keygen", p+" exists, use --force to replace it")
		}
	}
	wallet, err := custody.Generate()
	if err != nil {
		return err
	}
	if err := wallet.Save(path, passphrase); err != nil {
		return err
	}
	fmt.Fprintf(w, "wallet: %s\naddress: %s\n", path, wallet.Address())
	if agePath == "" {
		return nil
	}
	identity, recipient, err := keyseal.GenerateIdentity()
	if err != nil {
		return err
	}
	if err := manifest.WriteFileAtomic(agePath, []byte(identity), 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "age identity: %s\nrecipient: %s\n", agePath, recipient)
	return nil
}

type uploadOptions struct {
	Path   string
	Result string
	Method string
	Tags   map[string]string
	SealTo []string
}

func newUploadCmd() *cobra.Command {
	var (
		opts uploadOptions
		tags []string
	)
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Encrypt a file and upload it in chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			parsed, err := parseTags(tags)
			if err != nil {
				return err
			}
			opts.Path = args[0]
			opts.Tags = parsed
			rec, err := runUpload(application.ctx, env, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(env.out, "content id: %s\nrecord: %s\n", rec.ContentID, opts.Result)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Result, "result", manifest.DefaultRecordFile, "where to write the upload record")
	cmd.Flags().StringVar(&opts.Method, "method", "", "encryption method: aes-256-cbc|aes-256-gcm (defaults to config)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "extra tag as key=value (repeatable)")
	cmd.Flags().StringSliceVar(&opts.SealTo, "seal-to", nil, "seal the content key to these age recipients instead of storing it in clear")
	return cmd
}

func parseTags(in []string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for _, kv := range in {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, xerrors.E(xerrors.KindInvalid, "parseTags", fmt.Sprintf("tag %q must be key=value", kv))
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// runUpload checks the network, encrypts, uploads and writes the record.
func runUpload(ctx context.Context, env *clientEnv, opts uploadOptions) (*manifest.Record, error) {
	plaintext, err := os.ReadFile(opts.Path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "upload.read", opts.Path, err)
	}
	if !env.cfg.SkipNetcheck {
		res, err := env.checker().Check(ctx, env.cfg.Endpoint, env.backend.Info)
		if err != nil {
			return nil, err
		}
		if res.Info != nil && env.cfg.Network != "" && res.Info.Network != env.cfg.Network {
			return nil, xerrors.E(xerrors.KindInvalid, "upload.netcheck",
				fmt.Sprintf("endpoint serves network %q, expected %q", res.Info.Network, env.cfg.Network))
		}
		env.log.Info("network reachable", "host", res.Host, "latency", res.Latency)
	}
	wallet, err := custody.Load(env.cfg.Wallet, []byte(env.cfg.Passphrase))
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = env.cfg.Method
	}
	codec, err := encryption.New(encryption.Method(method))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "upload.method", method, err)
	}
	sealed, err := codec.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	m := manifest.Compute(plaintext, sealed.Blob)
	env.log.Info("artifact encrypted", "bytes", len(plaintext), "blob_bytes", len(sealed.Blob),
		"method", sealed.Method, "plaintext_hash", m.PlaintextHash, "ciphertext_hash", m.CiphertextHash)

	rec := &manifest.Record{
		Network:       env.cfg.Network,
		Encryption:    string(sealed.Method),
		OriginalHash:  m.PlaintextHash,
		EncryptedHash: m.CiphertextHash,
		WalletAddress: wallet.Address(),
		Tags: map[string]string{
			"Content-Type":    "application/octet-stream",
			"Encryption-Type": string(sealed.Method),
		},
	}
	for k, v := range opts.Tags {
		rec.Tags[k] = v
	}
	if len(opts.SealTo) > 0 {
		if rec.SealedKey, err = keyseal.Seal(sealed.Key.Bytes(), opts.SealTo); err != nil {
			return nil, err
		}
	} else {
		rec.EncryptionKey = sealed.Key.Hex()
	}

	auth, err := wallet.Authorize(m.CiphertextHash)
	if err != nil {
		return nil, err
	}
	sess, err := upload.StartWithTags(ctx, env.transport(), sealed.Blob, auth, rec.Tags,
		upload.WithLogger(env.log),
		upload.WithProgress(func(p transport.Progress) {
			env.log.Info("upload progress", "chunks", fmt.Sprintf("%d/%d", p.ChunksUploaded, p.TotalChunks), "percent", p.PercentComplete)
		}))
	if err != nil {
		return nil, err
	}
	id, err := sess.DriveToCompletion(ctx)
	if err != nil {
		return nil, err
	}
	if st, err := env.transport().ConfirmationStatus(ctx, id); err != nil {
		env.log.Warn("upload status unavailable", "id", id, "err", err)
	} else {
		env.log.Info("upload status", "id", id, "state", st.State,
			"chunks", fmt.Sprintf("%d/%d", st.ChunksUploaded, st.Chunks), "size", st.Size)
	}
	rec.ContentID = string(id)
	rec.Timestamp = time.Now().UTC()
	if opts.Result == "" {
		opts.Result = manifest.DefaultRecordFile
	}
	if err := manifest.SaveRecord(opts.Result, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type downloadOptions struct {
	ContentID       string
	KeyHex          string
	Record          string
	Out             string
	Identity        string
	AllowUnverified bool
}

func newDownloadCmd() *cobra.Command {
	var opts downloadOptions
	cmd := &cobra.Command{
		Use:   "download [content-id] [key-hex]",
		Short: "Fetch, verify and decrypt an artifact",
		Long: "Fetch, verify and decrypt an artifact. Arguments override the values in the\n" +
			"upload record; integrity hashes are taken from the record when present.",
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			if len(args) > 0 {
				opts.ContentID = args[0]
			}
			if len(args) > 1 {
				opts.KeyHex = args[1]
			}
			res, err := runDownload(application.ctx, env, opts)
			if res != nil {
				fmt.Fprintf(env.out, "saved: %s (%d bytes, %s)\n", opts.Out, len(res.Plaintext), res.Trust)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Record, "record", manifest.DefaultRecordFile, "upload record to read")
	cmd.Flags().StringVar(&opts.Out, "out", defaultDownloadFile, "where to write the plaintext")
	cmd.Flags().StringVar(&opts.Identity, "identity", "", "age identity file that opens a sealed key")
	cmd.Flags().BoolVar(&opts.AllowUnverified, "allow-unverified", false, "save the plaintext even when its hash does not match")
	return cmd
}

// runDownload resolves id, key and expected hashes from opts and the
// record, then retrieves and persists the artifact. With AllowUnverified a
// plaintext mismatch still writes the file and returns the integrity error.
func runDownload(ctx context.Context, env *clientEnv, opts downloadOptions) (*retrieve.Result, error) {
	const op = "download"
	rec, err := loadOptionalRecord(opts)
	if err != nil {
		return nil, err
	}
	id, key, err := resolveTarget(opts, rec)
	if err != nil {
		return nil, err
	}
	method := encryption.DefaultMethod
	var expect manifest.Manifest
	if rec != nil {
		expect = rec.Manifest()
		if rec.Encryption != "" {
			if method, err = encryption.ParseMethod(rec.Encryption); err != nil {
				return nil, xerrors.Wrap(xerrors.KindInvalid, op, rec.Encryption, err)
			}
		}
		if rec.ContentID != string(id) {
			// The record describes a different artifact.
			expect = manifest.Manifest{}
		}
	}
	codec, err := encryption.New(method)
	if err != nil {
		return nil, err
	}
	popts := []retrieve.Option{retrieve.WithCodec(codec), retrieve.WithLogger(env.log)}
	if opts.AllowUnverified {
		popts = append(popts, retrieve.WithUnverifiedOnMismatch())
	}
	res, rerr := retrieve.New(env.transport(), popts...).Retrieve(ctx, id, key, expect)
	if res == nil {
		return nil, rerr
	}
	out := opts.Out
	if out == "" {
		out = defaultDownloadFile
	}
	if err := retrieve.Persist(out, res); err != nil {
		return nil, err
	}
	if rerr != nil {
		env.log.Warn("saved unverified plaintext", "path", out, "trust", res.Trust.String())
	}
	return res, rerr
}

func loadOptionalRecord(opts downloadOptions) (*manifest.Record, error) {
	if opts.Record == "" {
		return nil, nil
	}
	rec, err := manifest.LoadRecord(opts.Record)
	if err == nil {
		return rec, nil
	}
	// A missing default record is fine when the arguments carry everything.
	if xerrors.KindOf(err) == xerrors.KindNotFound && opts.ContentID != "" && opts.KeyHex != "" {
		return nil, nil
	}
	return nil, err
}

func resolveTarget(opts downloadOptions, rec *manifest.Record) (transport.ContentID, []byte, error) {
	const op = "download"
	id := opts.ContentID
	if id == "" && rec != nil {
		id = rec.ContentID
	}
	if id == "" {
		return "", nil, xerrors.E(xerrors.KindInvalid, op, "no content id given and none in the record")
	}
	if opts.KeyHex != "" {
		k, err := encryption.ParseKey(opts.KeyHex)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.KindInvalid, op, "key", err)
		}
		return transport.ContentID(id), k.Bytes(), nil
	}
	if rec == nil {
		return "", nil, xerrors.E(xerrors.KindInvalid, op, "no key given and no record")
	}
	switch {
	case rec.EncryptionKey != "":
		k, err := encryption.ParseKey(rec.EncryptionKey)
		if err != nil {
			return "", nil, xerrors.Wrap(xerrors.KindInvalid, op, "record key", err)
		}
		return transport.ContentID(id), k.Bytes(), nil
	case rec.SealedKey != "":
		if opts.Identity == "" {
			return "", nil, xerrors.E(xerrors.KindInvalid, op, "record key is sealed, pass --identity")
		}
		ids, err := keyseal.LoadIdentities(opts.Identity)
		if err != nil {
			return "", nil, err
		}
		key, err := keyseal.Open(rec.SealedKey, ids...)
		if err != nil {
			return "", nil, err
		}
		return transport.ContentID(id), key, nil
	default:
		return "", nil, xerrors.E(xerrors.KindInvalid, op, "record has no key")
	}
}

func newStatusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status <content-id>",
		Short: "Show the confirmation status of an upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			st, err := env.transport().ConfirmationStatus(application.ctx, transport.ContentID(args[0]))
			if err != nil {
				return err
			}
			return render(env.out, output, st)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}

func newPingCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Resolve the gateway and ask the node to describe itself",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := newClientEnv(cmd)
			if err != nil {
				return err
			}
			res, err := env.checker().Check(application.ctx, env.cfg.Endpoint, env.backend.Info)
			if err != nil {
				return err
			}
			return render(env.out, output, res)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}

func render(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return errors.New("output must be yaml or json")
	}
}
