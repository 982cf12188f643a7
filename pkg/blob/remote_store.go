package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/arvault/pkg/cache"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// RemoteStore persists chunks in object storage compatible with S3/OSS/COS.
// Objects are immutable and addressed by their SHA-256, so a HEAD hit is
// treated as a completed upload.
type RemoteStore struct {
	client  *http.Client
	baseURL string
	prefix  string
	signer  Signer
	cache   *cache.Cache
}

// RemoteConfig is a generic configuration used by provider helpers.
type RemoteConfig struct {
	Endpoint string
	Bucket   string
	// Prefix is prepended to every object key, e.g. "chunks/".
	Prefix     string
	Client     *http.Client
	CacheBytes int64
	CacheTTL   time.Duration
}

// Signer signs HTTP requests for remote providers.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// NewRemoteStore builds a RemoteStore with a signer. A negative CacheBytes
// disables the read cache.
func NewRemoteStore(cfg RemoteConfig, signer Signer) (*RemoteStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "RemoteStore", "", fmt.Errorf("endpoint and bucket required"))
	}
	bucket := strings.Trim(cfg.Bucket, "/")
	if bucket == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "RemoteStore", cfg.Bucket, fmt.Errorf("bucket invalid"))
	}
	if signer == nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "RemoteStore", "", fmt.Errorf("signer required"))
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	store := &RemoteStore{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.Endpoint, "/") + "/" + bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		signer:  signer,
	}
	if cfg.CacheBytes >= 0 {
		store.cache = cache.New(cfg.CacheBytes, cfg.CacheTTL)
	}
	return store, nil
}

// Put uploads a chunk via HTTP PUT unless an object with the same address
// already exists.
func (r *RemoteStore) Put(ctx context.Context, src io.Reader, size int64, opts PutOptions) (ID, int64, error) {
	payload, err := io.ReadAll(src)
	if err != nil {
		return "", 0, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.Put", "", err)
	}
	id := Sum(payload)
	if err := checkSum("RemoteStore.Put", opts.Checksum, id); err != nil {
		return "", 0, err
	}
	exists, err := r.Exists(ctx, id)
	if err != nil {
		return "", 0, err
	}
	if exists {
		return id, int64(len(payload)), nil
	}
	md5Sum := md5.Sum(payload)
	resp, err := r.do(ctx, http.MethodPut, id, payload, func(h http.Header) {
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Length", strconv.Itoa(len(payload)))
		h.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	})
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", 0, statusError("RemoteStore.Put", id, resp)
	}
	return id, int64(len(payload)), nil
}

// Get retrieves a chunk via HTTP GET. Downloaded bytes must hash to id
// before they are returned or cached.
func (r *RemoteStore) Get(ctx context.Context, id ID) (io.ReadCloser, int64, error) {
	if !id.Valid() {
		return nil, 0, xerrors.E(xerrors.KindInvalid, "RemoteStore.Get", string(id))
	}
	if r.cache != nil {
		if data, ok := r.cache.Get(string(id)); ok {
			return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
		}
	}
	resp, err := r.do(ctx, http.MethodGet, id, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, 0, statusError("RemoteStore.Get", id, resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, xerrors.Wrap(xerrors.KindTransport, "RemoteStore.Get", string(id), err)
	}
	if got := Sum(data); got != id {
		return nil, 0, xerrors.Wrap(xerrors.KindTransportIntegrity, "RemoteStore.Get", string(id),
			fmt.Errorf("%w: remote object hashes to %s", ErrChecksum, got))
	}
	if r.cache != nil {
		r.cache.Set(string(id), data)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Delete removes a chunk. A missing object is reported as KindNotFound.
func (r *RemoteStore) Delete(ctx context.Context, id ID) error {
	if r.cache != nil {
		r.cache.Delete(string(id))
	}
	resp, err := r.do(ctx, http.MethodDelete, id, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError("RemoteStore.Delete", id, resp)
	}
	return nil
}

// Exists checks whether the chunk is already stored.
func (r *RemoteStore) Exists(ctx context.Context, id ID) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, id, nil, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, xerrors.Wrap(xerrors.KindTransport, "RemoteStore.Exists", string(id), fmt.Errorf("remote head %s", resp.Status))
	}
}

func (r *RemoteStore) do(ctx context.Context, method string, id ID, body []byte, headers func(http.Header)) (*http.Response, error) {
	var reader io.Reader
	payloadHash := emptyPayloadHash()
	if body != nil {
		reader = bytes.NewReader(body)
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
	}
	req, err := http.NewRequestWithContext(ctx, method, r.objectURL(id), reader)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "RemoteStore."+method, string(id), err)
	}
	if headers != nil {
		headers(req.Header)
	}
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", req.URL.Host)
	if err := r.signer.Sign(req, payloadHash); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "RemoteStore.sign", string(id), err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransport, "RemoteStore."+method, string(id), err)
	}
	return resp, nil
}

func (r *RemoteStore) objectURL(id ID) string {
	if r.prefix == "" {
		return r.baseURL + "/" + string(id)
	}
	return r.baseURL + "/" + r.prefix + "/" + string(id)
}

func statusError(op string, id ID, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := xerrors.KindTransport
	switch resp.StatusCode {
	case http.StatusNotFound:
		kind = xerrors.KindNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = xerrors.KindUnauthorized
	}
	return xerrors.Wrap(kind, op, string(id), fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body))))
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

// S3Config describes the parameters for AWS S3-compatible stores.
type S3Config struct {
	RemoteConfig
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// NewS3Store builds a RemoteStore with AWS SigV4 signing.
func NewS3Store(cfg S3Config) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewS3Store", "", fmt.Errorf("access key, secret key, and region required"))
	}
	return NewRemoteStore(cfg.RemoteConfig, &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	})
}

// OSSConfig describes the parameters for Aliyun OSS.
type OSSConfig struct {
	RemoteConfig
	AccessKey string
	SecretKey string
}

// NewOSSStore builds a RemoteStore for Aliyun OSS.
func NewOSSStore(cfg OSSConfig) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewOSSStore", "", fmt.Errorf("access key and secret key required"))
	}
	return NewRemoteStore(cfg.RemoteConfig, &ossSigner{accessKey: cfg.AccessKey, secretKey: cfg.SecretKey})
}

// COSConfig describes Tencent COS parameters.
type COSConfig struct {
	RemoteConfig
	AccessKey string
	SecretKey string
}

// NewCOSStore builds a RemoteStore for Tencent COS.
func NewCOSStore(cfg COSConfig) (*RemoteStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "NewCOSStore", "", fmt.Errorf("access key and secret key required"))
	}
	return NewRemoteStore(cfg.RemoteConfig, &cosSigner{accessKey: cfg.AccessKey, secretKey: cfg.SecretKey})
}
