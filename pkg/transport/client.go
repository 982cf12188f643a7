package transport

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/jacktea/arvault/pkg/manifest"
	"github.com/jacktea/arvault/pkg/xerrors"
)

// Client implements Transport on top of a node Backend. It computes the
// unit digest, slices the blob with the granted chunk size and optionally
// throttles outgoing chunk bytes.
type Client struct {
	backend Backend
	limiter *rate.Limiter
	log     *slog.Logger
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithBandwidth caps chunk uploads at bytesPerSecond. Zero disables the cap.
func WithBandwidth(bytesPerSecond int) ClientOption {
	return func(c *Client) {
		if bytesPerSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
		}
	}
}

// WithClientLogger sets the logger used for per-chunk debug output.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient wraps backend.
func NewClient(backend Backend, opts ...ClientOption) *Client {
	c := &Client{backend: backend, log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backend exposes the wrapped node protocol, e.g. for reachability checks.
func (c *Client) Backend() Backend { return c.backend }

// Info returns node information.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	return c.backend.Info(ctx)
}

func (c *Client) CreateUploadUnit(ctx context.Context, req UnitRequest) (*Upload, error) {
	if len(req.Blob) == 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "transport.CreateUploadUnit", "empty blob")
	}
	digest := manifest.Fingerprint(req.Blob)
	if req.Authorization.Digest != "" && req.Authorization.Digest != digest {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "transport.CreateUploadUnit", "",
			fmt.Errorf("authorization covers %s, blob is %s", req.Authorization.Digest, digest))
	}
	grant, err := c.backend.OpenUnit(ctx, UnitSpec{
		Size:          int64(len(req.Blob)),
		Digest:        digest,
		Authorization: req.Authorization,
		Tags:          req.Tags,
	})
	if err != nil {
		return nil, err
	}
	u := NewUpload(grant.ID, req.Blob, grant.ChunkSize)
	if grant.TotalChunks != 0 && grant.TotalChunks != u.TotalChunks {
		return nil, xerrors.Wrap(xerrors.KindInternal, "transport.CreateUploadUnit", string(grant.ID),
			fmt.Errorf("node planned %d chunks, client planned %d", grant.TotalChunks, u.TotalChunks))
	}
	c.log.Debug("upload unit opened", "id", grant.ID, "size", len(req.Blob), "chunk_size", grant.ChunkSize, "chunks", u.TotalChunks)
	return u, nil
}

func (c *Client) UploadNextChunk(ctx context.Context, u *Upload) (Progress, error) {
	if u == nil {
		return Progress{}, xerrors.E(xerrors.KindInvalid, "transport.UploadNextChunk", "nil upload")
	}
	if u.Done() {
		return u.Last(), nil
	}
	index, data, ok := u.Next()
	if !ok {
		return u.Last(), xerrors.Wrap(xerrors.KindInternal, "transport.UploadNextChunk", string(u.ID),
			fmt.Errorf("all %d chunks sent but node has not confirmed", u.TotalChunks))
	}
	if err := c.throttle(ctx, len(data)); err != nil {
		return u.Last(), err
	}
	p, err := c.backend.PutChunk(ctx, u.ID, index, data)
	if err != nil {
		return u.Last(), err
	}
	u.Ack(p)
	c.log.Debug("chunk acknowledged", "id", u.ID, "index", index, "bytes", len(data), "percent", p.PercentComplete)
	return p, nil
}

func (c *Client) FetchByIdentifier(ctx context.Context, id ContentID) ([]byte, error) {
	return c.backend.Fetch(ctx, id)
}

func (c *Client) ConfirmationStatus(ctx context.Context, id ContentID) (*Status, error) {
	return c.backend.Status(ctx, id)
}

func (c *Client) throttle(ctx context.Context, n int) error {
	if c.limiter == nil {
		return nil
	}
	burst := c.limiter.Burst()
	for n > 0 {
		take := n
		if take > burst {
			take = burst
		}
		if err := c.limiter.WaitN(ctx, take); err != nil {
			return xerrors.Wrap(xerrors.KindTransport, "transport.throttle", "", err)
		}
		n -= take
	}
	return nil
}

var _ Transport = (*Client)(nil)
