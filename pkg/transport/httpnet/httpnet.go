// Package httpnet implements transport.Backend against a remote arvault
// gateway.
package httpnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

const defaultTimeout = 60 * time.Second

// Config locates a gateway.
type Config struct {
	Endpoint  string
	APIKey    string
	Timeout   time.Duration
	Client    *http.Client
	UserAgent string
}

// Client talks to a gateway over HTTP.
type Client struct {
	base      *url.URL
	apiKey    string
	client    *http.Client
	userAgent string
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "httpnet.New", "endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, xerrors.Wrap(xerrors.KindInvalid, "httpnet.New", cfg.Endpoint, fmt.Errorf("endpoint must be an absolute URL"))
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "arvault"
	}
	return &Client{base: base, apiKey: cfg.APIKey, client: client, userAgent: ua}, nil
}

// Endpoint returns the gateway base URL.
func (c *Client) Endpoint() string { return c.base.String() }

func (c *Client) OpenUnit(ctx context.Context, spec transport.UnitSpec) (*transport.UnitGrant, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "httpnet.OpenUnit", "", err)
	}
	var grant transport.UnitGrant
	if err := c.doJSON(ctx, "httpnet.OpenUnit", http.MethodPost, "/units", "application/json", body, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) PutChunk(ctx context.Context, id transport.ContentID, index int, data []byte) (transport.Progress, error) {
	var p transport.Progress
	path := "/units/" + url.PathEscape(string(id)) + "/chunks/" + strconv.Itoa(index)
	err := c.doJSON(ctx, "httpnet.PutChunk", http.MethodPut, path, "application/octet-stream", data, &p)
	return p, err
}

func (c *Client) Fetch(ctx context.Context, id transport.ContentID) ([]byte, error) {
	const op = "httpnet.Fetch"
	resp, err := c.do(ctx, op, http.MethodGet, "/content/"+url.PathEscape(string(id)), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransport, op, string(id), err)
	}
	if resp.ContentLength >= 0 && int64(len(data)) != resp.ContentLength {
		return nil, xerrors.Wrap(xerrors.KindTransport, op, string(id),
			fmt.Errorf("short body: %d of %d bytes", len(data), resp.ContentLength))
	}
	return data, nil
}

func (c *Client) Status(ctx context.Context, id transport.ContentID) (*transport.Status, error) {
	var st transport.Status
	if err := c.doJSON(ctx, "httpnet.Status", http.MethodGet, "/content/"+url.PathEscape(string(id))+"/status", "", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Info(ctx context.Context) (*transport.Info, error) {
	var info transport.Info
	if err := c.doJSON(ctx, "httpnet.Info", http.MethodGet, "/info", "", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path, contentType string, body []byte, out any) error {
	resp, err := c.do(ctx, op, method, path, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.KindTransport, op, path, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do sends one request and turns non-2xx answers into classified errors.
// The caller closes the body of a successful response.
func (c *Client) do(ctx context.Context, op, method, path, contentType string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, r)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransport, op, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(op, path, resp)
}

type errorBody struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func statusError(op, path string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorBody
	msg := strings.TrimSpace(string(raw))
	kind, known := xerrors.KindInternal, false
	if json.Unmarshal(raw, &body) == nil && body.Kind != "" {
		kind, known = xerrors.ParseKind(body.Kind)
		msg = body.Error
	}
	if !known {
		kind = kindForStatus(resp.StatusCode)
	}
	if msg == "" {
		msg = resp.Status
	}
	err := fmt.Errorf("gateway %s: %s", resp.Status, msg)
	if resp.StatusCode == http.StatusNotFound && kind == xerrors.KindNotFound {
		err = fmt.Errorf("%w: %s", transport.ErrNotFound, msg)
	}
	return xerrors.Wrap(kind, op, path, err)
}

func kindForStatus(code int) xerrors.Kind {
	switch {
	case code == http.StatusNotFound:
		return xerrors.KindNotFound
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return xerrors.KindUnauthorized
	case code == http.StatusUnprocessableEntity:
		return xerrors.KindTransportIntegrity
	case code >= 500 || code == http.StatusTooManyRequests:
		return xerrors.KindTransport
	default:
		return xerrors.KindInvalid
	}
}

var _ transport.Backend = (*Client)(nil)
