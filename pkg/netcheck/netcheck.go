// Package netcheck verifies that a gateway endpoint resolves and answers
// before any expensive work starts.
package netcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/jacktea/arvault/pkg/transport"
	"github.com/jacktea/arvault/pkg/xerrors"
)

const (
	defaultUpstream = "8.8.8.8:53"
	defaultTimeout  = 5 * time.Second
)

// ErrUnresolvable means no resolver returned an address for the host.
var ErrUnresolvable = errors.New("netcheck: host does not resolve")

// InfoFunc asks the node behind the endpoint to describe itself.
type InfoFunc func(ctx context.Context) (*transport.Info, error)

// Checker resolves gateway hosts with explicit upstream resolvers, trying
// A before AAAA.
type Checker struct {
	// Resolvers are host:port upstreams. Empty uses /etc/resolv.conf, then
	// a public resolver.
	Resolvers []string
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Result describes a successful check.
type Result struct {
	Host     string          `json:"host" yaml:"host"`
	Addrs    []string        `json:"addrs,omitempty" yaml:"addrs,omitempty"`
	Resolver string          `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	Info     *transport.Info `json:"info,omitempty" yaml:"info,omitempty"`
	Latency  time.Duration   `json:"latency" yaml:"latency"`
}

// Check resolves endpoint's host and then calls info. Literal IPs and
// localhost skip DNS.
func (c *Checker) Check(ctx context.Context, endpoint string, info InfoFunc) (*Result, error) {
	const op = "netcheck.Check"
	host, err := hostOf(endpoint)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, endpoint, err)
	}
	res := &Result{Host: host}
	if !skipDNS(host) {
		addrs, resolver, err := c.Resolve(ctx, host)
		if err != nil {
			return nil, err
		}
		res.Addrs, res.Resolver = addrs, resolver
	}
	if info != nil {
		start := time.Now()
		ctx, cancel := context.WithTimeout(ctx, c.timeout())
		defer cancel()
		i, err := info(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindTransport, op, endpoint, err)
		}
		res.Info = i
		res.Latency = time.Since(start)
	}
	c.logger().Debug("network reachable", "host", host, "addrs", res.Addrs, "latency", res.Latency)
	return res, nil
}

// Resolve returns the IPv4 addresses of host, or its IPv6 addresses when it
// has none, along with the resolver that answered.
func (c *Checker) Resolve(ctx context.Context, host string) ([]string, string, error) {
	const op = "netcheck.Resolve"
	var lastErr error
	for _, upstream := range c.upstreams() {
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			addrs, err := c.query(ctx, upstream, host, qtype)
			if err != nil {
				lastErr = err
				c.logger().Debug("dns query failed", "host", host, "upstream", upstream, "type", dns.TypeToString[qtype], "err", err)
				continue
			}
			if len(addrs) > 0 {
				return addrs, upstream, nil
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrUnresolvable
	} else {
		lastErr = fmt.Errorf("%w: %w", ErrUnresolvable, lastErr)
	}
	return nil, "", xerrors.Wrap(xerrors.KindTransport, op, host, lastErr)
}

func (c *Checker) query(ctx context.Context, upstream, host string, qtype uint16) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: c.timeout()}
	resp, _, err := client.ExchangeContext(ctx, msg, upstream)
	if err != nil {
		return nil, err
	}
	switch resp.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, nil
	default:
		return nil, fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	var addrs []string
	for _, rr := range resp.Answer {
		switch r := rr.(type) {
		case *dns.A:
			addrs = append(addrs, r.A.String())
		case *dns.AAAA:
			addrs = append(addrs, r.AAAA.String())
		}
	}
	return addrs, nil
}

func (c *Checker) upstreams() []string {
	if len(c.Resolvers) > 0 {
		out := make([]string, len(c.Resolvers))
		for i, r := range c.Resolvers {
			if _, _, err := net.SplitHostPort(r); err != nil {
				r = net.JoinHostPort(r, "53")
			}
			out[i] = r
		}
		return out
	}
	if cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(cfg.Servers) > 0 {
		out := make([]string, len(cfg.Servers))
		for i, s := range cfg.Servers {
			out[i] = net.JoinHostPort(s, cfg.Port)
		}
		return out
	}
	return []string{defaultUpstream}
}

func (c *Checker) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return defaultTimeout
}

func (c *Checker) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func hostOf(endpoint string) (string, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.Hostname(), nil
}

func skipDNS(host string) bool {
	return net.ParseIP(host) != nil || strings.EqualFold(host, "localhost")
}
