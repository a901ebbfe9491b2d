package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/upstream"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - socks4://[user@]host:port
//   - socks5://[user:pass@]host:port
//   - http://[user:pass@]host:port
//   - https://[user:pass@]host:port
//
// A default port is applied if the URL host is missing one. Every proxy
// scheme is served by a ProxyDialer, so handshakes run under cfg's
// per-stage deadlines.
func New(cfg Config, upstreamURL string) (Dialer, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks4", "socks5", "http", "https":
		if u.Hostname() == "" {
			return nil, errors.New("invalid url: missing host")
		}
		d, err := FromURL(cfg, u)
		if err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

// ProxyDialer reaches destinations through a single upstream proxy.
type ProxyDialer struct {
	cfg   Config
	proxy *upstream.Proxy
	dial  conn.DialFunc
}

var (
	_ proxy.Dialer        = (*ProxyDialer)(nil)
	_ proxy.ContextDialer = (*ProxyDialer)(nil)
)

// NewProxyDialer returns a dialer for p. p is read, never modified; an
// unresolved p is resolved on every dial.
func NewProxyDialer(cfg Config, p *upstream.Proxy) *ProxyDialer {
	return &ProxyDialer{cfg: cfg, proxy: p, dial: conn.Dial}
}

// Proxy returns the upstream record.
func (d *ProxyDialer) Proxy() *upstream.Proxy {
	return d.proxy
}

// Dial is DialContext with a background context.
func (d *ProxyDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to the proxy and negotiates a tunnel to address using
// the proxy's declared or detected protocol. The returned connection has no
// deadline set.
func (d *ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("proxy dial %s %s: unsupported network", network, address)
	}

	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, fmt.Errorf("proxy dial %s: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("proxy dial %s: invalid port", address)
	}

	p := d.proxy
	typ := p.Protocol()
	if typ == upstream.TypeNone {
		return nil, fmt.Errorf("proxy %s: %w", p.HostPort(), proxyerr.New(proxyerr.KindProtocol, "", "IDLE", "proxy type unknown", nil))
	}

	addr := p.Addr
	if !addr.IsValid() {
		q := *p
		if err := q.Resolve(ctx, d.cfg.resolver()); err != nil {
			return nil, fmt.Errorf("proxy %s: %w", p.HostPort(), err)
		}
		addr = q.Addr
	}

	c, _, err := d.dial(ctx, addr, d.cfg.connectTimeout())
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", p.HostPort(), err)
	}
	conn.SetKeepAlive(c, d.cfg.KeepAlive)

	h := handshaker{timeout: d.cfg.handshakeTimeout(), resolver: d.cfg.resolver()}
	if err := h.run(ctx, c, p, typ, host, port); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("proxy %s: %w", p.HostPort(), err)
	}
	return c, nil
}
