package dialer

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/upstream"
)

// Handshake negotiates a tunnel to host:port over c, which must already be
// connected to p. typ selects the protocol; TypeNone uses p.Protocol(). Each
// state transition gets its own timeout budget.
//
// On success c carries the tunnel and has no deadline set. On failure c is in
// an unspecified state and must be closed by the caller. If ctx is canceled
// during the handshake c is closed.
func Handshake(ctx context.Context, c net.Conn, p *upstream.Proxy, typ upstream.Type, host string, port int, timeout time.Duration) error {
	h := handshaker{timeout: timeout, resolver: Config{}.resolver()}
	return h.run(ctx, c, p, typ, host, port)
}

// Handshake is the package-level Handshake using cfg's handshake timeout and
// resolver.
func (cfg Config) Handshake(ctx context.Context, c net.Conn, p *upstream.Proxy, typ upstream.Type, host string, port int) error {
	h := handshaker{timeout: cfg.handshakeTimeout(), resolver: cfg.resolver()}
	return h.run(ctx, c, p, typ, host, port)
}

type handshaker struct {
	timeout  time.Duration
	resolver upstream.Resolver
}

func (h handshaker) run(ctx context.Context, c net.Conn, p *upstream.Proxy, typ upstream.Type, host string, port int) error {
	if typ == upstream.TypeNone {
		typ = p.Protocol()
	}
	if port < 1 || port > 65535 {
		return proxyerr.New(proxyerr.KindProtocol, typ.String(), "IDLE", fmt.Sprintf("invalid destination port %d", port), nil)
	}
	if h.timeout <= 0 {
		h.timeout = Config{}.handshakeTimeout()
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })

	var err error
	switch typ {
	case upstream.TypeSOCKS4:
		err = h.socks4(ctx, c, p, host, port)
	case upstream.TypeSOCKS5:
		err = h.socks5(c, p, host, port)
	case upstream.TypeHTTP, upstream.TypeHTTPS:
		err = h.httpConnect(c, p, typ, host, port)
	default:
		err = proxyerr.New(proxyerr.KindProtocol, "", "IDLE", "proxy type unknown", nil)
	}

	if !stop() {
		return fmt.Errorf("%s handshake: %w", typ, context.Cause(ctx))
	}
	if err != nil {
		return err
	}

	conn.ClearDeadline(c)
	return nil
}

func (h handshaker) deadline() time.Time {
	return time.Now().Add(h.timeout)
}
