package proxy

import (
	"net"
	"time"

	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/socks5"
)

type Config struct {
	// Dialer reaches destinations, normally through the proxy pool.
	Dialer dialer.Dialer

	// NegotiationTimeout bounds a client's SOCKS5 negotiation or HTTP
	// request headers, and TLS handshakes made by the forward proxy.
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration

	KeepAlive net.KeepAliveConfig

	// SOCKS5Auth, when it has a username, requires SOCKS5 clients to log in.
	SOCKS5Auth socks5.Auth
}
