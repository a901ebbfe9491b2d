package dialer

import (
	"net"
	"time"

	"github.com/die-net/proxytun/internal/config"
	"github.com/die-net/proxytun/internal/upstream"
)

// Config controls how proxies are reached and negotiated with. Zero timeouts
// select the defaults; all timeouts are clamped like config.Knobs.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	KeepAlive        net.KeepAliveConfig

	// Resolver resolves SOCKS4 destinations and proxies that were not
	// resolved when loaded. Nil means net.DefaultResolver.
	Resolver upstream.Resolver
}

func (c Config) connectTimeout() time.Duration {
	return config.Knobs{ConnectTimeout: c.ConnectTimeout}.Connect()
}

func (c Config) handshakeTimeout() time.Duration {
	return config.Knobs{HandshakeTimeout: c.HandshakeTimeout}.Handshake()
}

func (c Config) resolver() upstream.Resolver {
	if c.Resolver == nil {
		return net.DefaultResolver
	}
	return c.Resolver
}
