package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer connects without a proxy.
type DirectDialer struct {
	cfg Config
}

// NewDirectDialer returns a DirectDialer for direct:// upstreams.
func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{cfg: cfg}
}

func (d *DirectDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	dd := net.Dialer{
		Timeout:         d.cfg.connectTimeout(),
		KeepAliveConfig: d.cfg.KeepAlive,
	}

	c, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return c, nil
}
