package conn

import (
	"context"
	"fmt"
	"net"
)

// ListenTCP listens on addr for the local serve-mode front ends. Accepted
// TCP connections get ka applied before they are handed out.
func ListenTCP(ctx context.Context, network, addr string, ka net.KeepAliveConfig) (net.Listener, error) {
	var lc net.ListenConfig
	// Keep-alive is applied per connection in Accept.
	lc.KeepAlive = -1

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &keepAliveListener{Listener: ln, ka: ka}, nil
}

type keepAliveListener struct {
	net.Listener
	ka net.KeepAliveConfig
}

func (l *keepAliveListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	SetKeepAlive(c, l.ka)
	return c, nil
}

// SetKeepAlive applies cfg to c when it is a TCP connection. A disabled
// cfg turns keep-alive off.
func SetKeepAlive(c net.Conn, cfg net.KeepAliveConfig) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	if !cfg.Enable {
		_ = tc.SetKeepAlive(false)
		return
	}
	_ = tc.SetKeepAliveConfig(cfg)
}
