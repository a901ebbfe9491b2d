//go:build !(linux || darwin || freebsd || openbsd || netbsd)

package conn

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"
)

func dial(ctx context.Context, addr netip.AddrPort, deadline time.Time) (net.Conn, error) {
	d := net.Dialer{Deadline: deadline}
	c, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
			return nil, connectTimeout(addr)
		}
		return nil, connectError(addr, err)
	}
	return c, nil
}
