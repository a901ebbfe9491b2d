package conn

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/die-net/proxytun/internal/proxyerr"
)

// pollSlice bounds a single readiness wait so cancellation and the overall
// budget are rechecked regularly.
const pollSlice = 100 * time.Millisecond

// DialFunc has the signature of Dial.
type DialFunc func(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (net.Conn, time.Duration, error)

// Dial connects to addr, waiting at most timeout for the connection to become
// writable. It returns the connection and the time elapsed since the call
// began. Failures are KindConnect or KindConnectTimeout errors.
func Dial(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (net.Conn, time.Duration, error) {
	start := time.Now()
	if !addr.IsValid() || addr.Port() == 0 {
		return nil, 0, proxyerr.New(proxyerr.KindConnect, "", "connect", "unresolved address "+addr.String(), nil)
	}
	if timeout <= 0 {
		return nil, 0, proxyerr.New(proxyerr.KindConnectTimeout, "", "connect", addr.String(), nil)
	}

	c, err := dial(ctx, addr, start.Add(timeout))
	if err != nil {
		return nil, time.Since(start), err
	}
	return c, time.Since(start), nil
}

func connectTimeout(addr netip.AddrPort) error {
	return proxyerr.New(proxyerr.KindConnectTimeout, "", "connect", addr.String(), nil)
}

func connectError(addr netip.AddrPort, err error) error {
	return proxyerr.New(proxyerr.KindConnect, "", "connect", addr.String(), err)
}
