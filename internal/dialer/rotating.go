package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/upstream"
)

// MaxRotatingAttempts is how many distinct proxies RotatingDialer tries per
// connection.
const MaxRotatingAttempts = 3

// ErrNoProxies is returned when there is nothing to dial through.
var ErrNoProxies = errors.New("no usable proxies")

// Source hands out proxies round-robin. *registry.Registry implements it.
type Source interface {
	Next() *upstream.Proxy
	Len() int
}

// RotatingDialer dials each connection through the next proxy from a Source,
// moving on to the following proxy when one fails.
type RotatingDialer struct {
	cfg  Config
	src  Source
	dial conn.DialFunc
	log  zerolog.Logger
}

var _ Dialer = (*RotatingDialer)(nil)

func NewRotatingDialer(cfg Config, src Source) *RotatingDialer {
	return &RotatingDialer{
		cfg:  cfg,
		src:  src,
		dial: conn.Dial,
		log:  logger.WithComponent("dialer"),
	}
}

func (d *RotatingDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *RotatingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	tries := min(MaxRotatingAttempts, d.src.Len())
	if tries == 0 {
		return nil, ErrNoProxies
	}

	var errs []error
	for range tries {
		p := d.src.Next()
		if p == nil {
			break
		}

		pd := &ProxyDialer{cfg: d.cfg, proxy: p, dial: d.dial}
		c, err := pd.DialContext(ctx, network, address)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		d.log.Debug().Str("proxy", p.HostPort()).Str("target", address).Err(err).Msg("tunnel failed, trying next proxy")
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrNoProxies
	}
	return nil, fmt.Errorf("dial %s: %w", address, errors.Join(errs...))
}
