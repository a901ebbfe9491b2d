package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional relays between left and right until both directions see
// EOF, either side fails, or ctx is canceled. EOF in one direction is passed
// on as a half-close where the connection supports it. Both connections are
// closed on return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error { return relay(left, right, closeBoth) })
	g.Go(func() error { return relay(right, left, closeBoth) })
	return g.Wait()
}

func relay(dst, src net.Conn, closeBoth func()) error {
	buf := buffers.Get()
	defer buffers.Put(buf)

	_, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		closeBoth()
		return err
	}
	if cw, ok := dst.(closeWriter); ok {
		_ = cw.CloseWrite()
		return nil
	}
	closeBoth()
	return nil
}
