package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/socks5"
)

// SOCKS5Server accepts SOCKS5 CONNECT requests and serves each through
// cfg.Dialer.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config
	log zerolog.Logger
	wg  sync.WaitGroup
}

func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, log: logger.WithComponent("socks5-proxy")}
}

// Serve accepts connections on ln until it fails, then waits for the
// connections in flight to finish. Canceling the server's context ends them.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	defer s.wg.Wait()

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.wg.Go(func() { s.handleConn(c) })
	}
}

func (s *SOCKS5Server) handleConn(c net.Conn) {
	defer c.Close()

	conn.SetKeepAlive(c, s.cfg.KeepAlive)

	if s.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	target, atyp, err := socks5.ServerAccept(c, s.cfg.SOCKS5Auth)
	if err != nil {
		s.log.Debug().Str("client", c.RemoteAddr().String()).Err(err).Msg("negotiation failed")
		return
	}

	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", target)
	if err != nil {
		s.log.Debug().Str("target", target).Err(err).Msg("connect failed")
		socks5.WriteReply(c, replyFor(err), atyp)
		return
	}

	_ = c.SetDeadline(time.Time{})
	if err := socks5.WriteSuccessReply(c, up.LocalAddr()); err != nil {
		_ = up.Close()
		return
	}

	_ = CopyBidirectional(s.ctx, c, up)
}

// replyFor maps a dial failure to a SOCKS5 reply code. A refusal reported by
// an upstream SOCKS5 proxy is passed through.
func replyFor(err error) byte {
	var pe *proxyerr.Error
	if !errors.As(err, &pe) {
		return socks5.RepGeneralFailure
	}

	switch pe.Kind {
	case proxyerr.KindProtocol:
		if pe.Proto == "SOCKS5" && pe.Stage == "RCVD_HDR" && pe.Code > 0 && pe.Code <= 0x08 {
			return byte(pe.Code)
		}
		return socks5.RepGeneralFailure
	case proxyerr.KindConnectTimeout, proxyerr.KindHandshakeTimeout:
		return socks5.RepTTLExpired
	case proxyerr.KindResolve:
		return socks5.RepHostUnreachable
	case proxyerr.KindConnect:
		return socks5.RepConnectionRefused
	default:
		return socks5.RepGeneralFailure
	}
}
