package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/logger"
	"github.com/die-net/proxytun/internal/proxyerr"
)

// HTTPProxyServer serves an HTTP forward proxy whose outbound connections
// go through cfg.Dialer.
//
// CONNECT requests are tunneled over a hijacked connection; absolute-URI
// requests are forwarded with httputil.ReverseProxy.
type HTTPProxyServer struct {
	ctx    context.Context
	dialer dialer.Dialer
	srv    *http.Server
	rp     *httputil.ReverseProxy
	tr     *http.Transport
	log    zerolog.Logger
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	tr := newTransport(cfg)
	h := &HTTPProxyServer{
		ctx:    ctx,
		dialer: cfg.Dialer,
		rp:     newReverseProxy(tr),
		tr:     tr,
		log:    logger.WithComponent("http-proxy"),
	}
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Close stops the HTTP server and drops the idle upstream tunnels kept for
// forwarded requests.
func (s *HTTPProxyServer) Close() error {
	err := s.srv.Close()
	s.tr.CloseIdleConnections()
	return err
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodConnect:
		s.handleConnect(w, r)
	case r.URL.IsAbs() && r.URL.Host != "":
		s.rp.ServeHTTP(w, r)
	default:
		// Origin-form requests are addressed to us, not to a proxied host.
		http.Error(w, "absolute request URI required", http.StatusBadRequest)
	}
}

func (s *HTTPProxyServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	target := r.Host
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}
	ctx := r.Context()
	log := s.log.With().Str("target", target).Logger()

	// Failures before the hijack still go out as ordinary HTTP responses.
	upConn, err := s.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		log.Debug().Err(err).Msg("connect failed")
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	hj, ok := w.(http.Hijacker)
	if !ok {
		_ = upConn.Close()
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, brw, err := hj.Hijack()
	if err != nil {
		_ = upConn.Close()
		log.Debug().Err(err).Msg("hijack failed")
		return
	}

	if err := establish(brw, upConn); err != nil {
		log.Debug().Err(err).Msg("tunnel setup failed")
		_ = clientConn.Close()
		_ = upConn.Close()
		return
	}
	if err := CopyBidirectional(ctx, clientConn, upConn); err != nil {
		log.Debug().Err(err).Msg("tunnel closed")
	}
}

// establish acknowledges the CONNECT and hands any bytes the client
// pipelined behind the request head to the upstream connection.
func establish(brw *bufio.ReadWriter, upConn net.Conn) error {
	if _, err := brw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return err
	}
	if err := brw.Flush(); err != nil {
		return err
	}
	n := brw.Reader.Buffered()
	if n == 0 {
		return nil
	}
	b, err := brw.Reader.Peek(n)
	if err != nil {
		return err
	}
	_, err = upConn.Write(b)
	return err
}

// statusFor maps a dial failure to the status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dialer.ErrNoProxies):
		return http.StatusServiceUnavailable
	case proxyerr.IsKind(err, proxyerr.KindConnectTimeout), proxyerr.IsKind(err, proxyerr.KindHandshakeTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func newReverseProxy(tr http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		// Rewrite leaves X-Forwarded-* unset.
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.Host = ""
		},
		Transport:     tr,
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			http.Error(w, err.Error(), statusFor(err))
		},
		BufferPool: buffers,
	}
}

// newTransport dials every origin connection through the pool. Idle
// connections are kept per origin so a keep-alive client does not burn a
// fresh proxy handshake on each request.
func newTransport(cfg Config) *http.Transport {
	return &http.Transport{
		DialContext:           cfg.Dialer.DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout:   cfg.NegotiationTimeout,
		ResponseHeaderTimeout: 2 * time.Minute,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}
