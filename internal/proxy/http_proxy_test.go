package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/dialer"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/socks5"
	"github.com/die-net/proxytun/internal/testutil"
	"github.com/die-net/proxytun/internal/upstream"
)

// poolDialer returns a RotatingDialer over a single fake SOCKS5 upstream.
func poolDialer(t *testing.T, ctx context.Context, ok *testutil.Counter) dialer.Dialer {
	t.Helper()

	ln := testutil.StartServer(t, ctx, testutil.SOCKS5Proxy(socks5.Auth{}, ok))
	ap := netip.MustParseAddrPort(ln.Addr().String())
	p := &upstream.Proxy{Host: ap.Addr().String(), Port: int(ap.Port()), Type: upstream.TypeSOCKS5, Addr: ap}
	return dialer.NewRotatingDialer(dialer.Config{ConnectTimeout: 2 * time.Second}, &staticSource{p: p})
}

type staticSource struct {
	p *upstream.Proxy
}

func (s *staticSource) Next() *upstream.Proxy {
	return s.p
}

func (s *staticSource) Len() int {
	if s.p == nil {
		return 0
	}
	return 1
}

// failDialer fails every dial with err.
type failDialer struct {
	err error
}

func (d failDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

func startHTTPProxy(t *testing.T, ctx context.Context, cfg Config) net.Listener {
	t.Helper()

	ln, err := conn.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	srv := NewHTTPProxyServer(ctx, cfg)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return ln
}

func connect(t *testing.T, proxyAddr, target string) (net.Conn, *bufio.Reader, *http.Response) {
	t.Helper()

	c, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })

	req := &http.Request{Method: http.MethodConnect, Host: target, URL: &url.URL{Opaque: target}}
	bw := bufio.NewWriter(c)
	if err := req.Write(bw); err != nil {
		t.Fatal(err)
	}
	if err := bw.Flush(); err != nil {
		t.Fatal(err)
	}
	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatal(err)
	}
	return c, br, resp
}

func TestHTTPProxyConnectThroughPool(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	echo := testutil.StartEchoTCPServer(t, ctx)

	var ok testutil.Counter
	ln := startHTTPProxy(t, ctx, Config{Dialer: poolDialer(t, ctx, &ok), NegotiationTimeout: 2 * time.Second})

	c, br, resp := connect(t, ln.Addr().String(), echo.Addr().String())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	testutil.AssertEcho(t, c, br, []byte("hello"))
	if ok.Load() != 1 {
		t.Fatalf("upstream saw %d tunnels", ok.Load())
	}
}

func TestHTTPProxyConnectFailure(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "no proxies", err: dialer.ErrNoProxies, want: http.StatusServiceUnavailable},
		{name: "timeout", err: proxyerr.New(proxyerr.KindHandshakeTimeout, "SOCKS5", "RCVD_HDR", "", nil), want: http.StatusGatewayTimeout},
		{name: "refused", err: proxyerr.Protocol("SOCKS5", "RCVD_HDR", 5, "connection refused"), want: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ln := startHTTPProxy(t, ctx, Config{Dialer: failDialer{err: tt.err}})
			_, _, resp := connect(t, ln.Addr().String(), "example.com:443")
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestHTTPProxyForward(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "leaked client address", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, "origin "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)

	var ok testutil.Counter
	ln := startHTTPProxy(t, ctx, Config{Dialer: poolDialer(t, ctx, &ok)})

	proxyURL, err := url.Parse("http://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	t.Cleanup(client.CloseIdleConnections)

	resp, err := client.Get(origin.URL + "/path")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || string(body) != "origin /path" {
		t.Fatalf("status %d body %q", resp.StatusCode, body)
	}
	if ok.Load() == 0 {
		t.Fatal("request did not go through the pool")
	}
}

func TestHTTPProxyCloseDropsIdleTunnels(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(origin.Close)

	relayDone := make(chan struct{}, 1)
	socks := testutil.SOCKS5Proxy(socks5.Auth{}, nil)
	upLn := testutil.StartServer(t, ctx, func(c net.Conn) {
		socks(c)
		relayDone <- struct{}{}
	})
	ap := netip.MustParseAddrPort(upLn.Addr().String())
	p := &upstream.Proxy{Host: ap.Addr().String(), Port: int(ap.Port()), Type: upstream.TypeSOCKS5, Addr: ap}
	d := dialer.NewRotatingDialer(dialer.Config{ConnectTimeout: 2 * time.Second}, &staticSource{p: p})

	ln, err := conn.ListenTCP(ctx, "tcp", "127.0.0.1:0", net.KeepAliveConfig{})
	if err != nil {
		t.Fatal(err)
	}
	srv := NewHTTPProxyServer(ctx, Config{Dialer: d})
	go func() { _ = srv.Serve(ln) }()

	proxyURL, err := url.Parse("http://" + ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}
	defer client.CloseIdleConnections()

	resp, err := client.Get(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	// The upstream tunnel is now idle in the forwarding transport.
	if err := srv.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-relayDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream tunnel still open after Close")
	}
}

func TestHTTPProxyRejectsOriginForm(t *testing.T) {
	t.Parallel()

	ln := startHTTPProxy(t, t.Context(), Config{Dialer: failDialer{err: errors.New("unused")}})

	resp, err := http.Get("http://" + ln.Addr().String() + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	wrapped := errors.Join(errors.New("first"), proxyerr.New(proxyerr.KindConnectTimeout, "", "connect", "", nil))
	if got := statusFor(wrapped); got != http.StatusGatewayTimeout {
		t.Fatalf("status %d", got)
	}
	if got := statusFor(errors.New("other")); got != http.StatusBadGateway {
		t.Fatalf("status %d", got)
	}
}
