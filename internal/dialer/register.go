package dialer

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/proxy"

	"github.com/die-net/proxytun/internal/upstream"
)

var (
	registerOnce sync.Once
	registered   atomic.Pointer[Config]
)

// Register makes proxy.FromURL build ProxyDialers for socks4, http and https
// URLs, using cfg for dialers created afterwards. A later call replaces cfg.
// socks5 URLs keep x/net's built-in client; use New for those.
func Register(cfg Config) {
	registered.Store(&cfg)
	registerOnce.Do(func() {
		for _, scheme := range []string{"socks4", "http", "https"} {
			proxy.RegisterDialerType(scheme, func(u *url.URL, _ proxy.Dialer) (proxy.Dialer, error) {
				return FromURL(*registered.Load(), u)
			})
		}
	})
}

// FromURL builds a ProxyDialer from a proxy URL such as
// socks4://ident@10.0.0.1:1080. The host is resolved when dialing.
func FromURL(cfg Config, u *url.URL) (*ProxyDialer, error) {
	typ, ok := upstream.ParseType(u.Scheme)
	if !ok || typ == upstream.TypeNone {
		return nil, fmt.Errorf("proxy url: unsupported scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("proxy url %s: missing host", u.Redacted())
	}

	port := upstream.DefaultPort(typ)
	if s := u.Port(); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("proxy url %s: invalid port %q", u.Redacted(), s)
		}
		port = n
	}

	p := &upstream.Proxy{
		Host:      host,
		Port:      port,
		Type:      typ,
		Bracketed: strings.Contains(host, ":"),
	}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	if p.Password != "" && p.Username == "" {
		return nil, fmt.Errorf("proxy url %s: password without username", u.Redacted())
	}

	return NewProxyDialer(cfg, p), nil
}
