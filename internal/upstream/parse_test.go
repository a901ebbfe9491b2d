package upstream

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/die-net/proxytun/internal/proxyerr"
)

var errNoSuchHost = errors.New("no such host")

// staticResolver answers literal IPs directly and hostnames from its map.
type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	var addrs []netip.Addr
	if a, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{a}
	} else {
		addrs = r[host]
	}

	var out []netip.Addr
	for _, a := range addrs {
		if network == "ip6" && (a.Is4() || a.Is4In6()) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, errNoSuchHost
	}
	return out, nil
}

var testResolver = staticResolver{
	"proxy.example": {netip.MustParseAddr("192.0.2.10")},
	"dual.example":  {netip.MustParseAddr("::ffff:192.0.2.11"), netip.MustParseAddr("2001:db8::11")},
	"v6.example":    {netip.MustParseAddr("2001:db8::12")},
	"h":             {netip.MustParseAddr("192.0.2.13")},
}

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		line      string
		def       Type
		want      Proxy
		wantSkip  bool
		wantStage string
	}{
		{name: "empty", line: "", wantSkip: true},
		{name: "spaces", line: "   \t ", wantSkip: true},
		{name: "comment", line: "#comment", wantSkip: true},
		{name: "indented comment", line: "   # socks5://h:1080", wantSkip: true},
		{name: "crlf only", line: "\r\n", wantSkip: true},
		{
			name: "host port",
			line: "10.0.0.1:1080",
			want: Proxy{Host: "10.0.0.1", Port: 1080},
		},
		{
			name: "default type applies without scheme",
			line: "10.0.0.1:1080",
			def:  TypeSOCKS4,
			want: Proxy{Host: "10.0.0.1", Port: 1080, Type: TypeSOCKS4},
		},
		{
			name: "scheme overrides default",
			line: "socks5://10.0.0.1:1080",
			def:  TypeHTTP,
			want: Proxy{Host: "10.0.0.1", Port: 1080, Type: TypeSOCKS5},
		},
		{
			name: "scheme case insensitive",
			line: "HTTPS://proxy.example:3128",
			want: Proxy{Host: "proxy.example", Port: 3128, Type: TypeHTTPS},
		},
		{
			name: "trailing newline stripped",
			line: "socks4://proxy.example:1080\r\n",
			want: Proxy{Host: "proxy.example", Port: 1080, Type: TypeSOCKS4},
		},
		{
			name: "prefix credentials",
			line: "socks5://u:p@h:1080",
			want: Proxy{Host: "h", Port: 1080, Type: TypeSOCKS5, Username: "u", Password: "p"},
		},
		{
			name: "prefix password keeps colons",
			line: "http://u:p:q@h:8080",
			want: Proxy{Host: "h", Port: 8080, Type: TypeHTTP, Username: "u", Password: "p:q"},
		},
		{
			name: "prefix password keeps at sign",
			line: "u:p@ss@h:8080",
			want: Proxy{Host: "h", Port: 8080, Username: "u", Password: "p@ss"},
		},
		{
			name: "username only",
			line: "socks4://ident@h:1080",
			want: Proxy{Host: "h", Port: 1080, Type: TypeSOCKS4, Username: "ident"},
		},
		{
			name: "trailing credentials",
			line: "h:1080:user:pass",
			want: Proxy{Host: "h", Port: 1080, Username: "user", Password: "pass"},
		},
		{
			name: "trailing password keeps colons",
			line: "h:1080:user:pa:ss",
			want: Proxy{Host: "h", Port: 1080, Username: "user", Password: "pa:ss"},
		},
		{
			name: "trailing username only",
			line: "h:1080:user",
			want: Proxy{Host: "h", Port: 1080, Username: "user"},
		},
		{
			name: "prefix credentials win",
			line: "a:b@h:1080:c:d",
			want: Proxy{Host: "h", Port: 1080, Username: "a", Password: "b"},
		},
		{
			name: "prefix username with trailing password",
			line: "a@h:1080:c:d",
			want: Proxy{Host: "h", Port: 1080, Username: "a", Password: "d"},
		},
		{
			name: "whitespace around tokens",
			line: "  socks5:// u : p @ h : 1080  ",
			want: Proxy{Host: "h", Port: 1080, Type: TypeSOCKS5, Username: "u", Password: "p"},
		},
		{
			name: "wrapped line peeled",
			line: "[socks5://u:p@h:1080]",
			want: Proxy{Host: "h", Port: 1080, Type: TypeSOCKS5, Username: "u", Password: "p"},
		},
		{
			name: "ipv6",
			line: "[::1]:1080",
			want: Proxy{Host: "::1", Port: 1080, Bracketed: true},
		},
		{
			name: "ipv6 trailing password keeps colons",
			line: "[::1]:1080:user:pa:ss",
			want: Proxy{Host: "::1", Port: 1080, Bracketed: true, Username: "user", Password: "pa:ss"},
		},
		{
			name: "ipv6 with scheme and prefix credentials",
			line: "socks5://u:p@[2001:db8::1]:1080",
			want: Proxy{Host: "2001:db8::1", Port: 1080, Type: TypeSOCKS5, Bracketed: true, Username: "u", Password: "p"},
		},
		{
			name: "scheme default port http",
			line: "http://h",
			want: Proxy{Host: "h", Port: 80, Type: TypeHTTP},
		},
		{
			name: "scheme default port https",
			line: "https://h",
			want: Proxy{Host: "h", Port: 443, Type: TypeHTTPS},
		},
		{
			name: "scheme default port socks bracketed",
			line: "socks5://[::1]",
			want: Proxy{Host: "::1", Port: 1080, Type: TypeSOCKS5, Bracketed: true},
		},
		{name: "port zero", line: "h:0", wantStage: "port"},
		{name: "port too large", line: "h:65536", wantStage: "port"},
		{name: "port not numeric", line: "h:http", wantStage: "port"},
		{name: "port negative", line: "h:-1", wantStage: "port"},
		{name: "port missing without scheme", line: "h", wantStage: "port"},
		{name: "port empty", line: "h::user", wantStage: "port"},
		{name: "ipv6 port missing without scheme", line: "[::1]", wantStage: "port"},
		{name: "ipv6 empty port", line: "[::1]:", wantStage: "port"},
		{name: "ipv6 junk after bracket", line: "[::1]x1080", wantStage: "port"},
		{name: "ipv6 unterminated", line: "[::1:1080", wantStage: "host"},
		{name: "unknown scheme", line: "gopher://h:70", wantStage: "scheme"},
		{name: "empty scheme", line: "://h:70", wantStage: "scheme"},
		{name: "missing host", line: "socks5://u:p@", wantStage: "host"},
		{name: "empty host", line: ":1080", wantStage: "host"},
		{name: "password without username", line: ":secret@h:1080", wantStage: "credentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := ParseLine(tt.line, tt.def)
			switch {
			case tt.wantSkip:
				if !errors.Is(err, ErrSkip) {
					t.Fatalf("err=%v, want ErrSkip", err)
				}
				return
			case tt.wantStage != "":
				var pe *proxyerr.Error
				if !errors.As(err, &pe) {
					t.Fatalf("err=%v, want *proxyerr.Error", err)
				}
				if pe.Kind != proxyerr.KindParse || pe.Stage != tt.wantStage {
					t.Fatalf("got kind=%v stage=%q, want parse error at %q", pe.Kind, pe.Stage, tt.wantStage)
				}
				if p != nil {
					t.Fatalf("got record %+v alongside error", p)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if *p != tt.want {
				t.Fatalf("got %+v\nwant %+v", *p, tt.want)
			}
		})
	}
}

func TestParseResolves(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		wantAddr string
		wantV6   bool
	}{
		{name: "ipv4 literal", line: "10.0.0.1:1080", wantAddr: "10.0.0.1:1080"},
		{name: "hostname", line: "proxy.example:3128", wantAddr: "192.0.2.10:3128"},
		{name: "first address unmapped", line: "dual.example:1080", wantAddr: "192.0.2.11:1080"},
		{name: "bracketed hostname is ipv6 only", line: "[dual.example]:1080", wantAddr: "[2001:db8::11]:1080", wantV6: true},
		{name: "ipv6 literal", line: "[::1]:1080", wantAddr: "[::1]:1080", wantV6: true},
		{name: "ipv6 hostname unbracketed", line: "v6.example:1080", wantAddr: "[2001:db8::12]:1080", wantV6: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, err := Parse(context.Background(), tt.line, TypeNone, testResolver)
			if err != nil {
				t.Fatal(err)
			}
			if got := p.Addr.String(); got != tt.wantAddr {
				t.Fatalf("addr=%s want %s", got, tt.wantAddr)
			}
			if p.Addr.Addr().Is4() == p.Addr.Addr().Is6() {
				t.Fatalf("addr %s must be exactly one of v4 or v6", p.Addr)
			}
			if p.IsIPv6() != tt.wantV6 {
				t.Fatalf("IsIPv6=%v want %v", p.IsIPv6(), tt.wantV6)
			}
		})
	}
}

func TestParseResolveFailure(t *testing.T) {
	t.Parallel()

	for _, line := range []string{
		"unknown.example:1080",
		"[10.0.0.1]:1080",
		"[proxy.example]:1080",
	} {
		t.Run(line, func(t *testing.T) {
			t.Parallel()

			p, err := Parse(context.Background(), line, TypeNone, testResolver)
			if !proxyerr.IsKind(err, proxyerr.KindResolve) {
				t.Fatalf("err=%v, want resolve error", err)
			}
			if p != nil {
				t.Fatalf("got record %+v alongside error", p)
			}
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	lines := []string{
		"socks5://10.0.0.1:1080",
		"socks5://u:p@h:1080",
		"http://u:p:q@proxy.example:8080",
		"h:1080:user:pa:ss",
		"[::1]:1080:user:pa:ss",
		"socks4://ident@h:1080",
		"HTTPS://h",
		"[dual.example]:1080",
		"10.0.0.1:1080",
	}

	for _, line := range lines {
		t.Run(line, func(t *testing.T) {
			t.Parallel()

			p, err := Parse(context.Background(), line, TypeNone, testResolver)
			if err != nil {
				t.Fatal(err)
			}
			s := p.String()
			q, err := Parse(context.Background(), s, TypeNone, testResolver)
			if err != nil {
				t.Fatalf("reparse %q: %v", s, err)
			}
			if !p.Equal(q) {
				t.Fatalf("round trip through %q changed record:\n%+v\n%+v", s, *p, *q)
			}
		})
	}
}

func TestStringCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		p    Proxy
		want string
	}{
		{p: Proxy{Host: "h", Port: 1080}, want: "h:1080"},
		{p: Proxy{Host: "h", Port: 1080, Type: TypeSOCKS5, Username: "u", Password: "p"}, want: "socks5://u:p@h:1080"},
		{p: Proxy{Host: "h", Port: 1080, DetectedType: TypeSOCKS4}, want: "socks4://h:1080"},
		{p: Proxy{Host: "h", Port: 1080, Type: TypeHTTP, DetectedType: TypeHTTP, Username: "u"}, want: "http://u@h:1080"},
		{p: Proxy{Host: "::1", Port: 1080, Bracketed: true, Type: TypeHTTPS}, want: "https://[::1]:1080"},
		{p: Proxy{Host: "v6.example", Port: 1080, Bracketed: true}, want: "[v6.example]:1080"},
	}

	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("String()=%q want %q", got, tt.want)
		}
	}
}

func TestParseLongCredentials(t *testing.T) {
	t.Parallel()

	user := strings.Repeat("u", 256)
	p, err := ParseLine("socks5://"+user+":p@h:1080", TypeNone)
	if err != nil {
		t.Fatal(err)
	}
	if p.Username != user {
		t.Fatalf("username truncated to %d bytes", len(p.Username))
	}
}

func FuzzParseLine(f *testing.F) {
	for _, seed := range []string{
		"",
		"#comment",
		"10.0.0.1:1080",
		"socks5://u:p@h:1080",
		"[::1]:1080:user:pa:ss",
		"[socks5://u:p@h:1080]",
		"http://h",
		"h:65536",
		"u@[h]:1",
		"::::",
		"[]:1",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, line string) {
		p, err := ParseLine(line, TypeNone)
		if err != nil {
			if p != nil {
				t.Fatalf("record %+v returned with error %v", p, err)
			}
			return
		}
		if p.Port < 1 || p.Port > 65535 {
			t.Fatalf("port %d out of range for %q", p.Port, line)
		}
		if p.Host == "" {
			t.Fatalf("empty host accepted for %q", line)
		}
		if p.Password != "" && p.Username == "" {
			t.Fatalf("password without username accepted for %q", line)
		}

		q, err := ParseLine(p.String(), TypeNone)
		if err != nil {
			return
		}
		if !p.Equal(q) {
			t.Fatalf("%q -> %q changed record:\n%+v\n%+v", line, p.String(), *p, *q)
		}
	})
}
