package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/die-net/proxytun/internal/proxyerr"
)

// ErrSkip is returned by ParseLine for blank and comment lines.
var ErrSkip = errors.New("blank or comment line")

// Resolver looks up the addresses of a host. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Parse parses one descriptor line and resolves its host. The returned record
// is fully populated or nil.
func Parse(ctx context.Context, line string, defaultType Type, r Resolver) (*Proxy, error) {
	p, err := ParseLine(line, defaultType)
	if err != nil {
		return nil, err
	}
	if err := p.Resolve(ctx, r); err != nil {
		return nil, err
	}
	return p, nil
}

// ParseLine parses the syntax of one descriptor line without resolving the
// host. Blank and comment lines yield ErrSkip; malformed lines yield a
// KindParse *proxyerr.Error naming the offending field.
func ParseLine(line string, defaultType Type) (*Proxy, error) {
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	work := strings.TrimSpace(line)
	if work == "" || work[0] == '#' {
		return nil, ErrSkip
	}

	if len(work) > 2 && work[0] == '[' && work[len(work)-1] == ']' && strings.Contains(work[1:], "@") {
		work = strings.TrimSpace(work[1 : len(work)-1])
		if work == "" {
			return nil, proxyerr.Parse("host", "empty descriptor")
		}
	}

	p := &Proxy{Type: defaultType}

	schemeGiven := false
	if i := strings.Index(work, "://"); i >= 0 {
		scheme := strings.TrimSpace(work[:i])
		t, ok := ParseType(scheme)
		if !ok || scheme == "" {
			return nil, proxyerr.Parse("scheme", fmt.Sprintf("unsupported scheme %q", scheme))
		}
		p.Type = t
		schemeGiven = true
		work = strings.TrimSpace(work[i+3:])
	}

	var prefixUser, prefixPass, suffixUser, suffixPass string
	if at := strings.LastIndex(work, "@"); at >= 0 {
		userPass := strings.TrimSpace(work[:at])
		work = strings.TrimSpace(work[at+1:])
		if userPass != "" {
			if u, pw, ok := strings.Cut(userPass, ":"); ok {
				prefixUser = strings.TrimSpace(u)
				prefixPass = strings.TrimSpace(pw)
			} else {
				prefixUser = userPass
			}
		}
	}

	if work == "" {
		return nil, proxyerr.Parse("host", "missing host")
	}

	var hostTok, portTok string
	if work[0] == '[' {
		end := strings.IndexByte(work, ']')
		if end < 0 {
			return nil, proxyerr.Parse("host", "unterminated '['")
		}
		hostTok = strings.TrimSpace(work[1:end])
		rest := strings.TrimSpace(work[end+1:])
		switch {
		case rest == "":
		case rest[0] != ':':
			return nil, proxyerr.Parse("port", fmt.Sprintf("unexpected %q after ']'", rest))
		default:
			rest = strings.TrimSpace(rest[1:])
			if rest == "" {
				return nil, proxyerr.Parse("port", "missing port")
			}
			port, suffix, found := strings.Cut(rest, ":")
			portTok = strings.TrimSpace(port)
			if found {
				suffixUser, suffixPass = splitUserPass(suffix)
			}
		}
		p.Bracketed = true
	} else {
		parts := strings.SplitN(work, ":", 4)
		hostTok = strings.TrimSpace(parts[0])
		if len(parts) >= 2 {
			portTok = strings.TrimSpace(parts[1])
			if portTok == "" {
				return nil, proxyerr.Parse("port", "missing port")
			}
		}
		if len(parts) >= 3 {
			suffixUser = strings.TrimSpace(parts[2])
		}
		if len(parts) == 4 {
			suffixPass = strings.TrimSpace(parts[3])
		}
	}

	if hostTok == "" {
		return nil, proxyerr.Parse("host", "missing host")
	}
	p.Host = hostTok

	if portTok == "" {
		if !schemeGiven {
			return nil, proxyerr.Parse("port", "missing port")
		}
		p.Port = DefaultPort(p.Type)
	} else {
		n, err := strconv.Atoi(portTok)
		if err != nil || n < 1 || n > 65535 {
			return nil, proxyerr.Parse("port", fmt.Sprintf("invalid port %q", portTok))
		}
		p.Port = n
	}

	p.Username = prefixUser
	if p.Username == "" {
		p.Username = suffixUser
	}
	p.Password = prefixPass
	if p.Password == "" {
		p.Password = suffixPass
	}
	if p.Password != "" && p.Username == "" {
		return nil, proxyerr.Parse("credentials", "password without username")
	}

	return p, nil
}

// splitUserPass splits a trailing "user[:pass]" token. Colons after the
// first belong to the password.
func splitUserPass(s string) (user, pass string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	u, pw, ok := strings.Cut(s, ":")
	if !ok {
		return s, ""
	}
	return strings.TrimSpace(u), strings.TrimSpace(pw)
}

// Resolve looks up p.Host and stores the first address returned. Bracketed
// hosts are resolved as IPv6 only. A nil r uses net.DefaultResolver.
func (p *Proxy) Resolve(ctx context.Context, r Resolver) error {
	if r == nil {
		r = net.DefaultResolver
	}

	network := "ip"
	if p.Bracketed {
		network = "ip6"
	}

	addrs, err := r.LookupNetIP(ctx, network, p.Host)
	if err != nil {
		return proxyerr.New(proxyerr.KindResolve, "", "host", p.Host, err)
	}
	if len(addrs) == 0 {
		return proxyerr.New(proxyerr.KindResolve, "", "host", "no address for "+p.Host, nil)
	}

	a := addrs[0]
	if p.Bracketed {
		if !a.Is6() {
			return proxyerr.New(proxyerr.KindResolve, "", "host", "no IPv6 address for "+p.Host, nil)
		}
	} else {
		a = a.Unmap()
	}

	p.Addr = netip.AddrPortFrom(a, uint16(p.Port))
	return nil
}
