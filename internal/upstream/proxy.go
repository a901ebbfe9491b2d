package upstream

import (
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Type is a tunneling protocol.
type Type int

const (
	TypeNone Type = iota
	TypeSOCKS4
	TypeSOCKS5
	TypeHTTP
	TypeHTTPS
)

// String returns the protocol name used in logs and reports.
func (t Type) String() string {
	switch t {
	case TypeSOCKS4:
		return "SOCKS4"
	case TypeSOCKS5:
		return "SOCKS5"
	case TypeHTTP:
		return "HTTP"
	case TypeHTTPS:
		return "HTTPS"
	default:
		return "none"
	}
}

// Scheme returns the descriptor scheme for t, or "" for TypeNone.
func (t Type) Scheme() string {
	switch t {
	case TypeSOCKS4:
		return "socks4"
	case TypeSOCKS5:
		return "socks5"
	case TypeHTTP:
		return "http"
	case TypeHTTPS:
		return "https"
	default:
		return ""
	}
}

// ParseType maps a case-insensitive scheme name to a Type. The empty string
// maps to TypeNone.
func ParseType(s string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return TypeNone, true
	case "socks4":
		return TypeSOCKS4, true
	case "socks5":
		return TypeSOCKS5, true
	case "http":
		return TypeHTTP, true
	case "https":
		return TypeHTTPS, true
	default:
		return TypeNone, false
	}
}

// DefaultPort returns the conventional port for t, or 0 for TypeNone.
func DefaultPort(t Type) int {
	switch t {
	case TypeHTTP:
		return 80
	case TypeHTTPS:
		return 443
	case TypeSOCKS4, TypeSOCKS5:
		return 1080
	default:
		return 0
	}
}

// Proxy is one upstream proxy record.
//
// The descriptor fields (Host through Addr) are fixed once the record is
// published. The validation fields are written by the validator only, each
// record by a single worker.
type Proxy struct {
	// Host is a hostname or a literal IP without brackets.
	Host string
	Port int
	// Type is the declared protocol; TypeNone means "detect".
	Type     Type
	Username string
	Password string
	// Bracketed records that the descriptor used the [host] form, which
	// restricts resolution to IPv6.
	Bracketed bool
	// Addr is the resolved proxy address; exactly one of Addr.Addr().Is4()
	// and Addr.Addr().Is6() holds once resolved.
	Addr netip.AddrPort

	DetectedType Type
	LastRTT      time.Duration
	Validated    bool
	Active       bool
	HasAuth      bool
}

// HasCredentials reports whether both a username and a password are set.
// SOCKS5 and HTTP authentication are only offered in that case.
func (p *Proxy) HasCredentials() bool {
	return p.Username != "" && p.Password != ""
}

// Protocol returns the protocol used to tunnel through p: the declared type
// if any, otherwise the detected one.
func (p *Proxy) Protocol() Type {
	if p.Type != TypeNone {
		return p.Type
	}
	return p.DetectedType
}

// HostPort returns host:port with IPv6 literals bracketed. A host that was
// bracketed in its descriptor stays bracketed so it resolves the same way.
func (p *Proxy) HostPort() string {
	if p.Bracketed && !strings.Contains(p.Host, ":") {
		return "[" + p.Host + "]:" + strconv.Itoa(p.Port)
	}
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// IsIPv6 reports whether the resolved address is an IPv6 address.
func (p *Proxy) IsIPv6() bool {
	return p.Addr.Addr().Is6()
}

// String returns the canonical descriptor scheme://[user:pass@]host:port.
// The scheme is omitted when the protocol is unknown.
func (p *Proxy) String() string {
	var sb strings.Builder
	if s := p.Protocol().Scheme(); s != "" {
		sb.WriteString(s)
		sb.WriteString("://")
	}
	switch {
	case p.HasCredentials():
		sb.WriteString(p.Username)
		sb.WriteByte(':')
		sb.WriteString(p.Password)
		sb.WriteByte('@')
	case p.Username != "":
		sb.WriteString(p.Username)
		sb.WriteByte('@')
	}
	sb.WriteString(p.HostPort())
	return sb.String()
}

// ResetValidation clears the fields owned by the validator.
func (p *Proxy) ResetValidation() {
	p.Validated = false
	p.Active = false
	p.DetectedType = TypeNone
	p.LastRTT = 0
	p.HasAuth = false
}

// Equal reports whether p and q describe the same proxy: descriptor fields
// and resolved address, ignoring validation state.
func (p *Proxy) Equal(q *Proxy) bool {
	return p.Host == q.Host &&
		p.Port == q.Port &&
		p.Type == q.Type &&
		p.Username == q.Username &&
		p.Password == q.Password &&
		p.Bracketed == q.Bracketed &&
		p.Addr == q.Addr
}
