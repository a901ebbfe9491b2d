package socks5

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	Version     = 0x05
	UserPassVer = 0x01

	MethodNone             = txsocks5.MethodNone
	MethodUsernamePassword = txsocks5.MethodUsernamePassword
	MethodNoAcceptable     = 0xff

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain
	ATYPIPv6   = txsocks5.ATYPIPv6

	RepSuccess            = txsocks5.RepSuccess
	RepGeneralFailure     = 0x01
	RepHostUnreachable    = txsocks5.RepHostUnreachable
	RepConnectionRefused  = txsocks5.RepConnectionRefused
	RepTTLExpired         = 0x06
	RepCommandUnsupported = txsocks5.RepCommandNotSupported

	// MaxFieldLength is the largest username, password or domain a one-byte
	// length prefix can carry.
	MaxFieldLength = 255
)

// ErrFieldLength reports a username, password or domain that does not fit a
// one-byte length prefix, or is empty.
var ErrFieldLength = errors.New("field length out of range [1,255]")

// Methods returns the authentication methods offered in the greeting:
// no-auth, plus username/password when both credentials are set.
func Methods(auth Auth) []byte {
	if auth.Username != "" && auth.Password != "" {
		return []byte{MethodNone, MethodUsernamePassword}
	}
	return []byte{MethodNone}
}

// NegotiationFrame encodes VER NMETHODS METHODS.
func NegotiationFrame(methods []byte) []byte {
	var b bytes.Buffer
	_, _ = txsocks5.NewNegotiationRequest(methods).WriteTo(&b)
	return b.Bytes()
}

// UserPassFrame encodes the RFC 1929 request VER ULEN UNAME PLEN PASSWD.
func UserPassFrame(auth Auth) ([]byte, error) {
	if err := checkField("username", auth.Username); err != nil {
		return nil, err
	}
	if err := checkField("password", auth.Password); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	_, _ = txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(&b)
	return b.Bytes(), nil
}

// ConnectFrame encodes a CONNECT request. The destination is always sent as
// ATYP DOMAIN, even for literal IPs, so the proxy does the resolution.
func ConnectFrame(host string, port uint16) ([]byte, error) {
	if err := checkField("domain", host); err != nil {
		return nil, err
	}

	p := make([]byte, 2)
	binary.BigEndian.PutUint16(p, port)

	var b bytes.Buffer
	_, _ = txsocks5.NewRequest(txsocks5.CmdConnect, ATYPDomain, []byte(host), p).WriteTo(&b)
	return b.Bytes(), nil
}

// BindAddrLen returns how many bytes of BND.ADDR and BND.PORT follow a reply
// header with the given ATYP. For ATYP DOMAIN the length byte must already
// have been read and is passed as domainLen.
func BindAddrLen(atyp byte, domainLen byte) (int, error) {
	switch atyp {
	case ATYPIPv4:
		return 4 + 2, nil
	case ATYPIPv6:
		return 16 + 2, nil
	case ATYPDomain:
		return int(domainLen) + 2, nil
	default:
		return 0, fmt.Errorf("unknown address type %#02x", atyp)
	}
}

func checkField(name, s string) error {
	if len(s) < 1 || len(s) > MaxFieldLength {
		return fmt.Errorf("%s length %d: %w", name, len(s), ErrFieldLength)
	}
	return nil
}

// RepString names a CONNECT reply code.
func RepString(rep byte) string {
	switch rep {
	case 0x00:
		return "succeeded"
	case 0x01:
		return "general SOCKS server failure"
	case 0x02:
		return "connection not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case 0x04:
		return "host unreachable"
	case 0x05:
		return "connection refused"
	case 0x06:
		return "TTL expired"
	case 0x07:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("unassigned reply %#02x", rep)
	}
}
