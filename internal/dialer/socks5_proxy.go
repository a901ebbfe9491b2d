package dialer

import (
	"fmt"
	"net"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/socks5"
	"github.com/die-net/proxytun/internal/upstream"
)

const protoSOCKS5 = "SOCKS5"

// socks5 runs method selection, optional RFC 1929 authentication and
// CONNECT:
//
//	IDLE -> SENT_METHODS -> RCVD_METHOD [-> SENT_AUTH -> RCVD_AUTH]
//	     -> SENT_CONNECT -> RCVD_HDR -> DRAINED_BND
func (h handshaker) socks5(c net.Conn, p *upstream.Proxy, host string, port int) error {
	auth := socks5.Auth{Username: p.Username, Password: p.Password}

	if err := conn.WriteFull(c, socks5.NegotiationFrame(socks5.Methods(auth)), h.deadline(), protoSOCKS5, "SENT_METHODS"); err != nil {
		return err
	}

	rep := make([]byte, 2)
	if err := conn.ReadFull(c, rep, h.deadline(), protoSOCKS5, "RCVD_METHOD"); err != nil {
		return err
	}
	if rep[0] != socks5.Version {
		return proxyerr.Protocol(protoSOCKS5, "RCVD_METHOD", -1, fmt.Sprintf("bad version %#02x", rep[0]))
	}

	switch rep[1] {
	case socks5.MethodNone:
	case socks5.MethodUsernamePassword:
		if err := h.socks5Auth(c, auth); err != nil {
			return err
		}
	case socks5.MethodNoAcceptable:
		return proxyerr.Protocol(protoSOCKS5, "RCVD_METHOD", int(rep[1]), "no acceptable method")
	default:
		return proxyerr.Protocol(protoSOCKS5, "RCVD_METHOD", int(rep[1]), "unsupported method")
	}

	req, err := socks5.ConnectFrame(host, uint16(port))
	if err != nil {
		return proxyerr.New(proxyerr.KindProtocol, protoSOCKS5, "SENT_CONNECT", "", err)
	}
	if err := conn.WriteFull(c, req, h.deadline(), protoSOCKS5, "SENT_CONNECT"); err != nil {
		return err
	}

	hdr := make([]byte, 4)
	if err := conn.ReadFull(c, hdr, h.deadline(), protoSOCKS5, "RCVD_HDR"); err != nil {
		return err
	}
	if hdr[0] != socks5.Version {
		return proxyerr.Protocol(protoSOCKS5, "RCVD_HDR", -1, fmt.Sprintf("bad version %#02x", hdr[0]))
	}
	if hdr[1] != socks5.RepSuccess {
		return proxyerr.Protocol(protoSOCKS5, "RCVD_HDR", int(hdr[1]), socks5.RepString(hdr[1]))
	}

	return h.socks5DrainBind(c, hdr[3])
}

// socks5Auth runs SENT_AUTH -> RCVD_AUTH. The reply version is not checked.
func (h handshaker) socks5Auth(c net.Conn, auth socks5.Auth) error {
	req, err := socks5.UserPassFrame(auth)
	if err != nil {
		return proxyerr.New(proxyerr.KindProtocol, protoSOCKS5, "SENT_AUTH", "", err)
	}
	if err := conn.WriteFull(c, req, h.deadline(), protoSOCKS5, "SENT_AUTH"); err != nil {
		return err
	}

	rep := make([]byte, 2)
	if err := conn.ReadFull(c, rep, h.deadline(), protoSOCKS5, "RCVD_AUTH"); err != nil {
		return err
	}
	if rep[1] != 0x00 {
		return &proxyerr.Error{Kind: proxyerr.KindAuthFailed, Proto: protoSOCKS5, Stage: "RCVD_AUTH", Code: int(rep[1])}
	}
	return nil
}

// socks5DrainBind consumes BND.ADDR and BND.PORT without interpreting them.
func (h handshaker) socks5DrainBind(c net.Conn, atyp byte) error {
	deadline := h.deadline()

	var dlen byte
	if atyp == socks5.ATYPDomain {
		b := make([]byte, 1)
		if err := conn.ReadFull(c, b, deadline, protoSOCKS5, "DRAINED_BND"); err != nil {
			return err
		}
		dlen = b[0]
	}

	n, err := socks5.BindAddrLen(atyp, dlen)
	if err != nil {
		return proxyerr.Protocol(protoSOCKS5, "RCVD_HDR", int(atyp), err.Error())
	}
	return conn.ReadFull(c, make([]byte, n), deadline, protoSOCKS5, "DRAINED_BND")
}
