package dialer

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/upstream"
)

const (
	socks4Version   = 0x04
	socks4Connect   = 0x01
	socks4Granted   = 0x5a
	socks4ReplySize = 8

	protoSOCKS4 = "SOCKS4"
)

// socks4 runs IDLE -> SENT_REQ -> RCVD_REPLY. The destination must resolve
// to IPv4 locally; SOCKS4A is not spoken.
func (h handshaker) socks4(ctx context.Context, c net.Conn, p *upstream.Proxy, host string, port int) error {
	ip, err := h.resolveIPv4(ctx, host)
	if err != nil {
		return err
	}

	req := make([]byte, 0, 9+len(p.Username))
	req = append(req, socks4Version, socks4Connect)
	req = binary.BigEndian.AppendUint16(req, uint16(port))
	req = append(req, ip.AsSlice()...)
	req = append(req, p.Username...)
	req = append(req, 0x00)

	if err := conn.WriteFull(c, req, h.deadline(), protoSOCKS4, "SENT_REQ"); err != nil {
		return err
	}

	rep := make([]byte, socks4ReplySize)
	if err := conn.ReadFull(c, rep, h.deadline(), protoSOCKS4, "RCVD_REPLY"); err != nil {
		return err
	}
	if rep[0] != 0x00 {
		return proxyerr.Protocol(protoSOCKS4, "RCVD_REPLY", int(rep[1]), fmt.Sprintf("bad reply version %#02x", rep[0]))
	}
	if rep[1] != socks4Granted {
		return proxyerr.Protocol(protoSOCKS4, "RCVD_REPLY", int(rep[1]), socks4CodeString(rep[1]))
	}
	return nil
}

func (h handshaker) resolveIPv4(ctx context.Context, host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		a = a.Unmap()
		if !a.Is4() {
			return netip.Addr{}, proxyerr.New(proxyerr.KindResolve, protoSOCKS4, "IDLE", "destination "+host+" is not IPv4", nil)
		}
		return a, nil
	}

	addrs, err := h.resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, proxyerr.New(proxyerr.KindResolve, protoSOCKS4, "IDLE", host, err)
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, proxyerr.New(proxyerr.KindResolve, protoSOCKS4, "IDLE", "no IPv4 address for "+host, nil)
}

func socks4CodeString(cd byte) string {
	switch cd {
	case 0x5b:
		return "request rejected or failed"
	case 0x5c:
		return "rejected: identd unreachable"
	case 0x5d:
		return "rejected: identd user mismatch"
	default:
		return fmt.Sprintf("unknown reply code %#02x", cd)
	}
}
