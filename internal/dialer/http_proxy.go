package dialer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/die-net/proxytun/internal/conn"
	"github.com/die-net/proxytun/internal/proxyerr"
	"github.com/die-net/proxytun/internal/upstream"
)

// maxResponseHeader caps how much of a CONNECT response is buffered.
const maxResponseHeader = 2048

var headerEnd = []byte("\r\n\r\n")

// httpConnect runs IDLE -> SENT_REQUEST -> READING_HEADERS -> HEADERS_DONE.
// HTTP and HTTPS proxies are both spoken to in plaintext; the label only
// records what the tunnel is meant to carry.
func (h handshaker) httpConnect(c net.Conn, p *upstream.Proxy, typ upstream.Type, host string, port int) error {
	proto := typ.String()

	if err := conn.WriteFull(c, connectRequest(p, host, port), h.deadline(), proto, "SENT_REQUEST"); err != nil {
		return err
	}

	// The response is read a byte at a time so nothing past the header is
	// consumed from the tunnel.
	deadline := h.deadline()
	resp := make([]byte, 0, 256)
	b := make([]byte, 1)
	for !bytes.HasSuffix(resp, headerEnd) {
		if len(resp) >= maxResponseHeader {
			return proxyerr.Protocol(proto, "READING_HEADERS", -1, "response header exceeds "+strconv.Itoa(maxResponseHeader)+" bytes")
		}
		if err := conn.ReadFull(c, b, deadline, proto, "READING_HEADERS"); err != nil {
			return err
		}
		resp = append(resp, b[0])
	}

	status, err := parseStatus(resp)
	if err != nil {
		return proxyerr.Protocol(proto, "HEADERS_DONE", -1, err.Error())
	}
	if status != 200 {
		line, _, _ := bytes.Cut(resp, []byte("\r\n"))
		return proxyerr.Protocol(proto, "HEADERS_DONE", status, string(line))
	}
	return nil
}

// connectRequest builds the CONNECT request. Proxy-Authorization is sent when
// both a username and a password are configured.
func connectRequest(p *upstream.Proxy, host string, port int) []byte {
	target := net.JoinHostPort(host, strconv.Itoa(port))

	var sb strings.Builder
	sb.WriteString("CONNECT ")
	sb.WriteString(target)
	sb.WriteString(" HTTP/1.1\r\nHost: ")
	sb.WriteString(target)
	sb.WriteString("\r\n")
	if p.HasCredentials() {
		sb.WriteString("Proxy-Authorization: Basic ")
		sb.WriteString(base64.StdEncoding.EncodeToString([]byte(p.Username + ":" + p.Password)))
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	return []byte(sb.String())
}

var (
	errNotHTTP   = errors.New("not an HTTP/1.x response")
	errBadStatus = errors.New("malformed status code")
)

// parseStatus extracts the three-digit code at offset 9 of an HTTP/1.x
// status line.
func parseStatus(resp []byte) (int, error) {
	if len(resp) < 12 || !bytes.HasPrefix(resp, []byte("HTTP/1.")) || (resp[7] != '0' && resp[7] != '1') {
		return 0, errNotHTTP
	}
	code := 0
	for _, d := range resp[9:12] {
		if d < '0' || d > '9' {
			return 0, errBadStatus
		}
		code = code*10 + int(d-'0')
	}
	return code, nil
}
