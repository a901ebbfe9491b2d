package testutil

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/die-net/proxytun/internal/socks5"
)

// Counter counts connections that completed a handshake.
type Counter struct {
	n atomic.Int64
}

func (c *Counter) Add()        { c.n.Add(1) }
func (c *Counter) Load() int64 { return c.n.Load() }

// SOCKS5Proxy returns a handler speaking SOCKS5 CONNECT. A non-empty
// auth.Username requires username/password authentication. Connections that
// do not start with a SOCKS5 greeting are closed.
func SOCKS5Proxy(auth socks5.Auth, ok *Counter) func(net.Conn) {
	return func(c net.Conn) {
		br := bufio.NewReader(c)
		if b, err := br.Peek(1); err != nil || b[0] != socks5.Version {
			return
		}
		bc := &bufferedConn{Conn: c, r: br}

		target, atyp, err := socks5.ServerAccept(bc, auth)
		if err != nil {
			return
		}

		dst, err := net.Dial("tcp", target)
		if err != nil {
			socks5.WriteReply(bc, socks5.RepConnectionRefused, atyp)
			return
		}
		defer dst.Close()

		if err := socks5.WriteSuccessReply(bc, dst.LocalAddr()); err != nil {
			return
		}
		if ok != nil {
			ok.Add()
		}
		relay(bc, dst)
	}
}

// SOCKS4Proxy returns a handler speaking SOCKS4 CONNECT. Connections that do
// not start with version 4 are closed. If wantUser is non-empty the userid
// must match or the request is rejected with 0x5B.
func SOCKS4Proxy(wantUser string, ok *Counter) func(net.Conn) {
	return func(c net.Conn) {
		br := bufio.NewReader(c)
		hdr := make([]byte, 8)
		if b, err := br.Peek(1); err != nil || b[0] != 0x04 {
			return
		}
		if _, err := io.ReadFull(br, hdr); err != nil {
			return
		}
		user, err := br.ReadString(0x00)
		if err != nil {
			return
		}
		user = user[:len(user)-1]

		reply := func(cd byte) {
			_, _ = c.Write([]byte{0x00, cd, 0, 0, 0, 0, 0, 0})
		}
		if hdr[1] != 0x01 || (wantUser != "" && user != wantUser) {
			reply(0x5b)
			return
		}

		port := binary.BigEndian.Uint16(hdr[2:4])
		ip := net.IP(hdr[4:8])
		dst, err := net.Dial("tcp", net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
		if err != nil {
			reply(0x5b)
			return
		}
		defer dst.Close()

		reply(0x5a)
		if ok != nil {
			ok.Add()
		}
		relay(&bufferedConn{Conn: c, r: br}, dst)
	}
}

// HTTPConnectProxy returns a handler serving HTTP CONNECT. If user is
// non-empty, Basic credentials are required and 407 is returned otherwise.
// Connections that do not start with 'C' are closed.
func HTTPConnectProxy(user, pass string, ok *Counter) func(net.Conn) {
	wantAuth := ""
	if user != "" {
		wantAuth = "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
	}

	return func(c net.Conn) {
		br := bufio.NewReader(c)
		if b, err := br.Peek(1); err != nil || b[0] != 'C' {
			return
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		_ = req.Body.Close()

		if req.Method != http.MethodConnect {
			_, _ = io.WriteString(c, "HTTP/1.1 405 Method Not Allowed\r\n\r\n")
			return
		}
		if wantAuth != "" && req.Header.Get("Proxy-Authorization") != wantAuth {
			_, _ = io.WriteString(c, "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n")
			return
		}

		dst, err := net.Dial("tcp", req.Host)
		if err != nil {
			_, _ = io.WriteString(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
			return
		}
		defer dst.Close()

		_, _ = io.WriteString(c, "HTTP/1.1 200 Connection Established\r\n\r\n")
		if ok != nil {
			ok.Add()
		}
		relay(&bufferedConn{Conn: c, r: br}, dst)
	}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func relay(client, dst net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = io.Copy(dst, client)
		_ = dst.Close()
	}()
	_, _ = io.Copy(client, dst)
	_ = client.Close()
	<-done
}
