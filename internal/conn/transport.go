package conn

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/die-net/proxytun/internal/proxyerr"
)

// WriteFull writes all of b to c before deadline. proto and stage label any
// failure.
func WriteFull(c net.Conn, b []byte, deadline time.Time, proto, stage string) error {
	if err := c.SetWriteDeadline(deadline); err != nil {
		return proxyerr.New(proxyerr.KindHandshakeIO, proto, stage, "set write deadline", err)
	}
	for len(b) > 0 {
		n, err := c.Write(b)
		b = b[n:]
		if err != nil {
			return transportError(err, proto, stage)
		}
		if n == 0 {
			return transportError(io.ErrShortWrite, proto, stage)
		}
	}
	return nil
}

// ReadFull reads exactly len(b) bytes from c before deadline. It never
// returns short: either b is filled or an error is returned.
func ReadFull(c net.Conn, b []byte, deadline time.Time, proto, stage string) error {
	if err := c.SetReadDeadline(deadline); err != nil {
		return proxyerr.New(proxyerr.KindHandshakeIO, proto, stage, "set read deadline", err)
	}
	if _, err := io.ReadFull(c, b); err != nil {
		return transportError(err, proto, stage)
	}
	return nil
}

// ClearDeadline removes any deadline left on c by a handshake.
func ClearDeadline(c net.Conn) {
	_ = c.SetDeadline(time.Time{})
}

func transportError(err error, proto, stage string) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return proxyerr.New(proxyerr.KindHandshakeTimeout, proto, stage, "", nil)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return proxyerr.New(proxyerr.KindHandshakeIO, proto, stage, "EOF before enough bytes", err)
	default:
		return proxyerr.New(proxyerr.KindHandshakeIO, proto, stage, "", err)
	}
}
