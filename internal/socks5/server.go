package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrAuthFailed is returned by ServerNegotiate when the client's credentials
// do not match.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// ServerNegotiate reads the client greeting and selects a method. When auth
// carries a username only username/password is acceptable and the offered
// credentials must match; otherwise no-auth is required.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username == "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(conn)
			return errors.New("client does not support no-auth")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(conn)
		return errors.New("client does not support username/password")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// ServerAccept negotiates with the client and reads its request. Only CONNECT
// is supported; other commands are answered with "command not supported". It
// returns the requested host:port and the request's address type, which
// failure replies should echo.
func ServerAccept(conn net.Conn, auth Auth) (string, byte, error) {
	if err := ServerNegotiate(conn, auth); err != nil {
		return "", 0, err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return "", 0, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != txsocks5.CmdConnect {
		WriteReply(conn, txsocks5.RepCommandNotSupported, req.Atyp)
		return "", req.Atyp, fmt.Errorf("unsupported command %#02x", req.Cmd)
	}
	return req.Address(), req.Atyp, nil
}
