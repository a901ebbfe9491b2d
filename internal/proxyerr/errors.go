// Package proxyerr defines the error kinds reported by descriptor parsing,
// connecting to a proxy, and tunnel negotiation.
//
// Every failure in those layers is an *Error carrying exactly one Kind. The
// kind decides how callers recover: the validator moves on to the next
// protocol for handshake-stage kinds and gives up on a proxy whose TCP connect
// failed.
package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindParse Kind = iota + 1
	KindResolve
	KindConnect
	KindConnectTimeout
	KindHandshakeIO
	KindHandshakeTimeout
	KindProtocol
	KindAuthFailed
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse error"
	case KindResolve:
		return "resolve error"
	case KindConnect:
		return "connect error"
	case KindConnectTimeout:
		return "connect timeout"
	case KindHandshakeIO:
		return "handshake i/o"
	case KindHandshakeTimeout:
		return "handshake timeout"
	case KindProtocol:
		return "protocol error"
	case KindAuthFailed:
		return "authentication failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified failure.
//
// Proto names the protocol being negotiated ("SOCKS5", "HTTP", ...) and may be
// empty for parse and connect failures. Stage names the parse field or the
// handshake state in which the failure happened. Code is the numeric reply
// code surfaced by the proxy (SOCKS reply byte, HTTP status) or -1.
type Error struct {
	Kind  Kind
	Proto string
	Stage string
	Code  int
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	var sb strings.Builder
	if e.Proto != "" {
		sb.WriteString(e.Proto)
		sb.WriteByte(' ')
	}
	if e.Stage != "" {
		sb.WriteString(e.Stage)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Code >= 0 {
		fmt.Fprintf(&sb, " (code %d)", e.Code)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error without a reply code.
func New(kind Kind, proto, stage, msg string, err error) *Error {
	return &Error{Kind: kind, Proto: proto, Stage: stage, Code: -1, Msg: msg, Err: err}
}

// Parse reports a descriptor that could not be interpreted. Stage is one of
// "scheme", "credentials", "host" or "port".
func Parse(stage, msg string) *Error {
	return New(KindParse, "", stage, msg, nil)
}

// Protocol reports a well-formed exchange in which the proxy answered with a
// failure code or a malformed frame.
func Protocol(proto, stage string, code int, msg string) *Error {
	return &Error{Kind: KindProtocol, Proto: proto, Stage: stage, Code: code, Msg: msg}
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Code returns the reply code carried by err, or -1.
func Code(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}

// Retryable reports whether a failed tunnel attempt may be retried with a
// different protocol on a fresh connection to the same proxy.
//
// Connect failures affect every protocol equally and are not retryable.
// Neither is cancellation.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindHandshakeIO, KindHandshakeTimeout, KindProtocol, KindAuthFailed, KindResolve:
		return true
	default:
		return false
	}
}
