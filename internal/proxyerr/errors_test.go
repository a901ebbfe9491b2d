package proxyerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  *Error
		want string
	}{
		{err: Parse("port", `invalid port "0"`), want: `port: parse error: invalid port "0"`},
		{err: Protocol("SOCKS4", "RCVD_REPLY", 0x5b, "request rejected or failed"), want: "SOCKS4 RCVD_REPLY: protocol error (code 91): request rejected or failed"},
		{err: New(KindHandshakeIO, "HTTP", "READING_HEADERS", "EOF before enough bytes", io.EOF), want: "HTTP READING_HEADERS: handshake i/o: EOF before enough bytes: EOF"},
		{err: New(KindHandshakeTimeout, "SOCKS5", "RCVD_METHOD", "", nil), want: "SOCKS5 RCVD_METHOD: handshake timeout"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("got %q, want %q", got, tt.want)
		}
	}
}

func TestKindThroughWrapping(t *testing.T) {
	t.Parallel()

	base := Protocol("HTTP", "HEADERS_DONE", 407, "")
	err := fmt.Errorf("proxy 10.0.0.1:3128: %w", base)

	if KindOf(err) != KindProtocol || !IsKind(err, KindProtocol) || Code(err) != 407 {
		t.Fatalf("kind %v code %d", KindOf(err), Code(err))
	}
	if IsKind(nil, KindProtocol) || KindOf(errors.New("plain")) != 0 || Code(errors.New("plain")) != -1 {
		t.Fatal("non-proxy errors misclassified")
	}

	cause := errors.New("connection reset")
	if !errors.Is(New(KindHandshakeIO, "", "", "", cause), cause) {
		t.Fatal("Unwrap lost the cause")
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{err: nil, want: false},
		{err: New(KindConnect, "", "connect", "", nil), want: false},
		{err: New(KindConnectTimeout, "", "connect", "", nil), want: false},
		{err: New(KindParse, "", "host", "", nil), want: false},
		{err: New(KindHandshakeIO, "SOCKS5", "RCVD_METHOD", "", nil), want: true},
		{err: New(KindHandshakeTimeout, "SOCKS5", "RCVD_METHOD", "", nil), want: true},
		{err: Protocol("SOCKS4", "RCVD_REPLY", 0x5b, ""), want: true},
		{err: &Error{Kind: KindAuthFailed, Code: 1}, want: true},
		{err: New(KindResolve, "SOCKS4", "IDLE", "", nil), want: true},
		{err: fmt.Errorf("SOCKS5 handshake: %w", context.Canceled), want: false},
		{err: New(KindHandshakeIO, "", "", "", context.DeadlineExceeded), want: false},
	}

	for i, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("%d: Retryable(%v)=%v, want %v", i, tt.err, got, tt.want)
		}
	}
}
