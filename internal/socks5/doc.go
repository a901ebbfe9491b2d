// Package socks5 holds the SOCKS5 wire pieces shared by the tunnel dialer, the
// local SOCKS5 listener and the test proxies.
//
// Client-side frames are built with the github.com/txthinking/socks5 types so
// the bytes on the wire match RFC 1928 and RFC 1929 exactly; replies are parsed
// by the caller so every failure can be attributed to a handshake stage.
// Server-side helpers negotiate with a connecting client and write replies.
package socks5
