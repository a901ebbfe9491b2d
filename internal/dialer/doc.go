// Package dialer opens tunnels through upstream proxies.
//
// Handshake negotiates SOCKS4, SOCKS5 or HTTP CONNECT on a connection that is
// already connected to the proxy. ProxyDialer connects to one proxy and then
// negotiates; RotatingDialer spreads connections over a set of proxies. Both
// implement golang.org/x/net/proxy.ContextDialer, and Register teaches
// proxy.FromURL the socks4, http and https schemes.
package dialer
