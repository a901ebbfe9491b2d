// Package proxy implements the local listeners that hand client connections
// to upstream proxy tunnels.
//
// It contains the HTTP forward proxy (CONNECT and non-CONNECT), the SOCKS5
// server, and shared connection plumbing such as bidirectional copy.
package proxy
