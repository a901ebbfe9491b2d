// Package upstream models upstream proxy records and parses the textual
// descriptors they are loaded from.
//
// Accepted forms, with whitespace around tokens ignored:
//
//	[scheme://][user[:pass]@]host[:port][:user[:pass]]
//	[scheme://][user[:pass]@][ipv6]:port[:user[:pass]]
//
// where scheme is http, https, socks4 or socks5 (case-insensitive). Credentials
// before '@' take precedence over trailing ones; in the trailing form every
// colon after the username belongs to the password. A line wrapped in
// "[ ... ]" that contains '@' is unwrapped first. Blank lines and lines
// starting with '#' are skipped.
package upstream
