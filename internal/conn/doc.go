// Package conn opens TCP connections to proxies and moves handshake bytes
// under deadlines.
//
// Dial connects a non-blocking socket within a time budget and reports how long
// the connect took. ReadFull and WriteFull transfer exactly len(b) bytes or
// fail with a classified error; a connection that failed either must not be
// reused for further handshake steps.
package conn
