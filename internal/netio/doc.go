// Package netio provides the TCP transport for BGP sessions.
//
// Linux-specific socket configuration uses golang.org/x/sys/unix for
// SO_REUSEADDR and the RFC 5082 GTSM options (IP_TTL / IP_MINTTL) on the
// listener (port 179) and on outbound connections.
package netio
