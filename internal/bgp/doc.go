// Package bgp implements the per-peer BGP session state machine (RFC 4271
// Section 8), including the event queue discipline, connection collision
// resolution, and the four FSM timers.
//
// Message parsing and serialization are delegated to the gobgp packet codec;
// route processing is out of scope and received Updates are only surfaced to
// a callback.
package bgp
