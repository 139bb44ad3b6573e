// Package engine describes the boundary between the transport loop and the
// protocol stack that implements ICE, DTLS, SCTP and SDP for one session.
//
// The stack is driven from the outside: callers poll it for the next Action,
// perform that action (wait, send a datagram or observe an event), and feed
// back exactly one Input per wait. Nothing in this package performs network
// I/O itself.
package engine
