// Package sessionloop drives engine sessions over a shared UDP socket.
//
// Each session is owned by exactly one goroutine running Loop.Run. The loop
// alternates between draining the session's actions and blocking on the
// socket until the deadline of the session's most recent Wait. The socket is
// the only state shared between loops; the engine demultiplexes inbound
// datagrams itself.
package sessionloop
