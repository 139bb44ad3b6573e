package sessionloop

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// sharedSocket arbitrates the read deadline of a socket that several loops
// read from at once. A read deadline belongs to the file descriptor, so a
// loop arming a later deadline would also delay every read already blocked.
// While reads are in flight the deadline only moves earlier; a reader woken
// before its own deadline reports the timeout and its loop polls again. A
// reader whose deadline has passed but which has not returned yet can still
// be re-armed by the next reader, which delays it by at most that reader's
// wait.
type sharedSocket struct {
	PacketConn

	mu       sync.Mutex
	readers  int
	deadline time.Time
}

func newSharedSocket(conn PacketConn) *sharedSocket {
	if s, ok := conn.(*sharedSocket); ok {
		return s
	}
	return &sharedSocket{PacketConn: conn}
}

// readUntil reads one datagram, giving up at deadline. now is the caller's
// current time and decides whether the armed deadline has already passed.
func (s *sharedSocket) readUntil(p []byte, now, deadline time.Time) (int, net.Addr, error) {
	s.mu.Lock()
	if s.readers == 0 || deadline.Before(s.deadline) || !s.deadline.After(now) {
		if err := s.PacketConn.SetReadDeadline(deadline); err != nil {
			s.mu.Unlock()
			return 0, nil, fmt.Errorf("set read deadline: %w", err)
		}
		s.deadline = deadline
	}
	s.readers++
	s.mu.Unlock()

	n, addr, err := s.PacketConn.ReadFrom(p)

	s.mu.Lock()
	s.readers--
	s.mu.Unlock()
	return n, addr, err
}
