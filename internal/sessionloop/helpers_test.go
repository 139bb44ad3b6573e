package sessionloop

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
)

// trace records engine and socket calls in the order they happen.
type trace struct {
	mu     sync.Mutex
	events []string
}

func (t *trace) add(format string, args ...any) {
	t.mu.Lock()
	t.events = append(t.events, fmt.Sprintf(format, args...))
	t.mu.Unlock()
}

func (t *trace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type pollResult struct {
	action engine.Action
	err    error
}

// scriptedSession replays a fixed list of poll results and records every
// input it is fed. Once the script is exhausted it reports disconnected.
type scriptedSession struct {
	tr     *trace
	script []pollResult
	inputs []engine.Input

	feedErr error
	closed  atomic.Bool
}

func (s *scriptedSession) AddLocalCandidate(engine.Candidate) error { return nil }

func (s *scriptedSession) Negotiate(engine.SessionDescription) (engine.SessionDescription, error) {
	return engine.SessionDescription{}, errors.New("not implemented")
}

func (s *scriptedSession) PollAction() (engine.Action, error) {
	s.tr.add("poll")
	if len(s.script) == 0 {
		return engine.Emit{Event: engine.Event{Kind: engine.EventICEConnectionState, State: engine.StateDisconnected}}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next.action, next.err
}

func (s *scriptedSession) HandleInput(in engine.Input) error {
	switch v := in.(type) {
	case engine.DeadlineElapsed:
		s.tr.add("feed deadline")
	case engine.Received:
		s.tr.add("feed received %s", v.Source)
		// Payload aliases the loop's buffer.
		v.Payload = append([]byte(nil), v.Payload...)
		in = v
	}
	s.inputs = append(s.inputs, in)
	return s.feedErr
}

func (s *scriptedSession) Close() error {
	s.closed.Store(true)
	return nil
}

type readResult struct {
	payload []byte
	from    net.Addr
	err     error
}

// fakeConn serves queued reads and records writes. An empty read queue
// yields a timeout.
type fakeConn struct {
	tr       *trace
	reads    []readResult
	writeErr error

	mu     sync.Mutex
	writes []string
}

func (c *fakeConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.tr.add("read")
	if len(c.reads) == 0 {
		return 0, nil, timeoutError{}
	}
	r := c.reads[0]
	c.reads = c.reads[1:]
	if r.err != nil {
		return 0, nil, r.err
	}
	return copy(p, r.payload), r.from, nil
}

func (c *fakeConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.tr.add("write %s", addr)
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.mu.Lock()
	c.writes = append(c.writes, fmt.Sprintf("%s:%s", addr, p))
	c.mu.Unlock()
	return len(p), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.tr.add("deadline %s", t.UTC().Format(time.RFC3339Nano))
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func disconnected() pollResult {
	return pollResult{action: engine.Emit{Event: engine.Event{Kind: engine.EventICEConnectionState, State: engine.StateDisconnected}}}
}

func wait(at time.Time) pollResult {
	return pollResult{action: engine.Wait{Deadline: at}}
}
