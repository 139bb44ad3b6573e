package sessionloop

import (
	"net"
	"sync"
	"testing"
	"time"
)

// blockingConn blocks every read until release is closed and records the
// read deadlines it is given.
type blockingConn struct {
	release chan struct{}

	mu        sync.Mutex
	deadlines []time.Time
}

func (c *blockingConn) ReadFrom([]byte) (int, net.Addr, error) {
	<-c.release
	return 0, nil, timeoutError{}
}

func (c *blockingConn) WriteTo(p []byte, _ net.Addr) (int, error) { return len(p), nil }

func (c *blockingConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadlines = append(c.deadlines, t)
	c.mu.Unlock()
	return nil
}

func (c *blockingConn) armed() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.deadlines...)
}

func (s *sharedSocket) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readers
}

func TestSharedSocket_DeadlineOnlyMovesEarlierWhileReading(t *testing.T) {
	conn := &blockingConn{release: make(chan struct{})}
	sock := newSharedSocket(conn)

	var wg sync.WaitGroup
	read := func(now, deadline time.Time) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = sock.readUntil(make([]byte, 8), now, deadline)
		}()
	}

	read(t0, t0.Add(100*time.Millisecond))
	waitFor(t, "first reader", func() bool { return sock.inFlight() == 1 })

	// A later deadline must not extend the read already blocked.
	read(t0, t0.Add(time.Second))
	waitFor(t, "second reader", func() bool { return sock.inFlight() == 2 })

	read(t0, t0.Add(50*time.Millisecond))
	waitFor(t, "third reader", func() bool { return sock.inFlight() == 3 })

	// Once the armed deadline has passed, any deadline may be armed.
	read(t0.Add(60*time.Millisecond), t0.Add(time.Second))
	waitFor(t, "fourth reader", func() bool { return sock.inFlight() == 4 })

	close(conn.release)
	wg.Wait()

	want := []time.Time{t0.Add(100 * time.Millisecond), t0.Add(50 * time.Millisecond), t0.Add(time.Second)}
	got := conn.armed()
	if len(got) != len(want) {
		t.Fatalf("armed=%v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("armed[%d]=%v, want %v", i, got[i], want[i])
		}
	}

	// With no reader in flight the next deadline is armed as is.
	conn.release = make(chan struct{})
	close(conn.release)
	if _, _, err := sock.readUntil(make([]byte, 8), t0, t0.Add(2*time.Second)); !isTimeout(err) {
		t.Fatalf("readUntil err=%v, want timeout", err)
	}
	if got := conn.armed(); !got[len(got)-1].Equal(t0.Add(2 * time.Second)) {
		t.Fatalf("last armed=%v, want %v", got[len(got)-1], t0.Add(2*time.Second))
	}
}

func TestSharedSocket_LaterReaderDoesNotDelayEarlierOne(t *testing.T) {
	conn, _ := listenLoopback(t)
	sock := newSharedSocket(conn)

	type result struct {
		err     error
		elapsed time.Duration
	}
	short := make(chan result, 1)
	start := time.Now()
	go func() {
		_, _, err := sock.readUntil(make([]byte, 64), start, start.Add(300*time.Millisecond))
		short <- result{err: err, elapsed: time.Since(start)}
	}()
	waitFor(t, "short reader", func() bool { return sock.inFlight() == 1 })

	long := make(chan error, 1)
	go func() {
		now := time.Now()
		_, _, err := sock.readUntil(make([]byte, 64), now, now.Add(5*time.Second))
		long <- err
	}()

	select {
	case r := <-short:
		if !isTimeout(r.err) {
			t.Fatalf("short reader err=%v, want timeout", r.err)
		}
		if r.elapsed > 2*time.Second {
			t.Fatalf("short reader woke after %v, want about 300ms", r.elapsed)
		}
	case <-time.After(4 * time.Second):
		t.Fatalf("short reader was held past its deadline by a later reader")
	}

	select {
	case err := <-long:
		if !isTimeout(err) {
			t.Fatalf("long reader err=%v, want timeout", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("long reader never returned")
	}
}
