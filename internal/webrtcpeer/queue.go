package webrtcpeer

import (
	"net/netip"
	"sync"
)

type outboundDatagram struct {
	payload     []byte
	destination netip.AddrPort
}

// sendQueue is a byte-bounded FIFO of datagrams pion has written and no
// session loop has polled yet.
type sendQueue struct {
	mu     sync.Mutex
	closed bool

	maxBytes int
	curBytes int
	frames   []outboundDatagram
}

func newSendQueue(maxBytes int) *sendQueue {
	return &sendQueue{maxBytes: maxBytes}
}

// Enqueue appends d if it fits within the byte budget. It never blocks.
func (q *sendQueue) Enqueue(d outboundDatagram) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(d.payload) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, d)
	q.curBytes += len(d.payload)
	return true
}

// TryDequeue pops the oldest datagram without blocking.
func (q *sendQueue) TryDequeue() (outboundDatagram, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return outboundDatagram{}, false
	}
	d := q.frames[0]
	q.frames[0] = outboundDatagram{}
	q.frames = q.frames[1:]
	q.curBytes -= len(d.payload)
	return d, true
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
}
