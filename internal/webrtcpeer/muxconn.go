package webrtcpeer

import (
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/pion/transport/v3/deadline"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

type inboundDatagram struct {
	payload []byte
	source  netip.AddrPort
}

// muxConn is the net.PacketConn pion's ICE UDP mux reads from and writes
// to. It never touches a socket: reads are served from datagrams delivered
// by session loops and writes are queued for them to send.
type muxConn struct {
	local   *net.UDPAddr
	metrics *metrics.Metrics

	inbound  chan inboundDatagram
	outbound *sendQueue

	readDeadline *deadline.Deadline

	closeOnce sync.Once
	closed    chan struct{}
}

var _ net.PacketConn = (*muxConn)(nil)

func newMuxConn(local netip.AddrPort, inboundLen, outboundBytes int, m *metrics.Metrics) *muxConn {
	return &muxConn{
		local:        net.UDPAddrFromAddrPort(local),
		metrics:      m,
		inbound:      make(chan inboundDatagram, inboundLen),
		outbound:     newSendQueue(outboundBytes),
		readDeadline: deadline.New(),
		closed:       make(chan struct{}),
	}
}

// deliver hands a received datagram to the mux. payload is copied. It never
// blocks; datagrams that do not fit are dropped like a full socket buffer
// would.
func (c *muxConn) deliver(payload []byte, source netip.AddrPort) bool {
	d := inboundDatagram{payload: append([]byte(nil), payload...), source: source}
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.inbound <- d:
		return true
	default:
		c.metrics.EngineDrop(metrics.DropInboundQueueFull)
		return false
	}
}

// next returns the oldest datagram pion has written, if any.
func (c *muxConn) next() (outboundDatagram, bool) {
	return c.outbound.TryDequeue()
}

func (c *muxConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbound:
		n := copy(p, d.payload)
		return n, net.UDPAddrFromAddrPort(d.source), nil
	case <-c.readDeadline.Done():
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, io.EOF
	}
}

func (c *muxConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	var dst netip.AddrPort
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		dst = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return 0, &net.OpError{Op: "write", Net: "udp", Addr: addr, Err: err}
		}
		dst = parsed
	}

	// Like UDP, a datagram that does not fit is lost rather than reported.
	if !c.outbound.Enqueue(outboundDatagram{payload: append([]byte(nil), p...), destination: dst}) {
		c.metrics.EngineDrop(metrics.DropOutboundQueueFull)
	}
	return len(p), nil
}

func (c *muxConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.outbound.Close()
	})
	return nil
}

func (c *muxConn) LocalAddr() net.Addr { return c.local }

func (c *muxConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *muxConn) SetReadDeadline(t time.Time) error {
	c.readDeadline.Set(t)
	return nil
}

// SetWriteDeadline is a no-op: writes never block.
func (c *muxConn) SetWriteDeadline(time.Time) error { return nil }
