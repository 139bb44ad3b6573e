package sessionloop

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

// DefaultReceiveBufferBytes is the size of the reusable receive buffer. It
// comfortably exceeds the path MTU WebRTC stacks use for DTLS and SCTP.
const DefaultReceiveBufferBytes = 2000

// PacketConn is the subset of net.PacketConn a loop uses.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

type Options struct {
	// Conn is the socket shared by every loop in the process.
	Conn PacketConn
	// Local is the advertised address, used as the destination of every
	// received datagram.
	Local netip.AddrPort

	Logger             *slog.Logger
	Metrics            *metrics.Metrics
	Clock              Clock
	ReceiveBufferBytes int
}

// Loop drives a single session. A Loop must not be shared between
// goroutines.
type Loop struct {
	conn    *sharedSocket
	local   netip.AddrPort
	log     *slog.Logger
	metrics *metrics.Metrics
	clock   Clock
	buf     []byte
}

func New(opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.ReceiveBufferBytes <= 0 {
		opts.ReceiveBufferBytes = DefaultReceiveBufferBytes
	}
	return &Loop{
		conn:    newSharedSocket(opts.Conn),
		local:   opts.Local,
		log:     opts.Logger,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		buf:     make([]byte, opts.ReceiveBufferBytes),
	}
}

// Run drives sess until it reports that the ICE connection is disconnected,
// in which case it returns nil, or until an engine or socket error occurs.
func (l *Loop) Run(sess engine.Session) error {
	for {
		action, err := sess.PollAction()
		if err != nil {
			return fmt.Errorf("poll session: %w", err)
		}

		var wait engine.Wait
		switch a := action.(type) {
		case engine.Send:
			if err := l.send(a); err != nil {
				return err
			}
			continue
		case engine.Emit:
			if a.Event.Disconnected() {
				l.log.Debug("session disconnected")
				return nil
			}
			l.log.Debug("session event", "kind", a.Event.Kind.String(), "state", a.Event.State, "label", a.Event.Label)
			continue
		case engine.Wait:
			wait = a
		default:
			return fmt.Errorf("unexpected engine action %T", action)
		}

		input, err := l.await(wait.Deadline)
		if err != nil {
			return err
		}
		if err := sess.HandleInput(input); err != nil {
			return fmt.Errorf("feed session: %w", err)
		}
	}
}

func (l *Loop) send(a engine.Send) error {
	if _, err := l.conn.WriteTo(a.Payload, net.UDPAddrFromAddrPort(a.Destination)); err != nil {
		return fmt.Errorf("send to %s: %w", a.Destination, err)
	}
	l.metrics.Datagram(metrics.DirectionOut, Classify(a.Payload), len(a.Payload))
	return nil
}

// await produces the input for a Wait. A deadline that has already passed
// never reaches the socket: a zero or negative read timeout is not portable,
// so it is reported as a synthetic DeadlineElapsed instead.
func (l *Loop) await(deadline time.Time) (engine.Input, error) {
	now := l.clock.Now()
	timeout := deadline.Sub(now)
	if timeout <= 0 {
		l.metrics.DeadlineInput(metrics.DeadlineAlreadyPassed)
		return engine.DeadlineElapsed{At: now}, nil
	}

	n, from, err := l.conn.readUntil(l.buf, now, deadline)
	if err != nil {
		if isTimeout(err) {
			l.metrics.DeadlineInput(metrics.DeadlineReadTimeout)
			return engine.DeadlineElapsed{At: l.clock.Now()}, nil
		}
		return nil, fmt.Errorf("receive: %w", err)
	}

	source, ok := addrPort(from)
	if !ok {
		return nil, fmt.Errorf("receive: unsupported source address %T", from)
	}
	payload := l.buf[:n]
	l.metrics.Datagram(metrics.DirectionIn, Classify(payload), n)

	return engine.Received{
		At:          l.clock.Now(),
		Source:      source,
		Destination: l.local,
		Payload:     payload,
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func addrPort(addr net.Addr) (netip.AddrPort, bool) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		ap := a.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.AddrPort{}, false
		}
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), true
	}
}
