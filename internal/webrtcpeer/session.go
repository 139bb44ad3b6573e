package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

var errGatherTimeout = errors.New("webrtcpeer: timed out gathering answer candidates")

// Session owns one server-side PeerConnection.
type Session struct {
	eng *Engine
	cfg engine.Config
	log *slog.Logger

	mu         sync.Mutex
	fab        *fabric
	pc         *webrtc.PeerConnection
	negotiated bool
	closed     bool

	events    []engine.Event
	iceLost   bool
	pcFailure bool

	closeOnce sync.Once
	closeErr  error
}

var _ engine.Session = (*Session)(nil)

func newSession(e *Engine, cfg engine.Config) *Session {
	return &Session{
		eng: e,
		cfg: cfg,
		log: e.opts.Logger,
	}
}

// AddLocalCandidate binds the session to the fabric for c.Addr and creates
// its PeerConnection. Exactly one UDP candidate is accepted.
func (s *Session) AddLocalCandidate(c engine.Candidate) error {
	if c.Protocol != engine.ProtocolUDP {
		return fmt.Errorf("%w: %q", engine.ErrUnsupportedProtocol, c.Protocol)
	}
	if !c.Addr.IsValid() || c.Addr.Port() == 0 || c.Addr.Addr().IsUnspecified() {
		return fmt.Errorf("webrtcpeer: invalid candidate address %s", c.Addr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return engine.ErrSessionClosed
	}
	if s.pc != nil {
		return engine.ErrCandidateAlreadySet
	}

	fab, err := s.eng.fabricFor(c.Addr)
	if err != nil {
		return err
	}
	pc, err := fab.api(s.cfg.ICELite).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	s.fab = fab
	s.pc = pc
	s.log = s.log.With("candidate", c.Addr.String())
	s.registerCallbacks(pc)
	return nil
}

func (s *Session) registerCallbacks(pc *webrtc.PeerConnection) {
	pc.OnICEConnectionStateChange(s.onICEConnectionState)
	pc.OnConnectionStateChange(s.onPeerConnectionState)
	pc.OnDataChannel(s.onDataChannel)
}

func (s *Session) onICEConnectionState(state webrtc.ICEConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ended := state == webrtc.ICEConnectionStateFailed || state == webrtc.ICEConnectionStateClosed
	// ICE that fails, or is closed by the remote peer, without having been
	// reported lost ends the session the same way a lost connection does.
	if ended && !s.iceLost {
		s.pushLocked(engine.Event{Kind: engine.EventICEConnectionState, State: engine.StateDisconnected})
	}
	if ended || state == webrtc.ICEConnectionStateDisconnected {
		s.iceLost = true
	}
	s.pushLocked(engine.Event{Kind: engine.EventICEConnectionState, State: engine.ConnectionState(state.String())})
}

func (s *Session) onPeerConnectionState(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushLocked(engine.Event{Kind: engine.EventPeerConnectionState, State: engine.ConnectionState(state.String())})
	if s.iceLost || s.closed {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateFailed:
		// ICE is fine, so DTLS or SCTP gave up.
		s.pcFailure = true
	case webrtc.PeerConnectionStateClosed:
		// Closed by a DTLS close_notify from the remote peer.
		s.iceLost = true
		s.pushLocked(engine.Event{Kind: engine.EventICEConnectionState, State: engine.StateDisconnected})
	}
}

func (s *Session) push(ev engine.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(ev)
}

func (s *Session) pushLocked(ev engine.Event) {
	if s.closed {
		return
	}
	s.events = append(s.events, ev)
}

// Negotiate applies offer and returns the answer once its candidates have
// been gathered.
func (s *Session) Negotiate(offer engine.SessionDescription) (engine.SessionDescription, error) {
	if offer.Type != engine.SDPTypeOffer || offer.SDP == "" {
		return engine.SessionDescription{}, engine.ErrInvalidDescription
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return engine.SessionDescription{}, engine.ErrSessionClosed
	case s.pc == nil:
		s.mu.Unlock()
		return engine.SessionDescription{}, engine.ErrNoLocalCandidate
	case s.negotiated:
		s.mu.Unlock()
		return engine.SessionDescription{}, engine.ErrAlreadyNegotiated
	}
	s.negotiated = true
	pc := s.pc
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return engine.SessionDescription{}, fmt.Errorf("%w: set remote description: %v", engine.ErrInvalidDescription, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return engine.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return engine.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}

	timer := time.NewTimer(s.eng.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		return engine.SessionDescription{}, errGatherTimeout
	}

	local := pc.LocalDescription()
	if local == nil {
		return engine.SessionDescription{}, errors.New("webrtcpeer: missing local description")
	}
	return engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: local.SDP}, nil
}

// PollAction drains pending events first, then datagrams pion has written
// for this session's address. With nothing pending it asks to be fed again
// after the engine's poll interval.
func (s *Session) PollAction() (engine.Action, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, engine.ErrSessionClosed
	}
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events[0] = engine.Event{}
		s.events = s.events[1:]
		s.mu.Unlock()
		return engine.Emit{Event: ev}, nil
	}
	fab := s.fab
	failed := s.pcFailure
	s.mu.Unlock()

	if fab != nil {
		if d, ok := fab.conn.next(); ok {
			return engine.Send{Payload: d.payload, Destination: d.destination}, nil
		}
	}
	if failed {
		return nil, engine.ErrConnectionFailed
	}
	return engine.Wait{Deadline: s.eng.opts.Now().Add(s.eng.opts.PollInterval)}, nil
}

// HandleInput hands received datagrams to the fabric. pion keeps its own
// timers, so DeadlineElapsed only gives PollAction another turn.
func (s *Session) HandleInput(in engine.Input) error {
	s.mu.Lock()
	closed := s.closed
	fab := s.fab
	s.mu.Unlock()
	if closed {
		return engine.ErrSessionClosed
	}

	switch in := in.(type) {
	case engine.Received:
		if fab == nil {
			return engine.ErrNoLocalCandidate
		}
		if in.Destination.IsValid() && in.Destination != fab.addr {
			s.eng.opts.Metrics.EngineDrop(metrics.DropUnknownDestination)
			return nil
		}
		fab.conn.deliver(in.Payload, in.Source)
		return nil
	case engine.DeadlineElapsed:
		return nil
	default:
		return fmt.Errorf("webrtcpeer: unsupported input %T", in)
	}
}

func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.events = nil
		pc := s.pc
		s.mu.Unlock()
		if pc != nil {
			s.closeErr = pc.Close()
		}
	})
	return s.closeErr
}
