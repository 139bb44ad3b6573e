package engine

import (
	"errors"
	"net/netip"
)

var (
	// ErrSessionClosed is returned by Session methods after Close.
	ErrSessionClosed = errors.New("engine: session closed")
	// ErrConnectionFailed is returned by PollAction once the peer connection
	// reached a terminal failure (for example a failed DTLS handshake).
	ErrConnectionFailed = errors.New("engine: peer connection failed")
	// ErrCandidateAlreadySet is returned when a second local candidate is added.
	ErrCandidateAlreadySet = errors.New("engine: local candidate already registered")
	// ErrNoLocalCandidate is returned by Negotiate when no candidate was added.
	ErrNoLocalCandidate = errors.New("engine: no local candidate registered")
	// ErrUnsupportedProtocol is returned for candidates that are not UDP.
	ErrUnsupportedProtocol = errors.New("engine: unsupported candidate protocol")
	// ErrAlreadyNegotiated is returned by a second call to Negotiate.
	ErrAlreadyNegotiated = errors.New("engine: session already negotiated")
	// ErrInvalidDescription is returned by Negotiate for descriptions that are
	// not offers or carry no SDP.
	ErrInvalidDescription = errors.New("engine: invalid session description")
)

// Config configures a new session.
type Config struct {
	// ICELite makes the session answer connectivity checks without ever
	// initiating its own.
	ICELite bool
}

type Protocol string

const ProtocolUDP Protocol = "udp"

// Candidate is a local transport address advertised to the remote peer.
type Candidate struct {
	Addr     netip.AddrPort
	Protocol Protocol
}

// HostCandidate returns a UDP host candidate for addr.
func HostCandidate(addr netip.AddrPort) Candidate {
	return Candidate{Addr: addr, Protocol: ProtocolUDP}
}

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SessionDescription is the offer or answer exchanged during signaling.
type SessionDescription struct {
	Type SDPType `json:"type"`
	SDP  string  `json:"sdp"`
}

// Engine creates sessions.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}

// Session is one peer connection. A Session is not safe for concurrent use:
// exactly one goroutine may call PollAction and HandleInput. Close may be
// called from any goroutine.
type Session interface {
	// AddLocalCandidate registers the candidate the session is reachable at.
	AddLocalCandidate(c Candidate) error

	// Negotiate produces the answer for offer.
	Negotiate(offer SessionDescription) (SessionDescription, error)

	// PollAction returns the next action without blocking. Callers must keep
	// polling until a Wait is returned before feeding an input.
	PollAction() (Action, error)

	// HandleInput consumes one input. Received payloads are only valid for
	// the duration of the call.
	HandleInput(in Input) error

	Close() error
}
