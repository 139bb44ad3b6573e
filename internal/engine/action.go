package engine

import (
	"fmt"
	"net/netip"
	"time"
)

// Action is the next thing a session needs from its driver. It is one of
// Wait, Send or Emit.
type Action interface {
	isAction()
}

// Wait asks the driver to deliver an input no later than Deadline.
type Wait struct {
	Deadline time.Time
}

// Send asks the driver to transmit Payload to Destination.
type Send struct {
	Payload     []byte
	Destination netip.AddrPort
}

// Emit surfaces an event to the driver.
type Emit struct {
	Event Event
}

func (Wait) isAction() {}
func (Send) isAction() {}
func (Emit) isAction() {}

// Input is external input fed to a session. It is one of Received or
// DeadlineElapsed.
type Input interface {
	isInput()
}

// Received carries one datagram read from the network.
type Received struct {
	At          time.Time
	Source      netip.AddrPort
	Destination netip.AddrPort
	Payload     []byte
}

// DeadlineElapsed notifies the session that the deadline of its last Wait
// has passed.
type DeadlineElapsed struct {
	At time.Time
}

func (Received) isInput()        {}
func (DeadlineElapsed) isInput() {}

type EventKind int

const (
	EventICEConnectionState EventKind = iota + 1
	EventPeerConnectionState
	EventDataChannelOpen
	EventDataChannelClose
)

func (k EventKind) String() string {
	switch k {
	case EventICEConnectionState:
		return "ice_connection_state"
	case EventPeerConnectionState:
		return "peer_connection_state"
	case EventDataChannelOpen:
		return "datachannel_open"
	case EventDataChannelClose:
		return "datachannel_close"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ConnectionState mirrors the W3C ICE and peer connection state names.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateChecking     ConnectionState = "checking"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateCompleted    ConnectionState = "completed"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

type Event struct {
	Kind EventKind
	// State is set for EventICEConnectionState and EventPeerConnectionState.
	State ConnectionState
	// Label is set for data channel events.
	Label string
}

// Disconnected reports whether the event is the ICE connection state moving
// to disconnected.
func (e Event) Disconnected() bool {
	return e.Kind == EventICEConnectionState && e.State == StateDisconnected
}
