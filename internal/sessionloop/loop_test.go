package sessionloop

import (
	"errors"
	"net"
	"net/netip"
	"reflect"
	"testing"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
)

var (
	t0        = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	localAddr = netip.MustParseAddrPort("203.0.113.5:10000")
	peerAddr  = netip.MustParseAddrPort("198.51.100.7:53000")
)

func newTestLoop(conn PacketConn) *Loop {
	return New(Options{
		Conn:  conn,
		Local: localAddr,
		Clock: &fakeClock{now: t0},
	})
}

func TestRun_ElapsedDeadlineNeverTouchesSocket(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{
		wait(t0),
		wait(t0.Add(-time.Second)),
		disconnected(),
	}}
	conn := &fakeConn{tr: tr}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"poll", "feed deadline", "poll", "feed deadline", "poll"}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace=%v, want %v", got, want)
	}
	for i, in := range sess.inputs {
		de, ok := in.(engine.DeadlineElapsed)
		if !ok {
			t.Fatalf("input %d=%T, want DeadlineElapsed", i, in)
		}
		if !de.At.Equal(t0) {
			t.Fatalf("input %d at=%v, want %v", i, de.At, t0)
		}
	}
}

func TestRun_ReceivedDatagramCarriesAddresses(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{
		wait(t0.Add(50 * time.Millisecond)),
		disconnected(),
	}}
	conn := &fakeConn{tr: tr, reads: []readResult{
		{payload: []byte("hello"), from: net.UDPAddrFromAddrPort(peerAddr)},
	}}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"poll",
		"deadline " + t0.Add(50*time.Millisecond).Format(time.RFC3339Nano),
		"read",
		"feed received " + peerAddr.String(),
		"poll",
	}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace=%v, want %v", got, want)
	}

	if len(sess.inputs) != 1 {
		t.Fatalf("inputs=%d, want 1", len(sess.inputs))
	}
	rx, ok := sess.inputs[0].(engine.Received)
	if !ok {
		t.Fatalf("input=%T, want Received", sess.inputs[0])
	}
	if rx.Source != peerAddr {
		t.Fatalf("source=%v, want %v", rx.Source, peerAddr)
	}
	if rx.Destination != localAddr {
		t.Fatalf("destination=%v, want %v", rx.Destination, localAddr)
	}
	if string(rx.Payload) != "hello" {
		t.Fatalf("payload=%q, want %q", rx.Payload, "hello")
	}
}

func TestRun_IPv4MappedSourceIsUnmapped(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{wait(t0.Add(time.Second))}}
	mapped := &net.UDPAddr{IP: net.ParseIP("::ffff:198.51.100.7"), Port: 53000}
	conn := &fakeConn{tr: tr, reads: []readResult{{payload: []byte{1}, from: mapped}}}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rx := sess.inputs[0].(engine.Received)
	if rx.Source != peerAddr {
		t.Fatalf("source=%v, want %v", rx.Source, peerAddr)
	}
}

func TestRun_ReadTimeoutFeedsDeadlineElapsed(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{
		wait(t0.Add(20 * time.Millisecond)),
		disconnected(),
	}}
	conn := &fakeConn{tr: tr}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sess.inputs) != 1 {
		t.Fatalf("inputs=%d, want 1", len(sess.inputs))
	}
	if _, ok := sess.inputs[0].(engine.DeadlineElapsed); !ok {
		t.Fatalf("input=%T, want DeadlineElapsed", sess.inputs[0])
	}
}

func TestRun_SendsQueuedDatagramsBeforeWaiting(t *testing.T) {
	tr := &trace{}
	other := netip.MustParseAddrPort("198.51.100.8:4000")
	sess := &scriptedSession{tr: tr, script: []pollResult{
		{action: engine.Send{Payload: []byte("a"), Destination: peerAddr}},
		{action: engine.Send{Payload: []byte("b"), Destination: other}},
		disconnected(),
	}}
	conn := &fakeConn{tr: tr}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{
		"poll",
		"write " + peerAddr.String(),
		"poll",
		"write " + other.String(),
		"poll",
	}
	if got := tr.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace=%v, want %v", got, want)
	}
	wantWrites := []string{peerAddr.String() + ":a", other.String() + ":b"}
	if !reflect.DeepEqual(conn.writes, wantWrites) {
		t.Fatalf("writes=%v, want %v", conn.writes, wantWrites)
	}
}

func TestRun_OnlyICEDisconnectedTerminates(t *testing.T) {
	nonTerminal := []engine.Event{
		{Kind: engine.EventICEConnectionState, State: engine.StateChecking},
		{Kind: engine.EventICEConnectionState, State: engine.StateConnected},
		{Kind: engine.EventICEConnectionState, State: engine.StateFailed},
		{Kind: engine.EventPeerConnectionState, State: engine.StateDisconnected},
		{Kind: engine.EventDataChannelOpen, Label: "chat"},
		{Kind: engine.EventDataChannelClose, Label: "chat"},
	}
	for _, ev := range nonTerminal {
		t.Run(ev.Kind.String()+"/"+string(ev.State), func(t *testing.T) {
			tr := &trace{}
			sess := &scriptedSession{tr: tr, script: []pollResult{
				{action: engine.Emit{Event: ev}},
				wait(t0),
				disconnected(),
			}}
			if err := newTestLoop(&fakeConn{tr: tr}).Run(sess); err != nil {
				t.Fatalf("Run: %v", err)
			}
			want := []string{"poll", "poll", "feed deadline", "poll"}
			if got := tr.list(); !reflect.DeepEqual(got, want) {
				t.Fatalf("trace=%v, want %v", got, want)
			}
		})
	}
}

func TestRun_DisconnectStopsWithoutSocketActivity(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{
		disconnected(),
		{action: engine.Send{Payload: []byte("late"), Destination: peerAddr}},
	}}
	conn := &fakeConn{tr: tr}

	if err := newTestLoop(conn).Run(sess); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, want := tr.list(), []string{"poll"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("trace=%v, want %v", got, want)
	}
}

func TestRun_Errors(t *testing.T) {
	errEngine := errors.New("engine exploded")
	errSocket := errors.New("socket exploded")

	tests := []struct {
		name    string
		script  []pollResult
		reads   []readResult
		write   error
		feed    error
		wantErr error
	}{
		{
			name:    "poll",
			script:  []pollResult{{err: errEngine}},
			wantErr: errEngine,
		},
		{
			name:    "feed",
			script:  []pollResult{wait(t0)},
			feed:    errEngine,
			wantErr: errEngine,
		},
		{
			name:    "read",
			script:  []pollResult{wait(t0.Add(time.Second))},
			reads:   []readResult{{err: errSocket}},
			wantErr: errSocket,
		},
		{
			name:    "write",
			script:  []pollResult{{action: engine.Send{Payload: []byte("x"), Destination: peerAddr}}},
			write:   errSocket,
			wantErr: errSocket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &trace{}
			sess := &scriptedSession{tr: tr, script: tt.script, feedErr: tt.feed}
			conn := &fakeConn{tr: tr, reads: tt.reads, writeErr: tt.write}

			err := newTestLoop(conn).Run(sess)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run err=%v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRun_ReadErrorIsNotFedToEngine(t *testing.T) {
	tr := &trace{}
	sess := &scriptedSession{tr: tr, script: []pollResult{wait(t0.Add(time.Second))}}
	conn := &fakeConn{tr: tr, reads: []readResult{{err: net.ErrClosed}}}

	if err := newTestLoop(conn).Run(sess); !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Run err=%v, want %v", err, net.ErrClosed)
	}
	if len(sess.inputs) != 0 {
		t.Fatalf("inputs=%d, want 0", len(sess.inputs))
	}
}

func TestClassify(t *testing.T) {
	stunBinding := []byte{
		0x00, 0x01, 0x00, 0x00, // binding request, no attributes
		0x21, 0x12, 0xa4, 0x42, // magic cookie
		1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12,
	}
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"empty", nil, "other"},
		{"stun", stunBinding, "stun"},
		{"dtls", []byte{22, 0xfe, 0xfd}, "dtls"},
		{"rtp", []byte{0x80, 0x60}, "rtp"},
		{"other", []byte{0xff}, "other"},
	}
	for _, tt := range tests {
		if got := Classify(tt.in); got != tt.want {
			t.Fatalf("%s: Classify=%q, want %q", tt.name, got, tt.want)
		}
	}
}
