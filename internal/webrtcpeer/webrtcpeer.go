// Package webrtcpeer implements the engine boundary on top of pion/webrtc.
//
// pion owns its own goroutines and timers, so sessions are bridged to the
// poll/feed contract through a virtual packet conn per advertised address.
// The conn sits under pion's ICE UDP mux: datagrams fed to any session on
// that address are handed to the mux, which routes them by ICE ufrag and
// remote address, and everything pion writes is queued until a session
// loop polls it out as a Send action.
package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

const (
	DefaultGatherTimeout      = 5 * time.Second
	DefaultPollInterval       = 20 * time.Millisecond
	DefaultOutboundQueueBytes = 1 << 20
	DefaultInboundQueueLen    = 1024
)

var errEngineClosed = errors.New("webrtcpeer: engine closed")

type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// GatherTimeout bounds how long Negotiate waits for the answer's
	// candidates.
	GatherTimeout time.Duration
	// PollInterval is how far in the future PollAction schedules its Wait
	// when nothing is pending.
	PollInterval time.Duration
	// OutboundQueueBytes bounds the datagrams pion has written that no
	// session loop has polled yet, per advertised address.
	OutboundQueueBytes int
	InboundQueueLen    int

	// Now is used for Wait deadlines. Defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = DefaultGatherTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.OutboundQueueBytes <= 0 {
		o.OutboundQueueBytes = DefaultOutboundQueueBytes
	}
	if o.InboundQueueLen <= 0 {
		o.InboundQueueLen = DefaultInboundQueueLen
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Engine creates pion-backed sessions. It is safe for concurrent use.
type Engine struct {
	opts    Options
	loggers *slogLoggerFactory

	mu      sync.Mutex
	fabrics map[netip.AddrPort]*fabric
	closed  bool
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		opts:    opts,
		loggers: newSlogLoggerFactory(opts.Logger),
		fabrics: make(map[netip.AddrPort]*fabric),
	}
}

func (e *Engine) NewSession(cfg engine.Config) (engine.Session, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, errEngineClosed
	}
	return newSession(e, cfg), nil
}

// Close tears down every fabric. Sessions should be closed first.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	fabrics := make([]*fabric, 0, len(e.fabrics))
	for _, f := range e.fabrics {
		fabrics = append(fabrics, f)
	}
	e.fabrics = nil
	e.mu.Unlock()

	var errs []error
	for _, f := range fabrics {
		errs = append(errs, f.close())
	}
	return errors.Join(errs...)
}

// fabricFor returns the fabric serving addr, creating it on first use.
func (e *Engine) fabricFor(addr netip.AddrPort) (*fabric, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errEngineClosed
	}
	if f, ok := e.fabrics[addr]; ok {
		return f, nil
	}
	f := newFabric(addr, e.opts, e.loggers)
	e.fabrics[addr] = f
	e.opts.Logger.Debug("webrtc fabric created", "addr", addr.String())
	return f, nil
}

// fabric is everything shared by the sessions advertised on one address.
type fabric struct {
	addr    netip.AddrPort
	conn    *muxConn
	mux     ice.UDPMux
	loggers *slogLoggerFactory

	mu   sync.Mutex
	apis map[bool]*webrtc.API
}

func newFabric(addr netip.AddrPort, opts Options, loggers *slogLoggerFactory) *fabric {
	conn := newMuxConn(addr, opts.InboundQueueLen, opts.OutboundQueueBytes, opts.Metrics)
	return &fabric{
		addr:    addr,
		conn:    conn,
		mux:     webrtc.NewICEUDPMux(loggers.NewLogger("ice-udp-mux"), conn),
		loggers: loggers,
		apis:    make(map[bool]*webrtc.API),
	}
}

// api returns the API for sessions on this fabric; lite and full ICE
// agents need distinct setting engines.
func (f *fabric) api(lite bool) *webrtc.API {
	f.mu.Lock()
	defer f.mu.Unlock()
	if api, ok := f.apis[lite]; ok {
		return api
	}
	se := webrtc.SettingEngine{LoggerFactory: f.loggers}
	applyNetworkSettings(&se, f.addr, f.mux, lite)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))
	f.apis[lite] = api
	return api
}

// applyNetworkSettings restricts gathering to the single host candidate the
// mux advertises.
func applyNetworkSettings(se *webrtc.SettingEngine, addr netip.AddrPort, mux ice.UDPMux, lite bool) {
	se.SetLite(lite)
	se.SetICEUDPMux(mux)
	if addr.Addr().Is4() {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	} else {
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP6})
	}
	se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	// Loopback addresses are advertised as-is when the process is bound to
	// one.
	se.SetIncludeLoopbackCandidate(true)
}

func (f *fabric) close() error {
	muxErr := f.mux.Close()
	connErr := f.conn.Close()
	if muxErr != nil {
		return fmt.Errorf("close ice udp mux %s: %w", f.addr, muxErr)
	}
	return connErr
}
