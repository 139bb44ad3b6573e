package sessionloop

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
)

var ErrDispatcherClosed = errors.New("sessionloop: dispatcher closed")

// FailurePolicy decides what a failed session loop does to the rest of the
// process.
type FailurePolicy string

const (
	// FailurePolicyExit reports the first loop failure through
	// DispatcherConfig.OnFatal so the process can exit.
	FailurePolicyExit FailurePolicy = "exit"
	// FailurePolicyIsolate only ends the failing session.
	FailurePolicyIsolate FailurePolicy = "isolate"
)

func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(FailurePolicyExit):
		return FailurePolicyExit, nil
	case string(FailurePolicyIsolate):
		return FailurePolicyIsolate, nil
	default:
		return "", fmt.Errorf("invalid session failure policy %q (expected %s or %s)", raw, FailurePolicyExit, FailurePolicyIsolate)
	}
}

type DispatcherConfig struct {
	Conn    PacketConn
	Local   netip.AddrPort
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Clock   Clock
	Policy  FailurePolicy
	// OnFatal is invoked at most once, from the failing loop's goroutine,
	// when Policy is FailurePolicyExit.
	OnFatal func(error)
}

// Dispatcher starts one loop per session and keeps track of the sessions
// that are still running. Spawn never waits for a loop to make progress.
type Dispatcher struct {
	cfg DispatcherConfig

	mu       sync.Mutex
	sessions map[string]engine.Session
	closed   bool
	wg       sync.WaitGroup

	fatalOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Conn != nil {
		cfg.Conn = newSharedSocket(cfg.Conn)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Policy == "" {
		cfg.Policy = FailurePolicyExit
	}
	return &Dispatcher{
		cfg:      cfg,
		sessions: make(map[string]engine.Session),
	}
}

// Spawn hands sess over to a new loop goroutine. The caller must not use
// sess afterwards.
func (d *Dispatcher) Spawn(id string, sess engine.Session) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.sessions[id] = sess
	d.wg.Add(1)
	d.mu.Unlock()

	log := d.cfg.Logger.With("session_id", id)
	loop := New(Options{
		Conn:    d.cfg.Conn,
		Local:   d.cfg.Local,
		Logger:  log,
		Metrics: d.cfg.Metrics,
		Clock:   d.cfg.Clock,
	})
	d.cfg.Metrics.SessionStarted()
	log.Info("session started", "local_addr", d.cfg.Local.String())

	go func() {
		defer d.wg.Done()
		err := loop.Run(sess)
		_ = sess.Close()
		closing := d.untrack(id)
		d.finish(log, err, closing)
	}()
	return nil
}

func (d *Dispatcher) untrack(id string) (closing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, id)
	return d.closed
}

func (d *Dispatcher) finish(log *slog.Logger, err error, closing bool) {
	switch {
	case err == nil:
		d.cfg.Metrics.SessionEnded(metrics.ResultDisconnected)
		log.Info("session ended")
	case closing && errors.Is(err, engine.ErrSessionClosed):
		d.cfg.Metrics.SessionEnded(metrics.ResultClosed)
		log.Debug("session closed during shutdown")
	default:
		d.cfg.Metrics.SessionEnded(metrics.ResultError)
		log.Error("session loop failed", "err", err, "policy", d.cfg.Policy)
		if d.cfg.Policy == FailurePolicyExit && d.cfg.OnFatal != nil {
			d.fatalOnce.Do(func() { d.cfg.OnFatal(err) })
		}
	}
}

// Active returns the number of running loops.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Close stops accepting sessions, closes the running ones and waits for
// their loops to return.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	sessions := make([]engine.Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.Close()
	}
	d.wg.Wait()
}
