package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "aero_webrtc_lite_peer"

// Datagram directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Session end results.
const (
	ResultDisconnected = "disconnected"
	ResultError        = "error"
	ResultClosed       = "closed"
)

// Offer results.
const (
	OfferAccepted = "accepted"
	OfferRejected = "rejected"
	OfferFailed   = "failed"
)

// Reasons a DeadlineElapsed input was fed to a session.
const (
	DeadlineAlreadyPassed = "already_passed"
	DeadlineReadTimeout   = "read_timeout"
)

// Engine drop reasons.
const (
	DropInboundQueueFull   = "inbound_queue_full"
	DropOutboundQueueFull  = "outbound_queue_full"
	DropUnknownDestination = "unknown_destination"
)

// Metrics holds the Prometheus collectors for the process. All methods are
// safe to call on a nil *Metrics, which makes metrics optional for tests and
// embedders.
type Metrics struct {
	offers         *prometheus.CounterVec
	sessionsActive prometheus.Gauge
	sessionsEnded  *prometheus.CounterVec
	datagrams      *prometheus.CounterVec
	datagramBytes  *prometheus.CounterVec
	deadlineInputs *prometheus.CounterVec
	engineDrops    *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		offers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_total",
			Help:      "Offers received, by signaling transport and result.",
		}, []string{"transport", "result"}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Session loops currently running.",
		}),
		sessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Session loops that returned, by result.",
		}, []string{"result"}),
		datagrams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_total",
			Help:      "UDP datagrams moved by session loops, by direction and protocol class.",
		}, []string{"direction", "class"}),
		datagramBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagram_bytes_total",
			Help:      "UDP payload bytes moved by session loops, by direction.",
		}, []string{"direction"}),
		deadlineInputs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_inputs_total",
			Help:      "Deadline-elapsed inputs fed to sessions, by reason.",
		}, []string{"reason"}),
		engineDrops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_drops_total",
			Help:      "Datagrams dropped inside the session engine, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) Offer(transport, result string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(transport, result).Inc()
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(result string) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsEnded.WithLabelValues(result).Inc()
}

func (m *Metrics) Datagram(direction, class string, n int) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues(direction, class).Inc()
	m.datagramBytes.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) DeadlineInput(reason string) {
	if m == nil {
		return
	}
	m.deadlineInputs.WithLabelValues(reason).Inc()
}

func (m *Metrics) EngineDrop(reason string) {
	if m == nil {
		return
	}
	m.engineDrops.WithLabelValues(reason).Inc()
}
