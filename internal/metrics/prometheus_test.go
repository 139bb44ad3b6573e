package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestHandler_ExposesCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Offer("http", OfferAccepted)
	m.SessionStarted()
	m.Datagram(DirectionIn, "stun", 20)
	m.Datagram(DirectionIn, "dtls", 30)
	m.SessionEnded(ResultDisconnected)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`aero_webrtc_lite_peer_offers_total{result="accepted",transport="http"} 1`,
		`aero_webrtc_lite_peer_sessions_active 0`,
		`aero_webrtc_lite_peer_sessions_ended_total{result="disconnected"} 1`,
		`aero_webrtc_lite_peer_datagrams_total{class="stun",direction="in"} 1`,
		`aero_webrtc_lite_peer_datagram_bytes_total{direction="in"} 50`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q in:\n%s", want, body)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Offer("http", OfferRejected)
	m.SessionStarted()
	m.SessionEnded(ResultError)
	m.Datagram(DirectionOut, "other", 1)
	m.DeadlineInput(DeadlineReadTimeout)
	m.EngineDrop(DropInboundQueueFull)
}
