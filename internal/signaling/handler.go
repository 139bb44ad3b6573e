package signaling

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/engine"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/sessionloop"
)

const (
	DefaultMaxOfferBytes = 64 << 10

	transportHTTP      = "http"
	transportWebSocket = "websocket"
)

//go:embed static/index.html
var static embed.FS

// Spawner takes ownership of a negotiated session.
type Spawner interface {
	Spawn(id string, sess engine.Session) error
}

// Limiter decides whether the client identified by key may submit another
// offer.
type Limiter interface {
	Allow(key string) bool
}

type Config struct {
	Engine  engine.Engine
	Spawner Spawner

	// Advertised is the address every answer names as its only candidate.
	Advertised netip.AddrPort

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// CheckOrigin decides whether a browser request may submit an offer,
	// over POST or as a WebSocket upgrade. Nil allows every origin.
	CheckOrigin func(r *http.Request) bool

	// Limiter is keyed by client IP. Nil disables rate limiting.
	Limiter Limiter

	MaxOfferBytes int64
}

type Handler struct {
	cfg  Config
	log  *slog.Logger
	page []byte
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("signaling: engine is required")
	}
	if cfg.Spawner == nil {
		return nil, errors.New("signaling: spawner is required")
	}
	if !cfg.Advertised.IsValid() {
		return nil, errors.New("signaling: advertised address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxOfferBytes <= 0 {
		cfg.MaxOfferBytes = DefaultMaxOfferBytes
	}

	page, err := static.ReadFile("static/index.html")
	if err != nil {
		return nil, fmt.Errorf("signaling: load page: %w", err)
	}
	return &Handler{cfg: cfg, log: cfg.Logger, page: page}, nil
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signal", h.handleWebSocket)
	mux.HandleFunc("POST /{$}", h.handleOffer)
	mux.HandleFunc("GET /", h.handlePage)
}

// ServeHTTP routes requests the same way RegisterRoutes does.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	mux.ServeHTTP(w, r)
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.page)
}

func (h *Handler) handleOffer(w http.ResponseWriter, r *http.Request) {
	// A cross-origin POST with a text/plain body needs no preflight, so CORS
	// headers alone do not stop it.
	if !h.originAllowed(r) {
		h.reject(w, transportHTTP, http.StatusForbidden, "origin_not_allowed", errOrigin)
		return
	}
	if !h.allow(r) {
		h.reject(w, transportHTTP, http.StatusTooManyRequests, "rate_limited", errRateLimited)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxOfferBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(w, transportHTTP, http.StatusRequestEntityTooLarge, "offer_too_large", err)
			return
		}
		h.reject(w, transportHTTP, http.StatusBadRequest, "bad_offer", err)
		return
	}

	offer, err := parseOffer(body)
	if err != nil {
		h.reject(w, transportHTTP, http.StatusBadRequest, "bad_offer", err)
		return
	}

	id, answer, err := h.negotiate(offer)
	if err != nil {
		status, code := negotiationStatus(err)
		h.reject(w, transportHTTP, status, code, err)
		return
	}

	h.cfg.Metrics.Offer(transportHTTP, metrics.OfferAccepted)
	w.Header().Set("X-Session-ID", id)
	httpserver.WriteJSON(w, http.StatusOK, answer)
}

func (h *Handler) reject(w http.ResponseWriter, transport string, status int, code string, err error) {
	result := metrics.OfferRejected
	if status >= http.StatusInternalServerError {
		result = metrics.OfferFailed
		h.log.Error("offer failed", "transport", transport, "code", code, "err", err)
	} else {
		h.log.Debug("offer rejected", "transport", transport, "code", code, "err", err)
	}
	h.cfg.Metrics.Offer(transport, result)
	httpserver.WriteJSON(w, status, errorResponse{Code: code, Message: err.Error()})
}

// negotiate builds an ICE-lite session for offer, registers the advertised
// host candidate, produces the answer and hands the session to the spawner.
// The session is closed on every failure path before the hand-off.
func (h *Handler) negotiate(offer engine.SessionDescription) (string, engine.SessionDescription, error) {
	sess, err := h.cfg.Engine.NewSession(engine.Config{ICELite: true})
	if err != nil {
		return "", engine.SessionDescription{}, fmt.Errorf("create session: %w", err)
	}

	if err := sess.AddLocalCandidate(engine.HostCandidate(h.cfg.Advertised)); err != nil {
		_ = sess.Close()
		return "", engine.SessionDescription{}, fmt.Errorf("add local candidate: %w", err)
	}

	answer, err := sess.Negotiate(offer)
	if err != nil {
		_ = sess.Close()
		return "", engine.SessionDescription{}, fmt.Errorf("negotiate: %w", err)
	}

	id := uuid.NewString()
	if err := h.cfg.Spawner.Spawn(id, sess); err != nil {
		_ = sess.Close()
		return "", engine.SessionDescription{}, fmt.Errorf("spawn session: %w", err)
	}
	return id, answer, nil
}

func (h *Handler) originAllowed(r *http.Request) bool {
	return h.cfg.CheckOrigin == nil || h.cfg.CheckOrigin(r)
}

func (h *Handler) allow(r *http.Request) bool {
	if h.cfg.Limiter == nil {
		return true
	}
	return h.cfg.Limiter.Allow(clientIP(r))
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func negotiationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrInvalidDescription):
		return http.StatusBadRequest, "bad_offer"
	case errors.Is(err, sessionloop.ErrDispatcherClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
