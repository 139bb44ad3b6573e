package httpserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/config"
)

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Server serves the signaling routes registered on Mux next to the
// operational endpoints (/healthz, /readyz, /version).
type Server struct {
	log   *slog.Logger
	build BuildInfo
	tls   *tls.Config

	serving   atomic.Bool
	readiness atomic.Pointer[func() error]

	mux        *http.ServeMux
	httpServer *http.Server
}

// New builds the signaling HTTP server. With a nil tlsConfig the server
// speaks plain HTTP, which is only used by tests.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, tlsConfig *tls.Config) *Server {
	s := &Server{
		log:   logger,
		build: build,
		tls:   tlsConfig,
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.HandleFunc("GET /version", s.handleVersion)

	s.httpServer = &http.Server{
		Addr: cfg.ListenAddr,
		Handler: chain(s.mux,
			recoverMiddleware(logger),
			requestIDMiddleware(),
			requestLoggerMiddleware(logger),
			corsMiddleware(cfg.AllowedOrigins),
		),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
		// /signal upgrades to a WebSocket, so no read/write timeouts.
	}
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// SetReadinessCheck installs a check consulted by /readyz once the server is
// serving. A non-nil error reports the server as not ready.
func (s *Server) SetReadinessCheck(check func() error) {
	s.readiness.Store(&check)
}

// Serve accepts connections on l until Shutdown or Close. The listener is
// wrapped in TLS when the server was built with a TLS config.
func (s *Server) Serve(l net.Listener) error {
	s.serving.Store(true)
	defer s.serving.Store(false)

	if s.tls != nil {
		s.log.Info("https server serving", "addr", l.Addr().String())
		l = tls.NewListener(l, s.tls)
	} else {
		s.log.Info("http server serving", "addr", l.Addr().String())
	}
	return s.httpServer.Serve(l)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// If ctx expires first the remaining connections are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serving.Store(false)
	err := s.httpServer.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if cerr := s.Close(); cerr != nil {
			return errors.Join(err, cerr)
		}
	}
	return err
}

// Close closes the listener and every connection, including hijacked
// WebSockets still being negotiated.
func (s *Server) Close() error {
	s.serving.Store(false)
	return s.httpServer.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.serving.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	if check := s.readiness.Load(); check != nil {
		if err := (*check)(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.build)
}

// WriteJSON writes v as the JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
