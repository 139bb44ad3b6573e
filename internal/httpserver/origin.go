package httpserver

import (
	"net/http"

	"github.com/rs/cors"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/origin"
)

// corsMiddleware answers preflights and sets CORS headers for the configured
// origins. With no origins configured only same-origin callers are served,
// so the middleware is a no-op.
func corsMiddleware(allowedOrigins []string) Middleware {
	if len(allowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !origin.ContainsWildcard(allowedOrigins),
		MaxAge:           600,
	})
	return c.Handler
}

// AllowsOrigin reports whether a browser request from r's Origin may use the
// signaling endpoints. Requests without an Origin header and same-origin
// requests are always allowed.
func (s *Server) AllowsOrigin(r *http.Request) bool {
	return OriginAllowed(r, s.cfg.AllowedOrigins)
}

// OriginAllowed applies the origin policy to r against allowedOrigins.
func OriginAllowed(r *http.Request, allowedOrigins []string) bool {
	return origin.Allowed(r.Header.Get("Origin"), r.Host, allowedOrigins)
}
