package httpserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		ListenAddr:      "127.0.0.1:0",
		LogFormat:       config.LogFormatText,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: 2 * time.Second,
		Mode:            config.ModeDev,
	}
}

func startTestServer(t *testing.T, cfg config.Config, tlsConfig *tls.Config, setup func(*Server)) (baseURL string) {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Commit: "abc", BuildTime: "time"}
	srv := New(cfg, log, build, tlsConfig)
	if setup != nil {
		setup(srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	scheme := "http://"
	if tlsConfig != nil {
		scheme = "https://"
	}
	return scheme + ln.Addr().String()
}

func TestHealthzReadyzVersion(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, nil)

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/healthz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var body map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["ok"] != true {
			t.Fatalf("body=%v, want ok=true", body)
		}
	})

	t.Run("readyz", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/readyz")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("version", func(t *testing.T) {
		resp, err := http.Get(baseURL + "/version")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
		}
		var got BuildInfo
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		want := BuildInfo{Commit: "abc", BuildTime: "time"}
		if got != want {
			t.Fatalf("got=%+v, want=%+v", got, want)
		}
	})

	t.Run("request id", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("X-Request-ID", "req-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		defer resp.Body.Close()
		if got := resp.Header.Get("X-Request-ID"); got != "req-1" {
			t.Fatalf("X-Request-ID=%q, want %q", got, "req-1")
		}
	})
}

func TestReadyzFailsWhenCheckFails(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.SetReadinessCheck(func() error { return errors.New("dispatcher closed") })
	})

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "dispatcher closed" {
		t.Fatalf("body=%v, want error", body)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, func(s *Server) {
		s.Mux().HandleFunc("GET /panic", func(http.ResponseWriter, *http.Request) {
			panic("boom")
		})
	})

	resp, err := http.Get(baseURL + "/panic")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != "internal_error" {
		t.Fatalf("body=%v, want code internal_error", body)
	}

	// The server keeps serving after a handler panic.
	resp2, err := http.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp2.StatusCode, http.StatusOK)
	}
}

func TestRequestIDIsAssignedWhenMissingOrInvalid(t *testing.T) {
	baseURL := startTestServer(t, testConfig(), nil, nil)

	for _, sent := range []string{"", "has space", strings.Repeat("x", maxRequestIDLen+1)} {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/healthz", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if sent != "" {
			req.Header.Set("X-Request-ID", sent)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		resp.Body.Close()

		got := resp.Header.Get("X-Request-ID")
		if got == sent {
			t.Fatalf("X-Request-ID %q was echoed, want a fresh id", sent)
		}
		if _, err := uuid.Parse(got); err != nil {
			t.Fatalf("X-Request-ID=%q is not a UUID: %v", got, err)
		}
	}
}

func TestShutdownClosesConnectionsAfterTimeout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var srv *Server
	baseURL := startTestServer(t, testConfig(), nil, func(s *Server) {
		srv = s
		s.Mux().HandleFunc("GET /slow", func(w http.ResponseWriter, r *http.Request) {
			close(entered)
			<-release
		})
	})
	t.Cleanup(func() { close(release) })

	reqErr := make(chan error, 1)
	go func() {
		resp, err := http.Get(baseURL + "/slow")
		if err == nil {
			resp.Body.Close()
		}
		reqErr <- err
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("slow handler never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown err=%v, want %v", err, context.DeadlineExceeded)
	}

	select {
	case err := <-reqErr:
		if err == nil {
			t.Fatalf("request in flight succeeded, want connection closed")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("request in flight was not cut off by Shutdown")
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	baseURL := startTestServer(t, cfg, nil, func(s *Server) {
		s.Mux().HandleFunc("POST /offer", func(w http.ResponseWriter, r *http.Request) {
			WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
	})

	cases := []struct {
		origin    string
		wantAllow string
	}{
		{origin: "https://app.example.com", wantAllow: "https://app.example.com"},
		{origin: "https://evil.example.com", wantAllow: ""},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(http.MethodOptions, baseURL+"/offer", nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", tc.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", "Content-Type")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.wantAllow {
			t.Fatalf("origin %s: Access-Control-Allow-Origin=%q, want %q", tc.origin, got, tc.wantAllow)
		}
	}
}

func TestOriginAllowed(t *testing.T) {
	cases := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "peer.example.com:3000", want: true},
		{name: "same origin", origin: "https://peer.example.com:3000", host: "peer.example.com:3000", want: true},
		{name: "cross origin denied", origin: "https://evil.example.com", host: "peer.example.com:3000", want: false},
		{name: "allow list", origin: "https://App.example.com", host: "peer.example.com:3000", allowed: []string{"https://app.example.com"}, want: true},
		{name: "wildcard", origin: "https://any.example.com", host: "peer.example.com:3000", allowed: []string{"*"}, want: true},
		{name: "garbage", origin: "::::", host: "peer.example.com:3000", allowed: []string{"*"}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "https://"+tc.host+"/signal", nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if tc.origin != "" {
				r.Header.Set("Origin", tc.origin)
			}
			if got := OriginAllowed(r, tc.allowed); got != tc.want {
				t.Fatalf("OriginAllowed=%v, want %v", got, tc.want)
			}
		})
	}
}

func TestServeTLSWithSelfSignedCertificate(t *testing.T) {
	tlsConfig, selfSigned, err := LoadTLSConfig(testConfig())
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if !selfSigned {
		t.Fatalf("selfSigned=false, want true")
	}

	baseURL := startTestServer(t, testConfig(), tlsConfig, nil)

	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.TLS == nil {
		t.Fatalf("expected a TLS connection")
	}
}

func TestLoadTLSConfig_Errors(t *testing.T) {
	prod := testConfig()
	prod.Mode = config.ModeProd
	if _, _, err := LoadTLSConfig(prod); !errors.Is(err, ErrCertificateRequired) {
		t.Fatalf("err=%v, want %v", err, ErrCertificateRequired)
	}

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(keyFile, []byte("not a key"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	withFiles := testConfig()
	withFiles.TLSCertFile = certFile
	withFiles.TLSKeyFile = keyFile
	if _, _, err := LoadTLSConfig(withFiles); err == nil {
		t.Fatalf("expected error for invalid certificate files")
	}
}
