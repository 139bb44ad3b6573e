package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"
	"golang.org/x/sync/errgroup"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/hostaddr"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/sessionloop"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	n, err := stdnet.NewNet()
	if err != nil {
		logger.Error("failed to enumerate network interfaces", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger, n)
	stop()
	if err != nil {
		logger.Error("exiting", "err", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, the HTTP server fails or a session loop
// fails under the exit policy. Only the first two end with a nil error when
// the shutdown itself succeeds.
func run(ctx context.Context, cfg config.Config, logger *slog.Logger, n transport.Net) error {
	logger.Info("starting aero-webrtc-lite-peer",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"nat_mode", cfg.NATMode(),
		"session_failure_policy", cfg.SessionFailurePolicy,
		"env_file", cfg.EnvFile,
	)

	binding, err := hostaddr.Bind(n, cfg.HostOptions())
	if err != nil {
		return fmt.Errorf("bind udp socket: %w", err)
	}
	defer binding.Conn.Close()

	switch binding.Mode {
	case hostaddr.ModePublic:
		logger.Info("running behind NAT", "bind", binding.Bound.String(), "public", binding.Advertised.Addr().String())
	default:
		logger.Info("running with a detected host address", "bind", binding.Bound.String())
	}
	logger.Info("udp socket bound", "bound", binding.Bound.String(), "advertised_candidate", binding.Advertised.String())

	tlsConfig, selfSigned, err := httpserver.LoadTLSConfig(cfg)
	if err != nil {
		return err
	}
	logStartupWarnings(logger, cfg, selfSigned)

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	eng := webrtcpeer.NewEngine(webrtcpeer.Options{
		Logger:             logger,
		Metrics:            m,
		GatherTimeout:      cfg.ICEGatherTimeout,
		PollInterval:       cfg.PollInterval,
		OutboundQueueBytes: cfg.OutboundQueueBytes,
	})
	defer eng.Close()

	fatal := make(chan error, 1)
	dispatcher := sessionloop.NewDispatcher(sessionloop.DispatcherConfig{
		Conn:    binding.Conn,
		Local:   binding.Advertised,
		Logger:  logger,
		Metrics: m,
		Policy:  cfg.SessionFailurePolicy,
		OnFatal: func(err error) {
			select {
			case fatal <- err:
			default:
			}
		},
	})
	defer dispatcher.Close()

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt}, tlsConfig)
	srv.SetReadinessCheck(dispatcherReadiness(dispatcher))

	sigCfg := signaling.Config{
		Engine:      eng,
		Spawner:     dispatcher,
		Advertised:  binding.Advertised,
		Logger:      logger,
		Metrics:     m,
		CheckOrigin: srv.AllowsOrigin,
	}
	if cfg.MaxOffersPerSecond > 0 {
		rate := int64(cfg.MaxOffersPerSecond)
		sigCfg.Limiter = ratelimit.NewKeyed(ratelimit.RealClock{}, rate, 2*rate, ratelimit.DefaultMaxKeys)
	}
	sig, err := signaling.NewHandler(sigCfg)
	if err != nil {
		return err
	}
	sig.RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.Handler(reg))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info(fmt.Sprintf("Connect a browser to %s", connectURL(binding.Advertised.Addr(), ln.Addr(), tlsConfig != nil)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var cause error
		select {
		case <-gctx.Done():
			logger.Info("shutting down")
		case err := <-fatal:
			cause = fmt.Errorf("session loop failed: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		return cause
	})

	err = g.Wait()
	dispatcher.Close()
	logger.Info("stopped", "active_sessions", dispatcher.Active())
	return err
}

// dispatcherReadiness reports not ready once the dispatcher stops accepting
// sessions, since every offer would then fail with 503.
func dispatcherReadiness(d *sessionloop.Dispatcher) func() error {
	return func() error {
		if d.Closed() {
			return sessionloop.ErrDispatcherClosed
		}
		return nil
	}
}

// connectURL is the page browsers should open: the advertised host with the
// signaling server's port.
func connectURL(host netip.Addr, listen net.Addr, secure bool) string {
	scheme := "https"
	if !secure {
		scheme = "http"
	}
	var port uint16
	if tcp, ok := listen.(*net.TCPAddr); ok {
		port = uint16(tcp.Port)
	}
	return scheme + "://" + netip.AddrPortFrom(host, port).String()
}
