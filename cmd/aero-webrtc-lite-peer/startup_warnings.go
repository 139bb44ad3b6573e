package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/sessionloop"
)

// maxPollInterval is where the tick-driven outbound path starts to add
// noticeable latency to DTLS/SCTP retransmissions.
const maxPollInterval = 100 * time.Millisecond

func logStartupWarnings(logger *slog.Logger, cfg config.Config, selfSigned bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if selfSigned {
		logger.Warn("startup warning: serving signaling with a self-signed certificate (browsers will show a certificate warning)",
			"warning_code", "self_signed_certificate",
			"mode", cfg.Mode,
		)
	}

	if cfg.BindIP.IsValid() && !cfg.PublicIP.IsValid() {
		logger.Warn("startup warning: BIND_IP is ignored without PUBLIC_IP",
			"warning_code", "bind_ip_ignored",
			"bind_ip", cfg.BindIP.String(),
		)
	}

	if cfg.PublicIP.IsValid() && (cfg.PublicIP.IsPrivate() || cfg.PublicIP.IsLoopback()) {
		logger.Warn("startup warning: PUBLIC_IP is not a public address (only browsers on the same network can connect)",
			"warning_code", "public_ip_not_public",
			"public_ip", cfg.PublicIP.String(),
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SessionFailurePolicy == sessionloop.FailurePolicyExit {
		logger.Warn("startup warning: --session-failure-policy=exit while --mode=prod (one failing session stops the process)",
			"warning_code", "session_failure_policy_exit_in_prod",
			"session_failure_policy", cfg.SessionFailurePolicy,
			"mode", cfg.Mode,
		)
	}

	if cfg.PollInterval > maxPollInterval {
		logger.Warn("startup warning: --poll-interval is large (delays outbound datagrams)",
			"warning_code", "poll_interval_large",
			"poll_interval", cfg.PollInterval,
		)
	}
}
