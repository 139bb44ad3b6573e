package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/hostaddr"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/origin"
	"github.com/wilsonzlin/aero/proxy/webrtc-lite-peer/internal/sessionloop"
)

const (
	envVarPrefix = "AERO_WEBRTC_LITE_PEER_"

	// The NAT-mode variables keep their bare names so existing container
	// setups keep working.
	EnvPublicIP       = "PUBLIC_IP"
	EnvBindIP         = "BIND_IP"
	EnvAllowedOrigins = "ALLOWED_ORIGINS"

	EnvEnvFile = envVarPrefix + "ENV_FILE"

	DefaultListenAddr           = "0.0.0.0:3000"
	DefaultEnvFile              = ".env"
	DefaultShutdown             = 15 * time.Second
	DefaultICEGatherTimeout     = 5 * time.Second
	DefaultPollInterval         = 20 * time.Millisecond
	DefaultOutboundQueueBytes   = 1 << 20 // 1MiB
	DefaultUDPPort              = hostaddr.DefaultUDPPort
	DefaultMaxOffersPerSecond   = 10
	DefaultMode                 = ModeDev
	DefaultSessionFailurePolicy = sessionloop.FailurePolicyExit
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string

	// PublicIP selects NAT mode when valid.
	PublicIP netip.Addr
	// BindIP is only used in NAT mode. The zero value binds the unspecified
	// address of PublicIP's family.
	BindIP  netip.Addr
	UDPPort uint16

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout  time.Duration
	ICEGatherTimeout time.Duration

	// AllowedOrigins lists the browser origins allowed to call the signaling
	// endpoints cross-origin. "*" allows any origin.
	AllowedOrigins []string

	SessionFailurePolicy sessionloop.FailurePolicy
	PollInterval         time.Duration
	OutboundQueueBytes   int

	// MaxOffersPerSecond limits offers per client IP. 0 disables the limit.
	MaxOffersPerSecond int

	// EnvFile is the dotenv file that was merged into the environment, if
	// any.
	EnvFile string
}

// NATMode reports whether a public address was configured.
func (c Config) NATMode() bool {
	return c.PublicIP.IsValid()
}

// HostOptions returns the resolver options for this configuration.
func (c Config) HostOptions() hostaddr.Options {
	return hostaddr.Options{PublicIP: c.PublicIP, BindIP: c.BindIP, Port: c.UDPPort}
}

// envConfig is the environment layer. Flags default to these values.
type envConfig struct {
	ListenAddr           string        `env:"AERO_WEBRTC_LITE_PEER_LISTEN_ADDR" envDefault:"0.0.0.0:3000"`
	TLSCertFile          string        `env:"AERO_WEBRTC_LITE_PEER_TLS_CERT_FILE"`
	TLSKeyFile           string        `env:"AERO_WEBRTC_LITE_PEER_TLS_KEY_FILE"`
	PublicIP             string        `env:"PUBLIC_IP"`
	BindIP               string        `env:"BIND_IP"`
	UDPPort              uint16        `env:"AERO_WEBRTC_LITE_PEER_UDP_PORT" envDefault:"10000"`
	Mode                 string        `env:"AERO_WEBRTC_LITE_PEER_MODE" envDefault:"dev"`
	LogFormat            string        `env:"AERO_WEBRTC_LITE_PEER_LOG_FORMAT"`
	LogLevel             string        `env:"AERO_WEBRTC_LITE_PEER_LOG_LEVEL"`
	ShutdownTimeout      time.Duration `env:"AERO_WEBRTC_LITE_PEER_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	ICEGatherTimeout     time.Duration `env:"AERO_WEBRTC_LITE_PEER_ICE_GATHER_TIMEOUT" envDefault:"5s"`
	AllowedOrigins       string        `env:"ALLOWED_ORIGINS"`
	SessionFailurePolicy string        `env:"AERO_WEBRTC_LITE_PEER_SESSION_FAILURE_POLICY" envDefault:"exit"`
	PollInterval         time.Duration `env:"AERO_WEBRTC_LITE_PEER_POLL_INTERVAL" envDefault:"20ms"`
	OutboundQueueBytes   int           `env:"AERO_WEBRTC_LITE_PEER_OUTBOUND_QUEUE_BYTES" envDefault:"1048576"`
	MaxOffersPerSecond   int           `env:"AERO_WEBRTC_LITE_PEER_MAX_OFFERS_PER_SECOND" envDefault:"10"`
}

func Load(args []string) (Config, error) {
	return load(env.ToMap(os.Environ()), args)
}

func load(environ map[string]string, args []string) (Config, error) {
	envFile, explicitEnvFile := findEnvFile(environ, args)
	environ, loaded, err := mergeEnvFile(environ, envFile, explicitEnvFile)
	if err != nil {
		return Config{}, err
	}
	if !loaded {
		envFile = ""
	}

	var ec envConfig
	if err := env.ParseWithOptions(&ec, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	modeDefault := ec.Mode
	logFormatDefault := ec.LogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	logLevelDefault := ec.LogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	var (
		modeStr, logFormatStr, logLevelStr string
		publicIPStr, bindIPStr             string
		failurePolicyStr                   string
		udpPort                            uint
		envFileFlag                        string
	)

	flags := flag.NewFlagSet("aero-webrtc-lite-peer", flag.ContinueOnError)
	flags.StringVar(&ec.ListenAddr, "listen-addr", ec.ListenAddr, "HTTPS signaling listen address (host:port)")
	flags.StringVar(&ec.TLSCertFile, "tls-cert-file", ec.TLSCertFile, "PEM certificate for the signaling server (self-signed in dev mode when unset)")
	flags.StringVar(&ec.TLSKeyFile, "tls-key-file", ec.TLSKeyFile, "PEM private key for --tls-cert-file")
	flags.StringVar(&publicIPStr, "public-ip", ec.PublicIP, "Public IP to advertise; enables NAT mode (env "+EnvPublicIP+")")
	flags.StringVar(&bindIPStr, "bind-ip", ec.BindIP, "Local IP to bind in NAT mode (env "+EnvBindIP+")")
	flags.UintVar(&udpPort, "udp-port", uint(ec.UDPPort), "UDP port bound in NAT mode")
	flags.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	flags.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	flags.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	flags.DurationVar(&ec.ShutdownTimeout, "shutdown-timeout", ec.ShutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	flags.DurationVar(&ec.ICEGatherTimeout, "ice-gather-timeout", ec.ICEGatherTimeout, "Max time to wait for the answer's ICE candidates (e.g. 5s)")
	flags.StringVar(&ec.AllowedOrigins, "allowed-origins", ec.AllowedOrigins, "Comma-separated list of allowed browser origins (env "+EnvAllowedOrigins+")")
	flags.StringVar(&failurePolicyStr, "session-failure-policy", ec.SessionFailurePolicy, "What a failed session does to the process: exit or isolate")
	flags.DurationVar(&ec.PollInterval, "poll-interval", ec.PollInterval, "How long a session loop waits for a datagram before polling again")
	flags.IntVar(&ec.OutboundQueueBytes, "outbound-queue-bytes", ec.OutboundQueueBytes, "Bytes of outbound datagrams buffered per advertised address")
	flags.IntVar(&ec.MaxOffersPerSecond, "max-offers-per-second", ec.MaxOffersPerSecond, "Offers accepted per second from one client IP (0 disables the limit)")
	flags.StringVar(&envFileFlag, "env-file", envFile, "dotenv file merged into the environment (env "+EnvEnvFile+")")

	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if flags.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	setFlags := map[string]bool{}
	flags.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if ec.LogFormat == "" && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if ec.LogLevel == "" && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	publicIP, err := parseOptionalIP(publicIPStr, EnvPublicIP, "public-ip")
	if err != nil {
		return Config{}, err
	}
	bindIP, err := parseOptionalIP(bindIPStr, EnvBindIP, "bind-ip")
	if err != nil {
		return Config{}, err
	}

	failurePolicy, err := sessionloop.ParseFailurePolicy(failurePolicyStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(ec.AllowedOrigins)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", EnvAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:           strings.TrimSpace(ec.ListenAddr),
		TLSCertFile:          strings.TrimSpace(ec.TLSCertFile),
		TLSKeyFile:           strings.TrimSpace(ec.TLSKeyFile),
		PublicIP:             publicIP,
		BindIP:               bindIP,
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      ec.ShutdownTimeout,
		ICEGatherTimeout:     ec.ICEGatherTimeout,
		AllowedOrigins:       allowedOrigins,
		SessionFailurePolicy: failurePolicy,
		PollInterval:         ec.PollInterval,
		OutboundQueueBytes:   ec.OutboundQueueBytes,
		MaxOffersPerSecond:   ec.MaxOffersPerSecond,
		EnvFile:              envFile,
	}
	if udpPort > 65535 {
		return Config{}, fmt.Errorf("--udp-port must be <= 65535 (got %d)", udpPort)
	}
	cfg.UDPPort = uint16(udpPort)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("--listen-addr must not be empty")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid --listen-addr %q: %w", c.ListenAddr, err)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("--tls-cert-file and --tls-key-file must be set together")
	}
	if c.Mode == ModeProd && c.TLSCertFile == "" {
		return errors.New("--tls-cert-file and --tls-key-file are required in prod mode")
	}
	if c.PublicIP.IsValid() {
		if c.PublicIP.IsUnspecified() {
			return fmt.Errorf("%s/--public-ip must not be unspecified (got %s)", EnvPublicIP, c.PublicIP)
		}
		if c.BindIP.IsValid() && c.BindIP.Is4() != c.PublicIP.Is4() {
			return fmt.Errorf("%s/--bind-ip %s and %s/--public-ip %s must be the same address family", EnvBindIP, c.BindIP, EnvPublicIP, c.PublicIP)
		}
		if c.UDPPort == 0 {
			return errors.New("--udp-port must be > 0")
		}
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("--shutdown-timeout must be > 0")
	}
	if c.ICEGatherTimeout <= 0 {
		return errors.New("--ice-gather-timeout must be > 0")
	}
	if c.PollInterval <= 0 {
		return errors.New("--poll-interval must be > 0")
	}
	if c.OutboundQueueBytes <= 0 {
		return errors.New("--outbound-queue-bytes must be > 0")
	}
	if c.MaxOffersPerSecond < 0 {
		return errors.New("--max-offers-per-second must be >= 0")
	}
	return nil
}

// findEnvFile looks for --env-file ahead of flag parsing, since the file
// feeds the defaults of every other flag.
func findEnvFile(environ map[string]string, args []string) (path string, explicit bool) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "env-file" {
			continue
		}
		if !hasValue && i+1 < len(args) {
			value = args[i+1]
			i++
		}
		path = value
		explicit = true
	}
	if explicit {
		return path, true
	}
	if v := strings.TrimSpace(environ[EnvEnvFile]); v != "" {
		return v, true
	}
	return DefaultEnvFile, false
}

// mergeEnvFile fills variables missing from environ with those in path. A
// missing default file is not an error.
func mergeEnvFile(environ map[string]string, path string, explicit bool) (map[string]string, bool, error) {
	merged := make(map[string]string, len(environ))
	for k, v := range environ {
		merged[k] = v
	}
	if path == "" {
		return merged, false, nil
	}

	fileEnv, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return merged, false, nil
		}
		return nil, false, fmt.Errorf("read env file %q: %w", path, err)
	}
	for k, v := range fileEnv {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged, true, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseOptionalIP(raw, envName, flagName string) (netip.Addr, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Addr{}, nil
	}
	ip, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid %s/--%s %q: %w", envName, flagName, raw, err)
	}
	return ip.Unmap(), nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == origin.Wildcard {
			out = append(out, entry)
			continue
		}

		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q: expected full origin like https://example.com", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

