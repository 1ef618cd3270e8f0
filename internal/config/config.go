// Package config loads the relay configuration from environment variables
// and command-line flags. Flags win over env vars; env vars win over
// defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roomcast/roomcast/internal/iceconf"
)

const (
	envVarListenAddr      = "ROOMCAST_LISTEN_ADDR"
	envVarPublicBaseURL   = "ROOMCAST_PUBLIC_BASE_URL"
	envVarMode            = "ROOMCAST_MODE"
	envVarLogFormat       = "ROOMCAST_LOG_FORMAT"
	envVarLogLevel        = "ROOMCAST_LOG_LEVEL"
	envVarShutdownTimeout = "ROOMCAST_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Signaling WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"

	// TURN credential vendor (Xirsys-style; basic auth over HTTPS).
	envVarICEVendorURL     = "ICE_VENDOR_URL"
	envVarICEVendorIdent   = "ICE_VENDOR_IDENT"
	envVarICEVendorSecret  = "ICE_VENDOR_SECRET"
	envVarICEVendorTimeout = "ICE_VENDOR_TIMEOUT"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
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
	ListenAddr    string
	PublicBaseURL string
	Mode          Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// AllowedOrigins restricts browser origins for the WebSocket upgrade and
	// CORS. Empty means same-host only.
	AllowedOrigins []string

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEVendorURL     string
	ICEVendorIdent   string
	ICEVendorSecret  string
	ICEVendorTimeout time.Duration
}

// VendorConfig adapts the vendor settings for the ICE credential service.
func (c Config) VendorConfig() iceconf.VendorConfig {
	return iceconf.VendorConfig{
		URL:     c.ICEVendorURL,
		Ident:   c.ICEVendorIdent,
		Secret:  c.ICEVendorSecret,
		Timeout: c.ICEVendorTimeout,
	}
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if !envLogFormatOK || envLogFormat == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if !envLogLevelOK || envLogLevel == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	shutdownTimeout := DefaultShutdown
	if raw, ok := lookup(envVarShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	iceVendorURL := envOrDefault(lookup, envVarICEVendorURL, "")
	iceVendorIdent := envOrDefault(lookup, envVarICEVendorIdent, "")
	iceVendorSecret := envOrDefault(lookup, envVarICEVendorSecret, "")

	iceVendorTimeout := iceconf.DefaultVendorTimeout
	if raw, ok := lookup(envVarICEVendorTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarICEVendorTimeout, raw, err)
		}
		iceVendorTimeout = d
	}

	fs := flag.NewFlagSet("roomcast-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Per-connection signaling rate limit (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.StringVar(&iceVendorURL, "ice-vendor-url", iceVendorURL, "TURN credential vendor URL (env "+envVarICEVendorURL+")")
	fs.StringVar(&iceVendorIdent, "ice-vendor-ident", iceVendorIdent, "TURN credential vendor ident (env "+envVarICEVendorIdent+")")
	fs.StringVar(&iceVendorSecret, "ice-vendor-secret", iceVendorSecret, "TURN credential vendor secret (env "+envVarICEVendorSecret+")")
	fs.DurationVar(&iceVendorTimeout, "ice-vendor-timeout", iceVendorTimeout, "TURN credential vendor request timeout (env "+envVarICEVendorTimeout+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be positive, got %s", shutdownTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max signaling message bytes must be positive, got %d", maxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("max signaling messages per second must be positive, got %d", maxSignalingMessagesPerSecond)
	}

	if iceVendorURL != "" {
		u, err := url.Parse(iceVendorURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return Config{}, fmt.Errorf("invalid %s %q: expected http(s) URL", envVarICEVendorURL, iceVendorURL)
		}
	}
	if (iceVendorIdent == "") != (iceVendorSecret == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envVarICEVendorIdent, envVarICEVendorSecret)
	}
	if iceVendorIdent != "" && iceVendorURL == "" {
		return Config{}, fmt.Errorf("%s is required when vendor credentials are set", envVarICEVendorURL)
	}

	return Config{
		ListenAddr:                    listenAddr,
		PublicBaseURL:                 publicBaseURL,
		Mode:                          mode,
		LogFormat:                     logFormat,
		LogLevel:                      logLevel,
		ShutdownTimeout:               shutdownTimeout,
		AllowedOrigins:                splitOrigins(allowedOriginsStr),
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		ICEVendorURL:                  iceVendorURL,
		ICEVendorIdent:                iceVendorIdent,
		ICEVendorSecret:               iceVendorSecret,
		ICEVendorTimeout:              iceVendorTimeout,
	}, nil
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

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func splitOrigins(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
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
