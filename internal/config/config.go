// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DevMode     bool

	Auth      AuthConfig
	Call      CallConfig
	Typing    TypingConfig
	Transport TransportConfig
	Relay     RelayConfig
	Archive   ArchiveConfig
	NATS      NATSConfig
	Telemetry TelemetryConfig
}

// AuthConfig controls handshake token verification.
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
}

// CallConfig tunes the call session manager.
type CallConfig struct {
	RingTimeout time.Duration
}

// TypingConfig tunes typing indicator expiry.
type TypingConfig struct {
	QuietPeriod time.Duration
	MaxDuration time.Duration
}

// TransportConfig tunes per-connection WebSocket behaviour.
type TransportConfig struct {
	SendQueueSize int
	ReadLimit     int64
	PingInterval  time.Duration
	EventLimit    int
	EventWindow   time.Duration
}

// RelayConfig tunes the message relay.
type RelayConfig struct {
	MessageWindow time.Duration
}

// ArchiveConfig selects the durable archive.
type ArchiveConfig struct {
	Driver    string // "sqlite", "postgres" or "none"
	DSN       string
	QueueSize int
}

// NATSConfig enables publishing archive records to NATS.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// TelemetryConfig enables OTLP metric export.
type TelemetryConfig struct {
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DevMode:     getEnvBool("DEV_MODE", false),
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		Call: CallConfig{
			RingTimeout: getEnvDuration("CALL_RING_TIMEOUT", 30*time.Second),
		},
		Typing: TypingConfig{
			QuietPeriod: getEnvDuration("TYPING_QUIET_PERIOD", 3*time.Second),
			MaxDuration: getEnvDuration("TYPING_MAX_DURATION", 30*time.Second),
		},
		Transport: TransportConfig{
			SendQueueSize: getEnvInt("SEND_QUEUE_SIZE", 128),
			ReadLimit:     int64(getEnvInt("WS_READ_LIMIT", 64*1024)),
			PingInterval:  getEnvDuration("WS_PING_INTERVAL", 25*time.Second),
			EventLimit:    getEnvInt("EVENT_RATE_LIMIT", 60),
			EventWindow:   getEnvDuration("EVENT_RATE_WINDOW", 10*time.Second),
		},
		Relay: RelayConfig{
			MessageWindow: getEnvDuration("MESSAGE_WINDOW", 10*time.Minute),
		},
		Archive: ArchiveConfig{
			Driver:    strings.ToLower(getEnv("ARCHIVE_DRIVER", "sqlite")),
			DSN:       getEnv("ARCHIVE_DSN", "./data/careline.db"),
			QueueSize: getEnvInt("ARCHIVE_QUEUE_SIZE", 1000),
		},
		NATS: NATSConfig{
			URL:           getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "careline"),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "careline-hub"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Auth.JWTSecret == "" && !c.DevMode {
		return fmt.Errorf("JWT_SECRET is required unless DEV_MODE is set")
	}
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("CALL_RING_TIMEOUT must be > 0")
	}
	if c.Typing.QuietPeriod <= 0 {
		return fmt.Errorf("TYPING_QUIET_PERIOD must be > 0")
	}
	if c.Typing.MaxDuration < c.Typing.QuietPeriod {
		return fmt.Errorf("TYPING_MAX_DURATION must be >= TYPING_QUIET_PERIOD")
	}
	if c.Transport.SendQueueSize <= 0 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be > 0")
	}
	if c.Transport.ReadLimit <= 0 {
		return fmt.Errorf("WS_READ_LIMIT must be > 0")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be > 0")
	}
	if c.Transport.EventLimit <= 0 || c.Transport.EventWindow <= 0 {
		return fmt.Errorf("EVENT_RATE_LIMIT and EVENT_RATE_WINDOW must be > 0")
	}
	if c.Relay.MessageWindow <= 0 {
		return fmt.Errorf("MESSAGE_WINDOW must be > 0")
	}
	switch c.Archive.Driver {
	case "sqlite", "postgres":
		if c.Archive.DSN == "" {
			return fmt.Errorf("ARCHIVE_DSN cannot be empty for driver %s", c.Archive.Driver)
		}
	case "none":
	default:
		return fmt.Errorf("ARCHIVE_DRIVER must be sqlite, postgres or none, got %q", c.Archive.Driver)
	}
	if c.Archive.QueueSize <= 0 {
		return fmt.Errorf("ARCHIVE_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.DevMode ||
		c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS and WebSocket origin allow-list.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	var origins []string
	for _, o := range strings.Split(c.FrontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("3s") or bare seconds ("3").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
