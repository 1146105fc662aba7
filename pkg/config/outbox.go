package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OutboxConfig is the single configuration object populated once at process
// start from environment variables. It is passed by value/pointer to the
// components that need it; nothing here is a package-level mutable global.
type OutboxConfig struct {
	// ListenAddr is the HTTP bind address, e.g. ":8080".
	ListenAddr string

	// StoreDriver selects the server outbox backend: "sqlite" or "postgres".
	StoreDriver string
	// StoreDSN is the driver-specific data source name.
	StoreDSN string

	// AuthStaticTokens is the comma-separated AUTH_TOKENS list of accepted bearer tokens.
	AuthStaticTokens []string
	// AuthJWTSecret is the HMAC secret (AUTH_JWT_SECRET) used to verify bearer JWTs.
	AuthJWTSecret string
	// AuthJWTPublicKey (AUTH_JWT_PUBLIC_KEY) is a JWT verification key; when set it
	// takes precedence over AuthJWTSecret. It is used as a shared HMAC key, the same
	// way as AuthJWTSecret; no asymmetric (RSA/ECDSA) verification is performed.
	AuthJWTPublicKey string

	// RateLimitWindow is the fixed window duration (RATE_LIMIT_WINDOW_SECONDS).
	RateLimitWindow time.Duration
	// RateLimitMax is the max accepted requests per token per window (RATE_LIMIT_MAX).
	RateLimitMax int

	// IntakeMaxBodyBytes bounds the raw request body size for POST /v1/outbox.
	IntakeMaxBodyBytes int64

	// WorkerPollInterval is how often the delivery worker polls for queued rows
	// when its queue is empty (OUTBOX_POLL_INTERVAL_MS).
	WorkerPollInterval time.Duration
	// WorkerUpstreamURL is where accepted envelopes are delivered (UPSTREAM_URL);
	// if empty, marking a row processed is a no-op delivery sink.
	WorkerUpstreamURL string
	// WorkerMaxAttempts bounds delivery retries before a row is marked failed
	// (OUTBOX_MAX_ATTEMPTS).
	WorkerMaxAttempts int

	// ClientFeedbackEndpoint is the client flush target (EXPO_PUBLIC_FEEDBACK_ENDPOINT).
	ClientFeedbackEndpoint string

	// StaticConfigPath optionally points at a YAML file of read-only admin flags
	// surfaced via GET /v1/config (see pkg/config.LoadStaticFlags).
	StaticConfigPath string

	// Env and Service name the process for logging/health reporting.
	Env     string
	Service string
}

// LoadOutboxConfigFromEnv reads OutboxConfig from the process environment,
// applying the same safe-default-on-empty convention used throughout this
// module's ambient stack.
func LoadOutboxConfigFromEnv() (OutboxConfig, error) {
	cfg := OutboxConfig{
		ListenAddr:              envOr("OUTBOX_LISTEN_ADDR", ":8080"),
		StoreDriver:             envOr("OUTBOX_STORE_DRIVER", "sqlite"),
		StoreDSN:                envOr("OUTBOX_STORE_DSN", "file:outbox.db?_busy_timeout=5000&_journal_mode=WAL"),
		AuthJWTSecret:           os.Getenv("AUTH_JWT_SECRET"),
		AuthJWTPublicKey:        os.Getenv("AUTH_JWT_PUBLIC_KEY"),
		WorkerUpstreamURL:       os.Getenv("UPSTREAM_URL"),
		ClientFeedbackEndpoint:  os.Getenv("EXPO_PUBLIC_FEEDBACK_ENDPOINT"),
		StaticConfigPath:        os.Getenv("OUTBOX_STATIC_CONFIG"),
		Env:                     envOr("OUTBOX_ENV", "local"),
		Service:                 envOr("OUTBOX_SERVICE", "outbox-intake"),
		IntakeMaxBodyBytes:      256 * 1024,
		WorkerPollInterval:      2 * time.Second,
		WorkerMaxAttempts:       5,
		RateLimitWindow:         time.Minute,
		RateLimitMax:            120,
	}

	if v := os.Getenv("AUTH_TOKENS"); v != "" {
		cfg.AuthStaticTokens = splitAndTrim(v)
	}

	if v := os.Getenv("OUTBOX_INTAKE_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return OutboxConfig{}, fmt.Errorf("config: OUTBOX_INTAKE_MAX_BODY_BYTES: %w", err)
		}
		cfg.IntakeMaxBodyBytes = n
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return OutboxConfig{}, fmt.Errorf("config: RATE_LIMIT_WINDOW_SECONDS: %w", err)
		}
		cfg.RateLimitWindow = time.Duration(n) * time.Second
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return OutboxConfig{}, fmt.Errorf("config: RATE_LIMIT_MAX: %w", err)
		}
		cfg.RateLimitMax = n
	}
	if v := os.Getenv("OUTBOX_POLL_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return OutboxConfig{}, fmt.Errorf("config: OUTBOX_POLL_INTERVAL_MS: %w", err)
		}
		cfg.WorkerPollInterval = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("OUTBOX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return OutboxConfig{}, fmt.Errorf("config: OUTBOX_MAX_ATTEMPTS: %w", err)
		}
		cfg.WorkerMaxAttempts = n
	}

	if cfg.StoreDriver != "sqlite" && cfg.StoreDriver != "postgres" {
		return OutboxConfig{}, fmt.Errorf("config: unsupported OUTBOX_STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
