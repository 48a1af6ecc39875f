// Package config loads service configuration from environment variables,
// optionally layered with a named deployment profile.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full service configuration.
type Config struct {
	ServiceName string
	LogLevel    string
	Port        string

	// DatabaseDriver is "sqlite" or "postgres".
	DatabaseDriver string
	DatabaseURL    string

	// StreamEndpoint is the base URL of the ledger event gateway.
	StreamEndpoint string
	StreamTimeout  time.Duration
	// SourceContracts restricts ingestion to these contract IDs; empty
	// means no filter.
	SourceContracts []string
	EventTypes      []string
	StartCursor     string
	PollInterval    time.Duration

	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	DrainTimeout     time.Duration

	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	EvidenceSecret     string
	EvidenceKeyVersion int

	RedisAddr string

	OTelEnabled  bool
	OTLPEndpoint string
}

// Load builds configuration from environment variables. Every value has a
// working local default except the evidence secret, which callers must check
// before starting the validation service.
func Load() *Config {
	cfg := &Config{
		ServiceName:        getenv("VAULTSTREAM_SERVICE_NAME", "vault-ingest"),
		LogLevel:           getenv("VAULTSTREAM_LOG_LEVEL", "INFO"),
		Port:               getenv("VAULTSTREAM_PORT", "8080"),
		DatabaseDriver:     getenv("VAULTSTREAM_DB_DRIVER", "sqlite"),
		DatabaseURL:        getenv("VAULTSTREAM_DB_URL", "vaultstream.db"),
		StreamEndpoint:     getenv("VAULTSTREAM_STREAM_ENDPOINT", "http://localhost:8000"),
		StreamTimeout:      getduration("VAULTSTREAM_STREAM_TIMEOUT", 30*time.Second),
		SourceContracts:    getlist("VAULTSTREAM_SOURCE_CONTRACTS"),
		EventTypes:         getlist("VAULTSTREAM_EVENT_TYPES"),
		StartCursor:        os.Getenv("VAULTSTREAM_START_CURSOR"),
		PollInterval:       getduration("VAULTSTREAM_POLL_INTERVAL", 2*time.Second),
		ReconnectInitial:   getduration("VAULTSTREAM_RECONNECT_INITIAL", time.Second),
		ReconnectMax:       getduration("VAULTSTREAM_RECONNECT_MAX", 60*time.Second),
		DrainTimeout:       getduration("VAULTSTREAM_DRAIN_TIMEOUT", 30*time.Second),
		MaxAttempts:        uint(getint("VAULTSTREAM_MAX_ATTEMPTS", 3)),
		InitialBackoff:     getduration("VAULTSTREAM_INITIAL_BACKOFF", time.Second),
		MaxBackoff:         getduration("VAULTSTREAM_MAX_BACKOFF", 30*time.Second),
		EvidenceSecret:     os.Getenv("VAULTSTREAM_EVIDENCE_SECRET"),
		EvidenceKeyVersion: getint("VAULTSTREAM_EVIDENCE_KEY_VERSION", 1),
		RedisAddr:          os.Getenv("VAULTSTREAM_REDIS_ADDR"),
		OTelEnabled:        os.Getenv("VAULTSTREAM_OTEL_ENABLED") == "true",
		OTLPEndpoint:       getenv("VAULTSTREAM_OTLP_ENDPOINT", "localhost:4317"),
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getlist(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getint(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func getduration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
