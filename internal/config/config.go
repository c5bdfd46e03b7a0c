// Package config loads cyphertextkit's runtime configuration from the
// environment, with an optional .env.local overlay for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"cyphertextkit/ctkerr"
	"cyphertextkit/ratchet"
)

// RatchetSuiteName selects which ratchet.Suite a device runs.
type RatchetSuiteName string

const (
	SuiteX25519ChaCha20SHA256 RatchetSuiteName = "x25519-chacha20-sha256"
	SuiteX25519AESGCMSHA512   RatchetSuiteName = "x25519-aesgcm-sha512"
)

// Config is the full set of environment-driven knobs cyphertextkit needs at
// startup: which ratchet suite to run, retry/skip bounds, and the external
// collaborator endpoints (server, Ably, Turso) wired into the adapters.
type Config struct {
	RatchetSuite         RatchetSuiteName
	MaxSkippedKeys       int
	RetryMaxAttempts     int
	P2PEstablishDeadline time.Duration

	HomeDir string

	ServerURL   string
	ServerToken string

	AblyAPIKey string

	TursoURL   string
	TursoToken string
}

// defaults mirror the teacher's own fallbacks: DefaultMaxSkippedKeys (100)
// and DefaultMaxAttempts (10) from ratchet/jobqueue, plus a 30s P2P
// establishment deadline (no teacher equivalent exists — P2P negotiation
// in the teacher's WebRTC signaling service has no fixed timeout at all).
const (
	defaultRetryMaxAttempts     = 10
	defaultP2PEstablishDeadline = 30 * time.Second
)

// Load reads configuration from the process environment, optionally
// overlaying envFile first (pass "" to skip; a missing file is not an
// error, matching the teacher's best-effort godotenv.Load).
func Load(envFile string) (Config, error) {
	const op = "config.Load"
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	cfg := Config{
		RatchetSuite:         RatchetSuiteName(envOrDefault("CTK_RATCHET_SUITE", string(SuiteX25519ChaCha20SHA256))),
		MaxSkippedKeys:       ratchet.DefaultMaxSkippedKeys,
		RetryMaxAttempts:     defaultRetryMaxAttempts,
		P2PEstablishDeadline: defaultP2PEstablishDeadline,
		HomeDir:              envOrDefault("CTK_HOME", defaultHomeDir()),
		ServerURL:            os.Getenv("CTK_SERVER_URL"),
		ServerToken:          os.Getenv("CTK_SERVER_TOKEN"),
		AblyAPIKey:           os.Getenv("ABLY_API_KEY"),
		TursoURL:             os.Getenv("TURSO_URL"),
		TursoToken:           os.Getenv("TURSO_TOKEN"),
	}

	if v := os.Getenv("CTK_MAX_SKIPPED_KEYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("CTK_MAX_SKIPPED_KEYS: %w", err))
		}
		cfg.MaxSkippedKeys = n
	}
	if v := os.Getenv("CTK_RETRY_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("CTK_RETRY_MAX_ATTEMPTS: %w", err))
		}
		cfg.RetryMaxAttempts = n
	}
	if v := os.Getenv("CTK_P2P_ESTABLISH_DEADLINE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("CTK_P2P_ESTABLISH_DEADLINE: %w", err))
		}
		cfg.P2PEstablishDeadline = d
	}

	if cfg.RatchetSuite != SuiteX25519ChaCha20SHA256 && cfg.RatchetSuite != SuiteX25519AESGCMSHA512 {
		return Config{}, ctkerr.New(op, ctkerr.ConfigCorrupt, fmt.Errorf("unknown CTK_RATCHET_SUITE %q", cfg.RatchetSuite))
	}
	return cfg, nil
}

// Suite resolves the configured ratchet suite to its ratchet.Suite value.
func (c Config) Suite() ratchet.Suite {
	if c.RatchetSuite == SuiteX25519AESGCMSHA512 {
		return ratchet.X25519AESGCMSHA512()
	}
	return ratchet.X25519ChaCha20SHA256()
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultHomeDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg + "/cyphertextkit"
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.cyphertextkit"
	}
	return ".cyphertextkit"
}
