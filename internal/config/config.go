// Package config loads the adapter's environment-driven configuration.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable of the adapter, loaded from the environment
// the way the teacher's internal/config.Config does.
type Config struct {
	// Server
	Host string
	Port int

	// Fixed per spec.md §6 — the in-page agent always dials this port.
	WebSocketPort int

	// Authentication — one static key per dialect surface.
	OpenAIAPIKey    string
	AnthropicAPIKey string
	NativeAPIKey    string

	// Identity persistence
	AuthStateDir          string
	ModelsConfigPath      string
	EnableAuthUpdate      bool
	IdentityEncryptionKey string

	// BlankAppURL is the fresh-conversation URL an identity falls back to
	// when it has no learned AppURL yet (spec.md §4.C.1).
	BlankAppURL string

	// Streaming
	DefaultStreamingMode string // "real" or "fake"

	// Account Switcher
	SwitchOnUses               int
	FailureThreshold           int
	ImmediateSwitchStatusCodes []int
	MaxRetries                 int
	RetryDelay                 time.Duration

	// Feature flags (native body rewrites, §4.E step 4)
	ForceIncludeThoughts bool
	ForceWebSearch       bool
	ForceURLContext      bool

	// Browser egress
	BrowserProxyURL string

	// Timeouts (spec.md §5)
	QueueDefaultTimeout    time.Duration
	GraceWindow            time.Duration
	BusyClearTimeout       time.Duration
	SocketAfterSwitchWait  time.Duration
	StreamChunkIdleTimeout time.Duration
	FakeStreamIdleTimeout  time.Duration

	// Request log retention — ambient analytics, carried per SPEC_FULL.md §4.
	RequestLogDBPath string

	LogLevel string
}

func Load() *Config {
	return &Config{
		Host: envOr("HOST", "0.0.0.0"),
		Port: envInt("PORT", 8080),

		WebSocketPort: 9998,

		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		NativeAPIKey:    os.Getenv("NATIVE_API_KEY"),

		AuthStateDir:          envOr("AUTH_STATE_DIR", "./configs/auth"),
		ModelsConfigPath:      envOr("MODELS_CONFIG_PATH", "./configs/models.json"),
		EnableAuthUpdate:      envBool("ENABLE_AUTH_UPDATE", true),
		IdentityEncryptionKey: os.Getenv("IDENTITY_ENCRYPTION_KEY"),
		BlankAppURL:           os.Getenv("BLANK_APP_URL"),

		DefaultStreamingMode: envOr("DEFAULT_STREAMING_MODE", "real"),

		SwitchOnUses:               envInt("SWITCH_ON_USES", 0),
		FailureThreshold:           envInt("FAILURE_THRESHOLD", 3),
		ImmediateSwitchStatusCodes: envIntList("IMMEDIATE_SWITCH_STATUS_CODES", []int{429, 403}),
		MaxRetries:                 envInt("MAX_RETRIES", 2),
		RetryDelay:                 envDuration("RETRY_DELAY_MS", 500*time.Millisecond),

		ForceIncludeThoughts: envBool("FORCE_INCLUDE_THOUGHTS", true),
		ForceWebSearch:       envBool("FORCE_WEB_SEARCH", false),
		ForceURLContext:      envBool("FORCE_URL_CONTEXT", false),

		BrowserProxyURL: os.Getenv("BROWSER_PROXY_URL"),

		QueueDefaultTimeout:    envDuration("QUEUE_DEFAULT_TIMEOUT_MS", 300*time.Second),
		GraceWindow:            envDuration("GRACE_WINDOW_MS", 60*time.Second),
		BusyClearTimeout:       envDuration("BUSY_CLEAR_TIMEOUT_MS", 120*time.Second),
		SocketAfterSwitchWait:  envDuration("SOCKET_AFTER_SWITCH_WAIT_MS", 10*time.Second),
		StreamChunkIdleTimeout: envDuration("STREAM_CHUNK_IDLE_TIMEOUT_MS", 60*time.Second),
		FakeStreamIdleTimeout:  envDuration("FAKE_STREAM_IDLE_TIMEOUT_MS", 300*time.Second),

		RequestLogDBPath: envOr("REQUEST_LOG_DB_PATH", "./adapter-logs.db"),

		LogLevel: envOr("LOG_LEVEL", "info"),
	}
}

func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.NativeAPIKey == "" {
		return errMissing("at least one of OPENAI_API_KEY, ANTHROPIC_API_KEY, NATIVE_API_KEY")
	}
	if c.MaxRetries < 0 {
		return errors.New("MAX_RETRIES must be >= 0")
	}
	return nil
}

type configError struct{ field string }

func (e *configError) Error() string { return "missing required env: " + e.field }
func errMissing(f string) error      { return &configError{field: f} }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func envIntList(key string, fallback []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
