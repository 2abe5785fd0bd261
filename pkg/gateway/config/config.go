package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// PublicHost is the externally reachable host (no scheme) used to build
	// the media stream URL handed back in the voice webhook response.
	PublicHost string

	// Voice agent upstream.
	AgentWSURL  string
	AgentAPIKey string
	AgentVoice  string

	// Account/CRM API (signed requests).
	AccountAPIBaseURL string
	AccountAPIKey     string
	AccountAPISecret  string

	// Summarization upstream.
	SummaryAPIBaseURL string
	SummaryAPIKey     string
	SummaryModel      string

	// ConnectPrompt is spoken by the provider while the media stream and the
	// agent session come up.
	ConnectPrompt string

	// Agent behavior defaults, overridden per account.
	Instructions  string
	Greeting      string
	ClosingPhrase string

	// Session timing.
	AccountLookupWait time.Duration
	AgentDialTimeout  time.Duration
	IdleTimeout       time.Duration
	SummarizeTimeout  time.Duration
	KeepAliveInterval time.Duration

	// Media WebSocket limits.
	MaxFrameBytes  int64
	WSWriteTimeout time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("CALLGATE_ADDR", ":8080"),
		PublicHost:          envOr("CALLGATE_PUBLIC_HOST", ""),
		AgentWSURL:          envOr("CALLGATE_AGENT_WS_URL", ""),
		AgentAPIKey:         envOr("CALLGATE_AGENT_API_KEY", ""),
		AgentVoice:          envOr("CALLGATE_AGENT_VOICE", ""),
		AccountAPIBaseURL:   envOr("CALLGATE_ACCOUNT_API_BASE_URL", ""),
		AccountAPIKey:       envOr("CALLGATE_ACCOUNT_API_KEY", ""),
		AccountAPISecret:    envOr("CALLGATE_ACCOUNT_API_SECRET", ""),
		SummaryAPIBaseURL:   envOr("CALLGATE_SUMMARY_API_BASE_URL", ""),
		SummaryAPIKey:       envOr("CALLGATE_SUMMARY_API_KEY", ""),
		SummaryModel:        envOr("CALLGATE_SUMMARY_MODEL", "summarizer-1"),
		ConnectPrompt:       envOr("CALLGATE_CONNECT_PROMPT", "Connecting you now."),
		Instructions:        envOr("CALLGATE_INSTRUCTIONS", "You are a helpful phone receptionist. Keep answers short."),
		Greeting:            envOr("CALLGATE_GREETING", "Hello! How can I help you today?"),
		ClosingPhrase:       envOr("CALLGATE_CLOSING_PHRASE", "goodbye"),
		AccountLookupWait:   envDurationOr("CALLGATE_ACCOUNT_LOOKUP_WAIT", 3*time.Second),
		AgentDialTimeout:    envDurationOr("CALLGATE_AGENT_DIAL_TIMEOUT", 10*time.Second),
		IdleTimeout:         envDurationOr("CALLGATE_IDLE_TIMEOUT", 2*time.Minute),
		SummarizeTimeout:    envDurationOr("CALLGATE_SUMMARIZE_TIMEOUT", 60*time.Second),
		KeepAliveInterval:   envDurationOr("CALLGATE_KEEPALIVE_INTERVAL", 15*time.Second),
		MaxFrameBytes:       envInt64Or("CALLGATE_MAX_FRAME_BYTES", 64*1024),
		WSWriteTimeout:      envDurationOr("CALLGATE_WS_WRITE_TIMEOUT", 5*time.Second),
		ReadHeaderTimeout:   envDurationOr("CALLGATE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:         envDurationOr("CALLGATE_READ_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod: envDurationOr("CALLGATE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("CALLGATE_ADDR must not be empty")
	}
	if strings.TrimSpace(cfg.PublicHost) == "" {
		return Config{}, fmt.Errorf("CALLGATE_PUBLIC_HOST must be set")
	}
	if strings.Contains(cfg.PublicHost, "://") {
		return Config{}, fmt.Errorf("CALLGATE_PUBLIC_HOST must be a host, not a URL")
	}
	if strings.TrimSpace(cfg.AgentWSURL) == "" {
		return Config{}, fmt.Errorf("CALLGATE_AGENT_WS_URL must be set")
	}
	if strings.TrimSpace(cfg.AgentAPIKey) == "" {
		return Config{}, fmt.Errorf("CALLGATE_AGENT_API_KEY must be set")
	}
	if cfg.AccountAPIBaseURL != "" {
		if cfg.AccountAPIKey == "" || cfg.AccountAPISecret == "" {
			return Config{}, fmt.Errorf("CALLGATE_ACCOUNT_API_KEY and CALLGATE_ACCOUNT_API_SECRET must be set when CALLGATE_ACCOUNT_API_BASE_URL is set")
		}
	}
	if cfg.SummaryAPIBaseURL != "" && cfg.SummaryAPIKey == "" {
		return Config{}, fmt.Errorf("CALLGATE_SUMMARY_API_KEY must be set when CALLGATE_SUMMARY_API_BASE_URL is set")
	}
	if strings.TrimSpace(cfg.ClosingPhrase) == "" {
		return Config{}, fmt.Errorf("CALLGATE_CLOSING_PHRASE must not be empty")
	}
	if cfg.AccountLookupWait <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_ACCOUNT_LOOKUP_WAIT must be > 0")
	}
	if cfg.AgentDialTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_AGENT_DIAL_TIMEOUT must be > 0")
	}
	if cfg.IdleTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SummarizeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_SUMMARIZE_TIMEOUT must be > 0")
	}
	if cfg.KeepAliveInterval <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_KEEPALIVE_INTERVAL must be > 0")
	}
	if cfg.MaxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_MAX_FRAME_BYTES must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_READ_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLGATE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// MediaStreamURL is the wss endpoint the telephony provider connects to for
// bidirectional audio.
func (c Config) MediaStreamURL() string {
	return "wss://" + c.PublicHost + "/media"
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
