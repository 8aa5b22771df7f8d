// Package config loads and validates the gateway configuration: a JSON5
// file overlaid with VARGOS_* environment variables.
package config

import (
	"path/filepath"
	"strconv"
	"time"
)

// Config is the root configuration for the Vargos gateway process.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Sessions  SessionsConfig  `json:"sessions"`
	Channels  ChannelsConfig  `json:"channels"`
	Providers ProvidersConfig `json:"providers"`
	Cron      CronConfig      `json:"cron,omitempty"`
	MCP       MCPConfig       `json:"mcp,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
}

// GatewayConfig configures the hub listener and request handling.
type GatewayConfig struct {
	Host                  string `json:"host"`
	Port                  int    `json:"port"`
	DataDir               string `json:"data_dir"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds,omitempty"` // default 300
	PingIntervalSeconds   int    `json:"ping_interval_seconds,omitempty"`   // default 20
	MaxMissedPings        int    `json:"max_missed_pings,omitempty"`        // default 2
}

// RequestTimeout returns the default RPC deadline.
func (g GatewayConfig) RequestTimeout() time.Duration {
	if g.RequestTimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}

// PingInterval returns the hub liveness ping period.
func (g GatewayConfig) PingInterval() time.Duration {
	if g.PingIntervalSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(g.PingIntervalSeconds) * time.Second
}

// AgentConfig holds the runtime defaults for agent runs.
type AgentConfig struct {
	Workspace         string           `json:"workspace"`
	Provider          string           `json:"provider"`
	Model             string           `json:"model"`
	MaxTokens         int              `json:"max_tokens,omitempty"`
	MaxIterations     int              `json:"max_iterations,omitempty"` // default 10
	ContextWindow     int              `json:"context_window,omitempty"` // default 200000
	BootstrapMaxChars int              `json:"bootstrap_max_chars,omitempty"`
	Compaction        CompactionConfig `json:"compaction,omitempty"`
}

// CompactionConfig tunes the two-threshold history compaction policy.
type CompactionConfig struct {
	SoftRatio        float64 `json:"soft_ratio,omitempty"`          // trim oversized tool results (default 0.5)
	HardRatio        float64 `json:"hard_ratio,omitempty"`          // summarize middle slice (default 0.75)
	SoftTrimMaxChars int     `json:"soft_trim_max_chars,omitempty"` // tool results longer than this get trimmed (default 4000)
	KeepLastMessages int     `json:"keep_last_messages,omitempty"`  // tail preserved by hard compaction (default 10)
}

// SessionsConfig selects and configures the session storage backend.
// PostgresDSN is never read from config.json; env VARGOS_POSTGRES_DSN only.
type SessionsConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default) or "postgres"
	PostgresDSN string `json:"-"`
}

// ChannelsConfig holds the shared ingress knobs and per-adapter settings.
type ChannelsConfig struct {
	DebounceMs            int            `json:"debounce_ms,omitempty"`             // default 1500
	DedupTTLSeconds       int            `json:"dedup_ttl_seconds,omitempty"`       // default 120
	TypingIntervalSeconds int            `json:"typing_interval_seconds,omitempty"` // default 4
	WhatsApp              WhatsAppConfig `json:"whatsapp,omitempty"`
	Telegram              TelegramConfig `json:"telegram,omitempty"`
	Discord               DiscordConfig  `json:"discord,omitempty"`
}

// Debounce returns the per-sender coalescing window.
func (c ChannelsConfig) Debounce() time.Duration {
	if c.DebounceMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// DedupTTL returns the duplicate-suppression window.
func (c ChannelsConfig) DedupTTL() time.Duration {
	if c.DedupTTLSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

// TypingInterval returns the typing re-assert period for a channel,
// preferring the adapter override.
func (c ChannelsConfig) TypingInterval(channel string) time.Duration {
	override := 0
	switch channel {
	case "whatsapp":
		override = c.WhatsApp.TypingIntervalSeconds
	case "telegram":
		override = c.Telegram.TypingIntervalSeconds
	case "discord":
		override = c.Discord.TypingIntervalSeconds
	}
	if override > 0 {
		return time.Duration(override) * time.Second
	}
	if c.TypingIntervalSeconds > 0 {
		return time.Duration(c.TypingIntervalSeconds) * time.Second
	}
	return 4 * time.Second
}

// WhatsAppConfig configures the WebSocket bridge adapter.
type WhatsAppConfig struct {
	Enabled               bool     `json:"enabled,omitempty"`
	BridgeURL             string   `json:"bridge_url,omitempty"`
	Allowlist             []string `json:"allowlist,omitempty"`
	TypingIntervalSeconds int      `json:"typing_interval_seconds,omitempty"`
}

// TelegramConfig configures the Telegram long-polling adapter.
// Token comes from env VARGOS_TELEGRAM_TOKEN when unset here.
type TelegramConfig struct {
	Enabled               bool     `json:"enabled,omitempty"`
	Token                 string   `json:"token,omitempty"`
	Allowlist             []string `json:"allowlist,omitempty"`
	TypingIntervalSeconds int      `json:"typing_interval_seconds,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled               bool     `json:"enabled,omitempty"`
	Token                 string   `json:"token,omitempty"`
	Allowlist             []string `json:"allowlist,omitempty"`
	TypingIntervalSeconds int      `json:"typing_interval_seconds,omitempty"`
}

// ProvidersConfig holds LLM provider credentials and endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `json:"anthropic,omitempty"`
}

// AnthropicConfig configures the Anthropic provider. APIKey from env only.
type AnthropicConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url,omitempty"`
}

// CronConfig configures the scheduler and the optional heartbeat task.
type CronConfig struct {
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig describes the built-in heartbeat task. Every accepts a Go
// duration string; empty or "0" disables it.
type HeartbeatConfig struct {
	Every   string `json:"every,omitempty"`
	Prompt  string `json:"prompt,omitempty"`
	Channel string `json:"channel,omitempty"` // delivery target, optional
	UserID  string `json:"user_id,omitempty"`
}

// MCPConfig lists external MCP servers whose tools join the registry.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `json:"servers,omitempty"`
}

// MCPServerConfig describes one MCP server connection.
type MCPServerConfig struct {
	Transport string            `json:"transport,omitempty"` // "stdio" (default) or "http"
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	URL       string            `json:"url,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Protocol    string            `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`
	ServiceName string            `json:"service_name,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener. Requires building
// with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"`
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// Data-directory layout helpers.

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return ExpandHome(c.Gateway.DataDir) }

// SessionsDir returns the file-backend session root.
func (c *Config) SessionsDir() string { return filepath.Join(c.DataDir(), "sessions") }

// MediaDir returns the root for saved inbound media.
func (c *Config) MediaDir() string { return filepath.Join(c.DataDir(), "media") }

// ChannelStateDir returns the opaque per-adapter state directory.
func (c *Config) ChannelStateDir(channel string) string {
	return filepath.Join(c.DataDir(), "channels", channel)
}

// LockPath returns the hub lock-file path.
func (c *Config) LockPath() string { return filepath.Join(c.DataDir(), "gateway.lock") }

// CronDBPath returns the sqlite database holding cron tasks.
func (c *Config) CronDBPath() string { return filepath.Join(c.DataDir(), "cron.db") }

// WorkspacePath returns the expanded agent workspace.
func (c *Config) WorkspacePath() string { return ExpandHome(c.Agent.Workspace) }

// GatewayURL returns the ws:// URL service clients dial.
func (c *Config) GatewayURL() string {
	return "ws://" + c.Gateway.Host + ":" + strconv.Itoa(c.Gateway.Port) + "/ws"
}
