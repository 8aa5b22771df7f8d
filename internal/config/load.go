package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/titanous/json5"

	"github.com/vargoshq/vargos/pkg/wire"
)

// Default returns a Config with every knob at its documented default.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:                  "127.0.0.1",
			Port:                  9000,
			DataDir:               "~/.vargos",
			RequestTimeoutSeconds: 300,
			PingIntervalSeconds:   20,
			MaxMissedPings:        2,
		},
		Agent: AgentConfig{
			Workspace:     "~/.vargos/workspace",
			Provider:      "anthropic",
			Model:         "claude-sonnet-4-5",
			MaxTokens:     8192,
			MaxIterations: 10,
			ContextWindow: 200000,
			Compaction: CompactionConfig{
				SoftRatio:        0.5,
				HardRatio:        0.75,
				SoftTrimMaxChars: 4000,
				KeepLastMessages: 10,
			},
		},
		Sessions: SessionsConfig{Backend: "file"},
		Channels: ChannelsConfig{
			DebounceMs:            1500,
			DedupTTLSeconds:       120,
			TypingIntervalSeconds: 4,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "vargos-gateway",
		},
	}
}

// Load reads the JSON5 config at path (missing file means defaults), then
// overlays env vars and validates. Validation failures classify as Fatal.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, wire.Errorf(wire.CodeFatal, "parse config %s: %v", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("VARGOS_HOST", &c.Gateway.Host)
	if v := os.Getenv("VARGOS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	envStr("VARGOS_DATA_DIR", &c.Gateway.DataDir)
	envStr("VARGOS_WORKSPACE", &c.Agent.Workspace)
	envStr("VARGOS_PROVIDER", &c.Agent.Provider)
	envStr("VARGOS_MODEL", &c.Agent.Model)

	// Secrets: env only, never persisted in config.json.
	envStr("VARGOS_POSTGRES_DSN", &c.Sessions.PostgresDSN)
	envStr("VARGOS_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("VARGOS_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("VARGOS_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("VARGOS_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)

	// Auto-enable channels when credentials arrive via env.
	if os.Getenv("VARGOS_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("VARGOS_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}

	envStr("VARGOS_TRACE_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("VARGOS_TRACE_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
	}
}

// Validate checks invariants the rest of the process relies on. All
// failures are Fatal: the gateway must not boot on a bad config.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return wire.Errorf(wire.CodeFatal, "config: gateway.port %d out of range", c.Gateway.Port)
	}
	if c.Gateway.DataDir == "" {
		return wire.Errorf(wire.CodeFatal, "config: gateway.data_dir is required")
	}
	switch c.Sessions.Backend {
	case "", "file", "postgres":
	default:
		return wire.Errorf(wire.CodeFatal, "config: sessions.backend %q (want file or postgres)", c.Sessions.Backend)
	}
	if c.Sessions.Backend == "postgres" && c.Sessions.PostgresDSN == "" {
		return wire.Errorf(wire.CodeFatal, "config: sessions.backend is postgres but VARGOS_POSTGRES_DSN is not set")
	}
	if c.Channels.WhatsApp.Enabled && c.Channels.WhatsApp.BridgeURL == "" {
		return wire.Errorf(wire.CodeFatal, "config: channels.whatsapp.bridge_url is required when enabled")
	}
	if c.Channels.Telegram.Enabled && c.Channels.Telegram.Token == "" {
		return wire.Errorf(wire.CodeFatal, "config: channels.telegram.token is required when enabled")
	}
	if c.Channels.Discord.Enabled && c.Channels.Discord.Token == "" {
		return wire.Errorf(wire.CodeFatal, "config: channels.discord.token is required when enabled")
	}
	if c.Cron.Heartbeat.Every != "" && c.Cron.Heartbeat.Every != "0" {
		if _, err := time.ParseDuration(c.Cron.Heartbeat.Every); err != nil {
			return wire.Errorf(wire.CodeFatal, "config: cron.heartbeat.every %q is not a duration", c.Cron.Heartbeat.Every)
		}
	}
	for name, srv := range c.MCP.Servers {
		switch srv.Transport {
		case "", "stdio":
			if srv.Command == "" {
				return wire.Errorf(wire.CodeFatal, "config: mcp.servers.%s: stdio transport needs a command", name)
			}
		case "http":
			if srv.URL == "" {
				return wire.Errorf(wire.CodeFatal, "config: mcp.servers.%s: http transport needs a url", name)
			}
		default:
			return wire.Errorf(wire.CodeFatal, "config: mcp.servers.%s: unknown transport %q", name, srv.Transport)
		}
	}
	return nil
}

// Save writes the config to path as plain JSON (secrets excluded by tag).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ResolvePath picks the config file: explicit flag, $VARGOS_CONFIG, then
// <data>/config.json with the data dir from $VARGOS_DATA_DIR or ~/.vargos.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("VARGOS_CONFIG"); v != "" {
		return v
	}
	dataDir := os.Getenv("VARGOS_DATA_DIR")
	if dataDir == "" {
		dataDir = "~/.vargos"
	}
	return filepath.Join(ExpandHome(dataDir), "config.json")
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
