package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/lumen/pkg/bus"
	"github.com/harun/lumen/pkg/cron"
	"github.com/harun/lumen/pkg/hooks"
)

// Config represents the main lumen configuration
type Config struct {
	// Data directory for sessions, cron jobs and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Working directory handed to tools
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`

	Logging     LoggingConfig     `json:"logging" mapstructure:"logging"`
	Agent       AgentConfig       `json:"agent" mapstructure:"agent"`
	AI          AIConfig          `json:"ai" mapstructure:"ai"`
	Bus         BusConfig         `json:"bus" mapstructure:"bus"`
	Gateway     GatewayConfig     `json:"gateway" mapstructure:"gateway"`
	Maintenance MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
	Telemetry   TelemetryConfig   `json:"telemetry" mapstructure:"telemetry"`
	Hooks       HooksConfig       `json:"hooks" mapstructure:"hooks"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AgentConfig configures the agent loop.
type AgentConfig struct {
	Model       string  `json:"model" mapstructure:"model"`
	MaxTokens   int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature float64 `json:"temperature" mapstructure:"temperature"`

	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
	// SystemPromptFile is watched and takes precedence over SystemPrompt
	// while it has content.
	SystemPromptFile string `json:"system_prompt_file" mapstructure:"system_prompt_file"`

	MaxToolRounds      int `json:"max_tool_rounds" mapstructure:"max_tool_rounds"`
	MaxParallelTools   int `json:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	MaxContextTokens   int `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	MaxContextMessages int `json:"max_context_messages" mapstructure:"max_context_messages"`
	// MaxRetries of 0 uses the loop default; negative disables retries.
	MaxRetries int `json:"max_retries" mapstructure:"max_retries"`

	Tools ToolPolicyConfig `json:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// ToolTimeout returns the default per-tool timeout.
func (a AgentConfig) ToolTimeout() time.Duration {
	return time.Duration(a.ToolTimeoutSeconds) * time.Second
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// BusConfig selects the message bus driver.
type BusConfig struct {
	Driver   string      `json:"driver" mapstructure:"driver"` // memory, redis
	Capacity int         `json:"capacity" mapstructure:"capacity"`
	Redis    RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig holds the redis bus connection.
type RedisConfig struct {
	Addr            string `json:"addr" mapstructure:"addr"`
	Password        string `json:"password" mapstructure:"password"`
	DB              int    `json:"db" mapstructure:"db"`
	InboundKey      string `json:"inbound_key" mapstructure:"inbound_key"`
	OutboundChannel string `json:"outbound_channel" mapstructure:"outbound_channel"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
	// TickInterval is in milliseconds.
	TickInterval      int `json:"tick_interval" mapstructure:"tick_interval"`
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// MaintenanceConfig schedules housekeeping jobs.
type MaintenanceConfig struct {
	// EvictSchedule is a cron expression; empty disables eviction.
	EvictSchedule  string `json:"evict_schedule" mapstructure:"evict_schedule"`
	IdleTTLMinutes int    `json:"idle_ttl_minutes" mapstructure:"idle_ttl_minutes"`
}

// IdleTTL returns how long a session may sit in the cache untouched.
func (m MaintenanceConfig) IdleTTL() time.Duration {
	return time.Duration(m.IdleTTLMinutes) * time.Minute
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// HooksConfig lists shell scripts run on lifecycle events.
type HooksConfig struct {
	Enabled bool         `json:"enabled" mapstructure:"enabled"`
	Hooks   []HookConfig `json:"hooks" mapstructure:"hooks"`
}

// HookConfig is one hook. Event is one of daemon.start, daemon.stop,
// round.finished or cron.finished.
type HookConfig struct {
	ID             string `json:"id" mapstructure:"id"`
	Event          string `json:"event" mapstructure:"event"`
	Script         string `json:"script" mapstructure:"script"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Agent: AgentConfig{
			Model:              "claude-sonnet-4-20250514",
			MaxTokens:          4096,
			Temperature:        0.7,
			MaxToolRounds:      20,
			MaxParallelTools:   4,
			ToolTimeoutSeconds: 60,
			MaxRetries:         3,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Bus: BusConfig{
			Driver:   bus.DriverMemory,
			Capacity: 256,
			Redis: RedisConfig{
				Addr:            "localhost:6379",
				InboundKey:      bus.DefaultInboundKey,
				OutboundChannel: bus.DefaultOutboundChannel,
			},
		},
		Gateway: GatewayConfig{
			Enabled:           false,
			Host:              "127.0.0.1",
			Port:              18789,
			TickInterval:      30000,
			RequestsPerMinute: 60,
			MaxConcurrent:     10,
		},
		Maintenance: MaintenanceConfig{
			EvictSchedule:  "@every 10m",
			IdleTTLMinutes: 60,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "lumen",
		},
		Hooks: HooksConfig{
			Hooks: []HookConfig{},
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	seen := make(map[string]bool, len(c.AI.Profiles))
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent: model is required")
	}
	if c.Agent.MaxTokens <= 0 {
		return fmt.Errorf("agent: max_tokens must be positive")
	}
	if c.Agent.Temperature < 0 || c.Agent.Temperature > 2 {
		return fmt.Errorf("agent: temperature must be between 0 and 2")
	}
	if c.Agent.MaxToolRounds <= 0 {
		return fmt.Errorf("agent: max_tool_rounds must be positive")
	}
	if c.Agent.MaxParallelTools <= 0 {
		return fmt.Errorf("agent: max_parallel_tools must be positive")
	}
	if c.Agent.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("agent: tool_timeout_seconds must be positive")
	}
	if c.Agent.MaxContextTokens < 0 || c.Agent.MaxContextMessages < 0 {
		return fmt.Errorf("agent: context limits must be >= 0")
	}

	switch c.Bus.Driver {
	case bus.DriverMemory:
	case bus.DriverRedis:
		if c.Bus.Redis.Addr == "" {
			return fmt.Errorf("bus: redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("bus: invalid driver %q (must be: memory, redis)", c.Bus.Driver)
	}

	if c.Gateway.Enabled && (c.Gateway.Port < 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("gateway: invalid port %d", c.Gateway.Port)
	}

	if c.Maintenance.EvictSchedule != "" {
		schedule := cron.Schedule{Kind: cron.ScheduleKindCron, Expr: c.Maintenance.EvictSchedule}
		if err := cron.ValidateSchedule(schedule); err != nil {
			return fmt.Errorf("maintenance: %w", err)
		}
		if c.Maintenance.IdleTTLMinutes <= 0 {
			return fmt.Errorf("maintenance: idle_ttl_minutes must be positive")
		}
	}

	if c.Hooks.Enabled {
		for i, hook := range c.Hooks.Hooks {
			if !hook.Enabled {
				continue
			}
			if !hooks.IsKnownEvent(hook.Event) {
				return fmt.Errorf("hooks: hook %d (%s): unknown event %q", i, hook.ID, hook.Event)
			}
			if hook.Script == "" {
				return fmt.Errorf("hooks: hook %d (%s): script is required", i, hook.ID)
			}
			if hook.TimeoutSeconds < 0 {
				return fmt.Errorf("hooks: hook %d (%s): timeout_seconds must be >= 0", i, hook.ID)
			}
		}
	}

	return nil
}
