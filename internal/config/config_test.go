package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{
		{ID: "primary", Provider: "anthropic", APIKey: "sk-ant-test123", Priority: 1},
		{ID: "backup", Provider: "openai", APIKey: "sk-test123", Priority: 2},
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Redaction)
	assert.Equal(t, 20, cfg.Agent.MaxToolRounds)
	assert.Equal(t, 4, cfg.Agent.MaxParallelTools)
	assert.Equal(t, 60, cfg.Agent.ToolTimeoutSeconds)
	assert.Zero(t, cfg.Agent.MaxContextTokens)
	assert.Equal(t, []string{"*"}, cfg.Agent.Tools.Allow)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, "127.0.0.1", cfg.Gateway.Host)
	assert.Equal(t, "@every 10m", cfg.Maintenance.EvictSchedule)
	assert.Empty(t, cfg.AI.Profiles)
}

func TestConfig_Durations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "1m0s", cfg.Agent.ToolTimeout().String())
	assert.Equal(t, "1h0m0s", cfg.Maintenance.IdleTTL().String())
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a complete config", func(t *testing.T) {
		require.NoError(t, validConfig().Validate())
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "no profiles",
			mutate:  func(c *Config) { c.AI.Profiles = nil },
			wantErr: "no AI credentials",
		},
		{
			name:    "profile without ID",
			mutate:  func(c *Config) { c.AI.Profiles[0].ID = "" },
			wantErr: "ID is required",
		},
		{
			name:    "duplicate profile IDs",
			mutate:  func(c *Config) { c.AI.Profiles[1].ID = "primary" },
			wantErr: "duplicate ID",
		},
		{
			name:    "profile without key",
			mutate:  func(c *Config) { c.AI.Profiles[0].APIKey = "" },
			wantErr: "api_key is required",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.AI.Profiles[0].Provider = "gemini" },
			wantErr: "invalid provider",
		},
		{
			name:    "missing model",
			mutate:  func(c *Config) { c.Agent.Model = "" },
			wantErr: "model is required",
		},
		{
			name:    "temperature out of range",
			mutate:  func(c *Config) { c.Agent.Temperature = 2.5 },
			wantErr: "temperature",
		},
		{
			name:    "zero round limit",
			mutate:  func(c *Config) { c.Agent.MaxToolRounds = 0 },
			wantErr: "max_tool_rounds",
		},
		{
			name:    "zero parallelism",
			mutate:  func(c *Config) { c.Agent.MaxParallelTools = 0 },
			wantErr: "max_parallel_tools",
		},
		{
			name:    "zero tool timeout",
			mutate:  func(c *Config) { c.Agent.ToolTimeoutSeconds = 0 },
			wantErr: "tool_timeout_seconds",
		},
		{
			name:    "negative context limit",
			mutate:  func(c *Config) { c.Agent.MaxContextMessages = -1 },
			wantErr: "context limits",
		},
		{
			name:    "unknown bus driver",
			mutate:  func(c *Config) { c.Bus.Driver = "kafka" },
			wantErr: "invalid driver",
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Bus.Driver = "redis"
				c.Bus.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{
			name: "gateway port out of range",
			mutate: func(c *Config) {
				c.Gateway.Enabled = true
				c.Gateway.Port = 70000
			},
			wantErr: "invalid port",
		},
		{
			name:    "bad evict schedule",
			mutate:  func(c *Config) { c.Maintenance.EvictSchedule = "every tuesday" },
			wantErr: "maintenance",
		},
		{
			name:    "zero idle ttl",
			mutate:  func(c *Config) { c.Maintenance.IdleTTLMinutes = 0 },
			wantErr: "idle_ttl_minutes",
		},
		{
			name: "hook on an unknown event",
			mutate: func(c *Config) {
				c.Hooks.Enabled = true
				c.Hooks.Hooks = []HookConfig{{ID: "x", Event: "daemon:startup", Script: "true", Enabled: true}}
			},
			wantErr: "unknown event",
		},
		{
			name: "hook without script",
			mutate: func(c *Config) {
				c.Hooks.Enabled = true
				c.Hooks.Hooks = []HookConfig{{ID: "x", Event: "round.finished", Enabled: true}}
			},
			wantErr: "script is required",
		},
	}

	for _, tt := range tests {
		t.Run("should reject "+tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("should skip disabled hooks", func(t *testing.T) {
		cfg := validConfig()
		cfg.Hooks.Enabled = true
		cfg.Hooks.Hooks = []HookConfig{{ID: "off", Event: "bogus"}}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("should allow disabling eviction", func(t *testing.T) {
		cfg := validConfig()
		cfg.Maintenance.EvictSchedule = ""
		cfg.Maintenance.IdleTTLMinutes = 0
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfigString(t *testing.T) {
	out := validConfig().String()
	assert.Contains(t, out, `"max_tool_rounds": 20`)
	assert.Contains(t, out, `"driver": "memory"`)
}
