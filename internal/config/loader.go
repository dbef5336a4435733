package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix      = "LUMEN"
	configDirName  = ".lumen"
	configFileName = "lumen.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, if present, then applies LUMEN_* environment
// overrides on top of the defaults. LUMEN_AGENT_MODEL sets agent.model.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := l.newViper(configPath)
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "logs", "lumen.log")
	}
	if cfg.WorkspacePath == "" {
		cfg.WorkspacePath = filepath.Join(cfg.DataDir, "workspace")
	}

	return cfg, nil
}

// Save writes cfg to the config file, creating its directory. The file is
// private to the user because it carries API keys.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("workspace_path", cfg.WorkspacePath)
	v.Set("logging", cfg.Logging)
	v.Set("agent", cfg.Agent)
	v.Set("ai", cfg.AI)
	v.Set("bus", cfg.Bus)
	v.Set("gateway", cfg.Gateway)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("hooks", cfg.Hooks)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, configDirName, configFileName)
}

func (l *Loader) newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every scalar key so AutomaticEnv can override keys
// the config file leaves out. Unmarshal only consults env for known keys.
func setDefaults(v *viper.Viper, cfg *Config) {
	defaults := map[string]interface{}{
		"data_dir":       cfg.DataDir,
		"workspace_path": cfg.WorkspacePath,

		"logging.level":     cfg.Logging.Level,
		"logging.file":      cfg.Logging.File,
		"logging.console":   cfg.Logging.Console,
		"logging.pretty":    cfg.Logging.Pretty,
		"logging.max_size":  cfg.Logging.MaxSize,
		"logging.max_age":   cfg.Logging.MaxAge,
		"logging.compress":  cfg.Logging.Compress,
		"logging.redaction": cfg.Logging.Redaction,

		"agent.model":                cfg.Agent.Model,
		"agent.max_tokens":           cfg.Agent.MaxTokens,
		"agent.temperature":          cfg.Agent.Temperature,
		"agent.system_prompt":        cfg.Agent.SystemPrompt,
		"agent.system_prompt_file":   cfg.Agent.SystemPromptFile,
		"agent.max_tool_rounds":      cfg.Agent.MaxToolRounds,
		"agent.max_parallel_tools":   cfg.Agent.MaxParallelTools,
		"agent.tool_timeout_seconds": cfg.Agent.ToolTimeoutSeconds,
		"agent.max_context_tokens":   cfg.Agent.MaxContextTokens,
		"agent.max_context_messages": cfg.Agent.MaxContextMessages,
		"agent.max_retries":          cfg.Agent.MaxRetries,
		"agent.tools.allow":          cfg.Agent.Tools.Allow,
		"agent.tools.deny":           cfg.Agent.Tools.Deny,

		"bus.driver":                 cfg.Bus.Driver,
		"bus.capacity":               cfg.Bus.Capacity,
		"bus.redis.addr":             cfg.Bus.Redis.Addr,
		"bus.redis.password":         cfg.Bus.Redis.Password,
		"bus.redis.db":               cfg.Bus.Redis.DB,
		"bus.redis.inbound_key":      cfg.Bus.Redis.InboundKey,
		"bus.redis.outbound_channel": cfg.Bus.Redis.OutboundChannel,

		"gateway.enabled":             cfg.Gateway.Enabled,
		"gateway.host":                cfg.Gateway.Host,
		"gateway.port":                cfg.Gateway.Port,
		"gateway.shared_secret":       cfg.Gateway.SharedSecret,
		"gateway.tick_interval":       cfg.Gateway.TickInterval,
		"gateway.requests_per_minute": cfg.Gateway.RequestsPerMinute,
		"gateway.max_concurrent":      cfg.Gateway.MaxConcurrent,

		"maintenance.evict_schedule":   cfg.Maintenance.EvictSchedule,
		"maintenance.idle_ttl_minutes": cfg.Maintenance.IdleTTLMinutes,

		"telemetry.enabled":      cfg.Telemetry.Enabled,
		"telemetry.service_name": cfg.Telemetry.ServiceName,

		"hooks.enabled": cfg.Hooks.Enabled,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
