package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "TURNSTILE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// Load reads the JSON config file (if present) and applies TURNSTILE_* env
// overrides, e.g. TURNSTILE_ORCHESTRATOR_MAX_TOOL_CALL_ITERATIONS.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".turnstile")
	}

	if cfg.Store.Path == "" {
		switch cfg.Store.Driver {
		case "sqlite":
			cfg.Store.Path = filepath.Join(cfg.DataDir, "conversations.db")
		default:
			cfg.Store.Path = filepath.Join(cfg.DataDir, "conversations")
		}
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the config file does not mention it.
func setDefaults(v *viper.Viper, cfg *Config) {
	o := cfg.Orchestrator
	v.SetDefault("orchestrator.max_tool_call_iterations", o.MaxToolCallIterations)
	v.SetDefault("orchestrator.turn_timeout", o.TurnTimeoutSeconds)
	v.SetDefault("orchestrator.persistence_enabled", o.PersistenceEnabled)
	v.SetDefault("orchestrator.max_parallel_tools", o.MaxParallelTools)
	v.SetDefault("orchestrator.stream_buffer", o.StreamBuffer)
	v.SetDefault("orchestrator.suspended_stream_ttl", o.SuspendedTTLSeconds)
	v.SetDefault("orchestrator.sweep_interval", o.SweepInterval)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.path", cfg.Store.Path)

	v.SetDefault("gateway.host", cfg.Gateway.Host)
	v.SetDefault("gateway.port", cfg.Gateway.Port)
	v.SetDefault("gateway.shared_secret", cfg.Gateway.SharedSecret)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)

	v.SetDefault("tracing.sample_ratio", cfg.Tracing.SampleRatio)

	v.SetDefault("agent.model", cfg.Agent.Model)
	v.SetDefault("agent.system_prompt", cfg.Agent.SystemPrompt)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.temperature", cfg.Agent.Temperature)
	v.SetDefault("agent.instance_idle_seconds", cfg.Agent.InstanceIdleSeconds)

	v.SetDefault("tools.allow", cfg.Tools.Allow)
	v.SetDefault("tools.deny", cfg.Tools.Deny)
	v.SetDefault("tools.timeout", cfg.Tools.TimeoutSeconds)
	v.SetDefault("tools.max_output_chars", cfg.Tools.MaxOutputChars)

	v.SetDefault("data_dir", cfg.DataDir)
}

// Save writes cfg to the loader's config path as JSON.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("no config path available")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("orchestrator", cfg.Orchestrator)
	v.Set("store", cfg.Store)
	v.Set("gateway", cfg.Gateway)
	v.Set("logging", cfg.Logging)
	v.Set("tracing", cfg.Tracing)
	v.Set("agent", cfg.Agent)
	v.Set("tools", cfg.Tools)
	v.Set("ai", cfg.AI)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
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
	return filepath.Join(home, ".turnstile", "turnstile.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
