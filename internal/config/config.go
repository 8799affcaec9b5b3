package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the resolved turnstile configuration.
type Config struct {
	Orchestrator OrchestratorConfig `json:"orchestrator" mapstructure:"orchestrator"`
	Store        StoreConfig        `json:"store" mapstructure:"store"`
	Gateway      GatewayConfig      `json:"gateway" mapstructure:"gateway"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`
	Tracing      TracingConfig      `json:"tracing" mapstructure:"tracing"`
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	AI           AIConfig           `json:"ai" mapstructure:"ai"`

	// Data directory for the file store, sqlite database and logs
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// OrchestratorConfig bounds a single turn.
type OrchestratorConfig struct {
	MaxToolCallIterations int    `json:"max_tool_call_iterations" mapstructure:"max_tool_call_iterations"`
	TurnTimeoutSeconds    int    `json:"turn_timeout" mapstructure:"turn_timeout"`
	PersistenceEnabled    bool   `json:"persistence_enabled" mapstructure:"persistence_enabled"`
	MaxParallelTools      int    `json:"max_parallel_tools" mapstructure:"max_parallel_tools"`
	StreamBuffer          int    `json:"stream_buffer" mapstructure:"stream_buffer"`
	SuspendedTTLSeconds   int    `json:"suspended_stream_ttl" mapstructure:"suspended_stream_ttl"`
	SweepInterval         string `json:"sweep_interval" mapstructure:"sweep_interval"` // cron spec, e.g. "@every 1m"
}

// TurnTimeout returns the per-turn deadline as a duration.
func (o OrchestratorConfig) TurnTimeout() time.Duration {
	return time.Duration(o.TurnTimeoutSeconds) * time.Second
}

// SuspendedStreamTTL returns how long a suspended stream survives without a continuation.
func (o OrchestratorConfig) SuspendedStreamTTL() time.Duration {
	return time.Duration(o.SuspendedTTLSeconds) * time.Second
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // file, sqlite
	Path   string `json:"path" mapstructure:"path"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig controls span sampling.
type TracingConfig struct {
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// AgentConfig configures the provider-backed agent.
type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	// Idle agent instances are dropped from the resolver cache after this many seconds.
	InstanceIdleSeconds int `json:"instance_idle_seconds" mapstructure:"instance_idle_seconds"`
}

// ToolsConfig holds tool execution settings
type ToolsConfig struct {
	Allow          []string `json:"allow" mapstructure:"allow"`
	Deny           []string `json:"deny" mapstructure:"deny"`
	TimeoutSeconds int      `json:"timeout" mapstructure:"timeout"`
	MaxOutputChars int      `json:"max_output_chars" mapstructure:"max_output_chars"`
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
	Priority int    `json:"priority" mapstructure:"priority"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxToolCallIterations: 5,
			TurnTimeoutSeconds:    120,
			PersistenceEnabled:    true,
			MaxParallelTools:      8,
			StreamBuffer:          16,
			SuspendedTTLSeconds:   600,
			SweepInterval:         "@every 1m",
		},
		Store: StoreConfig{
			Driver: "file",
		},
		Gateway: GatewayConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Agent: AgentConfig{
			Model:               "claude-sonnet-4",
			MaxTokens:           4096,
			Temperature:         0.7,
			InstanceIdleSeconds: 1800,
		},
		Tools: ToolsConfig{
			Allow:          []string{"*"},
			Deny:           []string{},
			TimeoutSeconds: 30,
			MaxOutputChars: 10000,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
	}
}

// String returns a JSON representation of the config with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "********"
	}
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(&masked, "", "  ")
	return string(data)
}

// Validate checks the settings the server cannot run without.
func (c *Config) Validate() error {
	o := c.Orchestrator
	if o.MaxToolCallIterations <= 0 {
		return fmt.Errorf("orchestrator.max_tool_call_iterations must be positive, got %d", o.MaxToolCallIterations)
	}
	if o.TurnTimeoutSeconds <= 0 {
		return fmt.Errorf("orchestrator.turn_timeout must be positive, got %d", o.TurnTimeoutSeconds)
	}
	if o.MaxParallelTools <= 0 {
		return fmt.Errorf("orchestrator.max_parallel_tools must be positive, got %d", o.MaxParallelTools)
	}
	if o.StreamBuffer < 1 {
		return fmt.Errorf("orchestrator.stream_buffer must be at least 1, got %d", o.StreamBuffer)
	}
	if o.SuspendedTTLSeconds <= 0 {
		return fmt.Errorf("orchestrator.suspended_stream_ttl must be positive, got %d", o.SuspendedTTLSeconds)
	}

	switch c.Store.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("invalid store driver %q (must be: file, sqlite)", c.Store.Driver)
	}

	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port %d", c.Gateway.Port)
	}

	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if profile.Provider != "anthropic" && profile.Provider != "openai" {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai)", profile.ID, profile.Provider)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1], got %g", c.Tracing.SampleRatio)
	}

	if c.Agent.Model == "" {
		return fmt.Errorf("agent.model is required")
	}

	return nil
}
