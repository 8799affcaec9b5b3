package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "anthropic", APIKey: "sk-ant-REDACTED"}}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5, cfg.Orchestrator.MaxToolCallIterations)
	assert.Equal(t, 120*time.Second, cfg.Orchestrator.TurnTimeout())
	assert.True(t, cfg.Orchestrator.PersistenceEnabled)
	assert.Equal(t, 8, cfg.Orchestrator.MaxParallelTools)
	assert.Equal(t, 16, cfg.Orchestrator.StreamBuffer)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.SuspendedStreamTTL())
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, 30, cfg.Tools.TimeoutSeconds)
}

func TestConfigValidate(t *testing.T) {
	t.Run("should accept a complete config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("should require an AI profile", func(t *testing.T) {
		err := DefaultConfig().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AI profile")
	})

	t.Run("should reject non-positive iteration cap", func(t *testing.T) {
		cfg := validConfig()
		cfg.Orchestrator.MaxToolCallIterations = 0
		assert.ErrorContains(t, cfg.Validate(), "max_tool_call_iterations")
	})

	t.Run("should reject unknown store driver", func(t *testing.T) {
		cfg := validConfig()
		cfg.Store.Driver = "postgres"
		assert.ErrorContains(t, cfg.Validate(), "store driver")
	})

	t.Run("should reject unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.AI.Profiles[0].Provider = "gemini"
		assert.ErrorContains(t, cfg.Validate(), "invalid provider")
	})
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.SharedSecret = "hunter2"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "sk-ant-test-key")
	assert.Contains(t, out, "max_tool_call_iterations")
	assert.Equal(t, "hunter2", cfg.Gateway.SharedSecret)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should return defaults when file is missing", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := NewLoader(filepath.Join(dir, "missing.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Orchestrator.MaxToolCallIterations)
		assert.NotEmpty(t, cfg.DataDir)
		assert.NotEmpty(t, cfg.Store.Path)
	})

	t.Run("should read values from file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "turnstile.json")
		body := `{
			"data_dir": "` + filepath.ToSlash(dir) + `",
			"orchestrator": {"max_tool_call_iterations": 3, "persistence_enabled": false},
			"store": {"driver": "sqlite"},
			"ai": {"profiles": [{"id": "a", "provider": "openai", "api_key": "sk-xyz"}]}
		}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg, err := NewLoader(path).Load()
		require.NoError(t, err)

		assert.Equal(t, 3, cfg.Orchestrator.MaxToolCallIterations)
		assert.False(t, cfg.Orchestrator.PersistenceEnabled)
		assert.Equal(t, 120, cfg.Orchestrator.TurnTimeoutSeconds)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, filepath.Join(dir, "conversations.db"), cfg.Store.Path)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		t.Setenv("TURNSTILE_ORCHESTRATOR_MAX_TOOL_CALL_ITERATIONS", "9")
		t.Setenv("TURNSTILE_GATEWAY_SHARED_SECRET", "from-env")

		cfg, err := NewLoader(filepath.Join(t.TempDir(), "none.json")).Load()
		require.NoError(t, err)

		assert.Equal(t, 9, cfg.Orchestrator.MaxToolCallIterations)
		assert.Equal(t, "from-env", cfg.Gateway.SharedSecret)
	})
}

func TestLoaderSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "turnstile.json")
	cfg := validConfig()
	cfg.Orchestrator.MaxParallelTools = 2

	require.NoError(t, NewLoader(path).Save(cfg))

	loaded, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Orchestrator.MaxParallelTools)
	assert.Equal(t, "main", loaded.AI.Profiles[0].ID)
}

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("should validate api key prefixes", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-ant-abc", "anthropic"))
		assert.Error(t, v.ValidateAPIKey("sk-abc", "anthropic"))
		assert.NoError(t, v.ValidateAPIKey("sk-abc", "openai"))
		assert.Error(t, v.ValidateAPIKey("", "openai"))
	})

	t.Run("should validate sweep schedule", func(t *testing.T) {
		assert.NoError(t, v.ValidateSweepInterval("@every 30s"))
		assert.Error(t, v.ValidateSweepInterval("every now and then"))
	})

	t.Run("should collect all problems", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "verbose"
		cfg.Agent.Temperature = 3

		errs := v.ValidateConfig(cfg)
		assert.GreaterOrEqual(t, len(errs), 3)
	})
}
