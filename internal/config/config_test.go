// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "npx", cfg.MCP().Command)
	assert.Equal(t, "2025-06-18", cfg.MCP().ProtocolVersion)
	assert.Equal(t, 60*time.Second, cfg.MCP().CallTimeout)
	assert.Equal(t, 20, cfg.Agent().MaxSteps)
	assert.Equal(t, 2, cfg.Agent().StepRetryLimit)
	assert.Equal(t, "gemini-2.5-flash", cfg.Oracle().Model)
	assert.InDelta(t, 0.2, cfg.Oracle().Temperature, 0.001)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		err := cfg.Validate()
		assert.NoError(t, err, "A valid config should not produce a validation error")

		cfgNoCommand := *cfg
		cfgNoCommand.MCPCfg.Command = ""
		err = cfgNoCommand.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "mcp.command is a required configuration field")

		cfgBadTimeout := *cfg
		cfgBadTimeout.MCPCfg.CallTimeout = 0
		err = cfgBadTimeout.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "mcp.call_timeout must be a positive duration")
	})

	t.Run("Agent Validation", func(t *testing.T) {
		validAgent := AgentConfig{
			MaxSteps:       20,
			StepRetryLimit: 2,
			ActionTimeout:  5 * time.Second,
		}
		assert.NoError(t, validAgent.Validate())

		invalidSteps := validAgent
		invalidSteps.MaxSteps = 0
		err := invalidSteps.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "agent.max_steps must be a positive integer")

		invalidRetry := validAgent
		invalidRetry.StepRetryLimit = -1
		err = invalidRetry.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "agent.step_retry_limit must be a positive integer")
	})

	t.Run("Oracle Validation", func(t *testing.T) {
		validOracle := OracleConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.2,
			RateLimit:   1.0,
		}
		assert.NoError(t, validOracle.Validate())

		missingModel := validOracle
		missingModel.Model = ""
		err := missingModel.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "oracle.model is a required configuration field")

		invalidTemp := validOracle
		invalidTemp.Temperature = 2.5
		err = invalidTemp.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "oracle.temperature must be between 0.0 and 2.0")

		invalidRate := validOracle
		invalidRate.RateLimit = 0
		err = invalidRate.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "oracle.rate_limit must be a positive number")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
mcp:
  command: "node"
  args: ["server.js"]
agent:
  max_steps: 8
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		err := v.ReadConfig(bytes.NewBuffer(yamlBytes))
		require.NoError(t, err)

		var cfg Config
		err = v.Unmarshal(&cfg)
		require.NoError(t, err)

		assert.Equal(t, "node", cfg.MCP().Command)
		assert.Equal(t, []string{"server.js"}, cfg.MCP().Args)
		assert.Equal(t, 8, cfg.Agent().MaxSteps)
		// Check a default value was also loaded
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("agent.max_steps", 0) // Intentionally invalid

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "agent.max_steps must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		testKey := "test-api-key-456"
		t.Setenv("WEBPILOT_GEMINI_API_KEY", testKey)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, testKey, cfg.Oracle().APIKey)
	})

	t.Run("Fallback API Key Variable", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)

		t.Setenv("WEBPILOT_GEMINI_API_KEY", "")
		t.Setenv("GEMINI_API_KEY", "fallback-key-789")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "fallback-key-789", cfg.Oracle().APIKey)
	})
}

// -- Struct and Mapping Tests --

func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  log_file: /var/log/webpilot.log
mcp:
  call_timeout: 45s
oracle:
  model: gemini-2.5-pro
  rate_limit: 0.5
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	err := v.ReadConfig(bytes.NewBufferString(yamlInput))
	require.NoError(t, err)

	var cfg Config
	err = v.Unmarshal(&cfg)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "/var/log/webpilot.log", cfg.Logger().LogFile)
	assert.Equal(t, 45*time.Second, cfg.MCP().CallTimeout)
	assert.Equal(t, "gemini-2.5-pro", cfg.Oracle().Model)
	assert.Equal(t, 0.5, cfg.Oracle().RateLimit)
}
