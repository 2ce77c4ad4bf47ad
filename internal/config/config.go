// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	MCP() MCPConfig
	Agent() AgentConfig
	Oracle() OracleConfig
	Run() RunConfig
	SetRunConfig(rc RunConfig)

	// Agent Setters
	SetAgentMaxSteps(int)
	SetAgentStepRetryLimit(int)
	SetAgentArtifactsDir(string)

	// MCP Setters
	SetMCPCommand(string)
	SetMCPArgs([]string)

	// Oracle Setters
	SetOracleModel(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg LoggerConfig `mapstructure:"logger" yaml:"logger"`
	MCPCfg    MCPConfig    `mapstructure:"mcp" yaml:"mcp"`
	AgentCfg  AgentConfig  `mapstructure:"agent" yaml:"agent"`
	OracleCfg OracleConfig `mapstructure:"oracle" yaml:"oracle"`
	// RunCfg gets its marching orders from CLI flags, not the config file.
	RunCfg RunConfig `mapstructure:"-" yaml:"-"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig { return c.LoggerCfg }
func (c *Config) MCP() MCPConfig       { return c.MCPCfg }
func (c *Config) Agent() AgentConfig   { return c.AgentCfg }
func (c *Config) Oracle() OracleConfig { return c.OracleCfg }
func (c *Config) Run() RunConfig       { return c.RunCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRunConfig(rc RunConfig) { c.RunCfg = rc }

// Agent Setters
func (c *Config) SetAgentMaxSteps(n int)        { c.AgentCfg.MaxSteps = n }
func (c *Config) SetAgentStepRetryLimit(n int)  { c.AgentCfg.StepRetryLimit = n }
func (c *Config) SetAgentArtifactsDir(d string) { c.AgentCfg.ArtifactsDir = d }

// MCP Setters
func (c *Config) SetMCPCommand(cmd string) { c.MCPCfg.Command = cmd }
func (c *Config) SetMCPArgs(args []string) { c.MCPCfg.Args = args }

// Oracle Setters
func (c *Config) SetOracleModel(m string) { c.OracleCfg.Model = m }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// MCPConfig describes the tool server child process and its protocol timeouts.
type MCPConfig struct {
	Command         string        `mapstructure:"command" yaml:"command"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	InitTimeout     time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	CallTimeout     time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
	ProtocolVersion string        `mapstructure:"protocol_version" yaml:"protocol_version"`
}

// AgentConfig tunes the step loop.
type AgentConfig struct {
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	StepRetryLimit int           `mapstructure:"step_retry_limit" yaml:"step_retry_limit"`
	ActionTimeout  time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ArtifactsDir   string        `mapstructure:"artifacts_dir" yaml:"artifacts_dir"`
}

// OracleConfig holds the decision model settings.
type OracleConfig struct {
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RateLimit   float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RunConfig holds settings populated from CLI flags for a specific run.
type RunConfig struct {
	Objective string
	StartURL  string
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot-cli")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- MCP --
	v.SetDefault("mcp.command", "npx")
	v.SetDefault("mcp.args", []string{"-y", "chrome-devtools-mcp@latest", "--isolated"})
	v.SetDefault("mcp.init_timeout", "30s")
	v.SetDefault("mcp.call_timeout", "60s")
	v.SetDefault("mcp.shutdown_grace", "3s")
	v.SetDefault("mcp.protocol_version", "2025-06-18")

	// -- Agent --
	v.SetDefault("agent.max_steps", 20)
	v.SetDefault("agent.step_retry_limit", 2)
	v.SetDefault("agent.action_timeout", "5s")
	v.SetDefault("agent.artifacts_dir", "artifacts")

	// -- Oracle --
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.endpoint", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("oracle.api_timeout", "60s")
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_tokens", 1024)
	v.SetDefault("oracle.rate_limit", 1.0)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("oracle.api_key", "WEBPILOT_GEMINI_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.OracleCfg.APIKey == "" {
		if key := os.Getenv("WEBPILOT_GEMINI_API_KEY"); key != "" {
			cfg.OracleCfg.APIKey = key
		} else {
			cfg.OracleCfg.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.MCPCfg.Validate(); err != nil {
		return fmt.Errorf("mcp configuration invalid: %w", err)
	}
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	if err := c.OracleCfg.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the MCP child process settings.
func (m *MCPConfig) Validate() error {
	if m.Command == "" {
		return fmt.Errorf("mcp.command is a required configuration field")
	}
	if m.CallTimeout <= 0 {
		return fmt.Errorf("mcp.call_timeout must be a positive duration")
	}
	if m.InitTimeout <= 0 {
		return fmt.Errorf("mcp.init_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the step loop settings.
func (a *AgentConfig) Validate() error {
	if a.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if a.StepRetryLimit <= 0 {
		return fmt.Errorf("agent.step_retry_limit must be a positive integer")
	}
	return nil
}

// Validate checks the decision model settings.
func (o *OracleConfig) Validate() error {
	if o.Model == "" {
		return fmt.Errorf("oracle.model is a required configuration field")
	}
	if o.Temperature < 0.0 || o.Temperature > 2.0 {
		return fmt.Errorf("oracle.temperature must be between 0.0 and 2.0")
	}
	if o.RateLimit <= 0 {
		return fmt.Errorf("oracle.rate_limit must be a positive number")
	}
	return nil
}
