// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	LLM      LLMConfig      `yaml:"llm"`
	Agent    AgentConfig    `yaml:"agent"`
	MCP      MCPConfig      `yaml:"mcp"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds tool registry and server directory storage configuration
type DatabaseConfig struct {
	// Backend selects the storage implementation: "sqlite" or "memory"
	Backend string `yaml:"backend"`
	// Path is the SQLite database file path (ignored for memory backend)
	Path string `yaml:"path"`
}

// LLMConfig holds model provider configuration
type LLMConfig struct {
	// Provider selects the model backend: "anthropic" or "ollama"
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// AgentConfig holds agent loop tuning
type AgentConfig struct {
	// MaxToolIterations bounds the number of streaming/tool-dispatch
	// round-trips in a single chat turn
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// MCPConfig holds MCP client timing configuration
type MCPConfig struct {
	SessionTimeout time.Duration `yaml:"-"`
	CallTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionTimeoutRaw string `yaml:"session_timeout"`
	CallTimeoutRaw    string `yaml:"call_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config populated with working defaults for local use.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Backend: "sqlite", Path: "relay.db"},
		LLM: LLMConfig{
			Provider:    "anthropic",
			Model:       "claude-3-5-sonnet-20241022",
			Temperature: 0.7,
			MaxTokens:   4096,
		},
		Agent: AgentConfig{MaxToolIterations: 8},
		MCP: MCPConfig{
			SessionTimeout: 30 * time.Second,
			CallTimeout:    60 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Backend {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case "memory":
		// No further fields required.
	default:
		return fmt.Errorf("database.backend must be %q or %q, got %q", "sqlite", "memory", c.Database.Backend)
	}

	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for the anthropic provider")
		}
	case "ollama":
		// Base URL falls back to the local default in the provider.
	default:
		return fmt.Errorf("llm.provider must be %q or %q, got %q", "anthropic", "ollama", c.LLM.Provider)
	}

	if c.Agent.MaxToolIterations <= 0 {
		return fmt.Errorf("agent.max_tool_iterations must be positive")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.MCP.SessionTimeoutRaw != "" {
		cfg.MCP.SessionTimeout, err = time.ParseDuration(cfg.MCP.SessionTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing session_timeout %q: %w", cfg.MCP.SessionTimeoutRaw, err)
		}
	}

	if cfg.MCP.CallTimeoutRaw != "" {
		cfg.MCP.CallTimeout, err = time.ParseDuration(cfg.MCP.CallTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing call_timeout %q: %w", cfg.MCP.CallTimeoutRaw, err)
		}
	}

	return nil
}
