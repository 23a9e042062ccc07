package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"
database:
  backend: sqlite
  path: relay.db
llm:
  provider: ollama
  model: llama3.2
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "llama3.2", cfg.LLM.Model)
	// Defaults survive for fields the file omits
	assert.Equal(t, 8, cfg.Agent.MaxToolIterations)
	assert.Equal(t, 30*time.Second, cfg.MCP.SessionTimeout)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_API_KEY", "sk-test-123")

	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  backend: memory
llm:
  provider: anthropic
  api_key: "${RELAY_TEST_API_KEY}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.LLM.APIKey)
}

func TestLoad_Durations(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  backend: memory
llm:
  provider: ollama
mcp:
  session_timeout: "5s"
  call_timeout: "2m"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.MCP.SessionTimeout)
	assert.Equal(t, 2*time.Minute, cfg.MCP.CallTimeout)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:8080"
database:
  backend: memory
llm:
  provider: ollama
mcp:
  session_timeout: "soon"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing http addr",
			mutate:  func(c *Config) { c.Server.HTTPAddr = "" },
			wantErr: "server.http_addr",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Database.Backend = "postgres" },
			wantErr: "database.backend",
		},
		{
			name:    "sqlite without path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "anthropic without key",
			mutate:  func(c *Config) { c.LLM.Provider = "anthropic"; c.LLM.APIKey = "" },
			wantErr: "llm.api_key",
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.LLM.Provider = "openai" },
			wantErr: "llm.provider",
		},
		{
			name:    "zero iterations",
			mutate:  func(c *Config) { c.Agent.MaxToolIterations = 0 },
			wantErr: "max_tool_iterations",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.Provider = "ollama"
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_MemoryBackendNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "ollama"
	cfg.Database.Backend = "memory"
	cfg.Database.Path = ""

	assert.NoError(t, cfg.Validate())
}
