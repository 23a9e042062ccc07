// ABOUTME: Entry point for the relay-gateway chat backend.
// ABOUTME: Subcommands: serve, init, health, sync, tools.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/relaykit/relay-gateway/internal/agent"
	"github.com/relaykit/relay-gateway/internal/builtins"
	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/gateway"
	"github.com/relaykit/relay-gateway/internal/llm"
	"github.com/relaykit/relay-gateway/internal/mcp"
	"github.com/relaykit/relay-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _                              _
  _ __ ___| | __ _ _   _        __ _  ___| |___      ____ _ _   _
 | '__/ _ \ |/ _' | | | |_____ / _' |/ _' | __\ \ /\ / / _' | | | |
 | | |  __/ | (_| | |_| |_____| (_| | (_| | |_ \ V  V / (_| | |_| |
 |_|  \___|_|\__,_|\__, |      \__, |\__,_|\__| \_/\_/ \__,_|\__, |
                   |___/       |___/                         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/relay/gateway.yaml > ~/.config/relay/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relay", "gateway.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  health   Check gateway health")
		fmt.Println("  sync     Sync MCP tools into the registry")
		fmt.Println("  tools    List registered tools")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "sync":
		err = runSync(ctx)
	case "tools":
		err = runTools(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, or falls back to defaults with the
// API key taken from the environment when no file exists yet.
func loadConfig() (*config.Config, error) {
	path := getConfigPath()
	if _, err := os.Stat(path); err == nil {
		return config.Load(path)
	}

	cfg := config.Default()
	cfg.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("no config file at %s and defaults are incomplete: %w", path, err)
	}
	return cfg, nil
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Provider: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Backend)
	fmt.Println()

	st, err := store.New(cfg.Database.Backend, cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	if err := st.SeedDefaults(ctx, builtins.DefaultTools()); err != nil {
		return fmt.Errorf("seeding built-in tools: %w", err)
	}

	provider, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("creating LLM provider: %w", err)
	}

	client := mcp.NewClient(cfg.MCP)
	runner := agent.New(provider, st, client, cfg.Agent)
	gw := gateway.NewGateway(st, runner, client)

	// Best-effort startup sync: an unreachable MCP server must not stop
	// the gateway from serving.
	if servers, err := st.ListServers(ctx); err != nil {
		logger.Warn("startup sync skipped", "error", err)
	} else if len(servers) > 0 {
		res, err := client.Sync(ctx, st, servers, nil)
		if err != nil {
			logger.Warn("startup sync failed", "error", err)
		} else {
			logger.Info("startup sync complete", "added", res.Added, "removed", res.Removed, "errors", len(res.Errors))
		}
	}

	server := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: gw.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting relay-gateway", "http_addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

const configTemplate = `server:
  http_addr: "127.0.0.1:8080"

database:
  backend: sqlite
  path: relay.db

llm:
  provider: anthropic
  model: claude-3-5-sonnet-20241022
  api_key: ${ANTHROPIC_API_KEY}
  temperature: 0.7
  max_tokens: 4096

agent:
  max_tool_iterations: 8

mcp:
  session_timeout: 30s
  call_timeout: 60s

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configTemplate), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Created %s\n", configPath)
	fmt.Println("Set ANTHROPIC_API_KEY in your environment, then run: relay-gateway serve")
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runSync(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/mcp-servers/sync", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync failed: %s", strings.TrimSpace(string(body)))
	}

	var res mcp.SyncResult
	if err := json.Unmarshal(body, &res); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("✓ sync complete: ")
	fmt.Printf("%d added, %d removed\n", res.Added, res.Removed)
	for _, e := range res.Errors {
		yellow.Print("  ! ")
		fmt.Println(e)
	}
	return nil
}

func runTools(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s/api/tools", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("tools request failed: %w", err)
	}
	defer resp.Body.Close()

	var tools []struct {
		Name    string `json:"name"`
		Source  string `json:"source"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tools); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	for _, tool := range tools {
		if tool.Enabled {
			green.Print("  ● ")
		} else {
			gray.Print("  ○ ")
		}
		fmt.Printf("%-30s", tool.Name)
		gray.Printf(" %s\n", tool.Source)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{level: level})
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []slog.Attr
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{level: h.level, attrs: newAttrs}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	return h
}
