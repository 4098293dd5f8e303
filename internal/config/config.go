// SPDX-License-Identifier: AGPL-3.0-only
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// Provider names accepted in AIConfig.Provider.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
)

// defaultModels are used when AIConfig.Model is empty.
var defaultModels = map[string]string{
	ProviderAnthropic: "claude-sonnet-4-20250514",
	ProviderOpenAI:    "gpt-4o",
	ProviderGoogle:    "gemini-2.5-flash",
}

// Config holds the full host configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	AI        AIConfig        `toml:"ai"`
	MCP       MCPConfig       `toml:"mcp"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Logging   LoggingConfig   `toml:"logging"`
	Store     StoreConfig     `toml:"store"`
	Runtime   RuntimeConfig   `toml:"runtime"`
}

// ServerConfig controls the WebSocket listener.
type ServerConfig struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
	// Path is the HTTP path the WebSocket endpoint is mounted on.
	Path string `toml:"path"`
	// ReadLimit caps the size of one inbound frame in bytes.
	ReadLimit int64 `toml:"read_limit"`
}

// AIConfig selects and configures the LLM backend.
type AIConfig struct {
	Provider        string `toml:"provider"`
	Model           string `toml:"model"`
	APIKey          string `toml:"api_key"`
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	OpenAIAPIKey    string `toml:"openai_api_key"`
	GoogleAPIKey    string `toml:"google_api_key"`
	// BaseURL points the OpenAI adapter at any OpenAI-compatible server.
	BaseURL          string `toml:"base_url"`
	MaxTokens        int    `toml:"max_tokens"`
	MaxToolRounds    int    `toml:"max_tool_rounds"`
	ContextGuidePath string `toml:"context_guide_path"`
}

// MCPServerConfig describes one MCP server the tool registry connects to.
type MCPServerConfig struct {
	Name    string   `toml:"name" json:"-"`
	Command string   `toml:"command" json:"command,omitempty"`
	Args    []string `toml:"args" json:"args,omitempty"`
	URL     string   `toml:"url" json:"url,omitempty"`
	// Transport is "sse" (default for URLs) or "streamable".
	Transport string `toml:"transport" json:"transport,omitempty"`
}

// MCPConfig lists the tool servers.
type MCPConfig struct {
	ReadServerURL  string            `toml:"read_server_url"`
	WriteServerURL string            `toml:"write_server_url"`
	ConfigFilePath string            `toml:"config_file_path"`
	Servers        []MCPServerConfig `toml:"servers"`
}

// SchedulerConfig holds cron specs for background host jobs. An empty spec
// disables the job.
type SchedulerConfig struct {
	ToolRefresh  string `toml:"tool_refresh"`
	SessionStats string `toml:"session_stats"`
	PruneTurns   string `toml:"prune_turns"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level    string `toml:"level"`
	FilePath string `toml:"file_path"`
}

// StoreConfig controls the turn audit log.
type StoreConfig struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"`
	// RetentionDays is how long turn records are kept; 0 keeps them forever.
	RetentionDays int `toml:"retention_days"`
}

// RuntimeConfig holds process-level paths.
type RuntimeConfig struct {
	// DataDir holds the PID file and the single-instance lock.
	DataDir string `toml:"data_dir"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Name:      "retreaver-host",
			Version:   "0.3.0",
			Address:   "0.0.0.0",
			Port:      8080,
			Path:      "/",
			ReadLimit: 1 << 20,
		},
		AI: AIConfig{
			Provider:      ProviderAnthropic,
			MaxTokens:     4096,
			MaxToolRounds: 15,
		},
		MCP: MCPConfig{
			ReadServerURL:  "http://localhost:8001/sse",
			WriteServerURL: "http://localhost:8002/sse",
		},
		Scheduler: SchedulerConfig{
			ToolRefresh:  "@every 10m",
			SessionStats: "@every 1m",
			PruneTurns:   "@daily",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Enabled:       true,
			DBPath:        filepath.Join(dataDir, "turns.db"),
			RetentionDays: 30,
		},
		Runtime: RuntimeConfig{
			DataDir: dataDir,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".retreaver"
	}
	return filepath.Join(home, ".retreaver")
}

// LoadFile overlays a TOML config file onto cfg. A missing file is not an
// error.
func LoadFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// FromEnv overrides cfg with environment variables. Variables from a .env
// file in the working directory are loaded first; real environment
// variables take precedence over it.
func FromEnv(cfg *Config) {
	_ = godotenv.Load()

	setString(&cfg.Server.Address, "WS_HOST")
	setInt(&cfg.Server.Port, "WS_PORT")
	setString(&cfg.Server.Path, "WS_PATH")

	setString(&cfg.AI.Provider, "LLM_PROVIDER")
	setString(&cfg.AI.Model, "LLM_MODEL")
	setString(&cfg.AI.APIKey, "LLM_API_KEY")
	setString(&cfg.AI.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&cfg.AI.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.AI.GoogleAPIKey, "GOOGLE_API_KEY")
	setString(&cfg.AI.BaseURL, "LLM_BASE_URL")
	setInt(&cfg.AI.MaxTokens, "LLM_MAX_TOKENS")
	setInt(&cfg.AI.MaxToolRounds, "AI_MAX_TOOL_ROUNDS")
	setString(&cfg.AI.ContextGuidePath, "AI_CONTEXT_GUIDE_PATH")

	setString(&cfg.MCP.ReadServerURL, "MCP_READ_SERVER_URL")
	setString(&cfg.MCP.WriteServerURL, "MCP_WRITE_SERVER_URL")
	setString(&cfg.MCP.ConfigFilePath, "MCP_CONFIG_PATH")

	setString(&cfg.Scheduler.ToolRefresh, "TOOL_REFRESH_SCHEDULE")
	setString(&cfg.Scheduler.SessionStats, "SESSION_STATS_SCHEDULE")
	setString(&cfg.Scheduler.PruneTurns, "PRUNE_TURNS_SCHEDULE")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.FilePath, "LOG_FILE")

	setBool(&cfg.Store.Enabled, "TURN_LOG_ENABLED")
	setString(&cfg.Store.DBPath, "TURN_LOG_DB_PATH")
	setInt(&cfg.Store.RetentionDays, "TURN_LOG_RETENTION_DAYS")

	setString(&cfg.Runtime.DataDir, "RETREAVER_DATA_DIR")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

// Validate checks the configuration and normalizes the provider name.
func (c *Config) Validate() error {
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	if _, ok := defaultModels[c.AI.Provider]; !ok {
		return fmt.Errorf("unknown LLM provider %q: choose from anthropic, openai, google", c.AI.Provider)
	}
	if c.AI.MaxToolRounds < 1 {
		return fmt.Errorf("max tool rounds must be at least 1, got %d", c.AI.MaxToolRounds)
	}
	if c.AI.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be at least 1, got %d", c.AI.MaxTokens)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		return fmt.Errorf("server path must start with '/', got %q", c.Server.Path)
	}
	if c.Store.Enabled && c.Store.DBPath == "" {
		return fmt.Errorf("turn log is enabled but no database path is set")
	}
	if c.Store.RetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative, got %d", c.Store.RetentionDays)
	}
	for _, s := range c.MCP.Servers {
		if s.Command == "" && s.URL == "" {
			return fmt.Errorf("mcp server %q needs a command or a url", s.Name)
		}
	}
	return nil
}

// ModelName returns the configured model or the provider's default.
func (c *AIConfig) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	return defaultModels[strings.ToLower(c.Provider)]
}

// ProviderAPIKey returns the provider-specific key, falling back to APIKey.
func (c *AIConfig) ProviderAPIKey() string {
	var key string
	switch strings.ToLower(c.Provider) {
	case ProviderAnthropic:
		key = c.AnthropicAPIKey
	case ProviderOpenAI:
		key = c.OpenAIAPIKey
	case ProviderGoogle:
		key = c.GoogleAPIKey
	}
	if key == "" {
		key = c.APIKey
	}
	return key
}

// ServerList returns the MCP servers to connect to: the read and write
// servers, when set, followed by the explicitly configured ones.
func (c *MCPConfig) ServerList() []MCPServerConfig {
	var out []MCPServerConfig
	if c.ReadServerURL != "" {
		out = append(out, MCPServerConfig{Name: "read", URL: c.ReadServerURL})
	}
	if c.WriteServerURL != "" {
		out = append(out, MCPServerConfig{Name: "write", URL: c.WriteServerURL})
	}
	return append(out, c.Servers...)
}
