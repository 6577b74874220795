// Package config loads YAML configuration for the trace retrieval engine,
// with environment variable overrides for secrets and deploy-specific paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all toolbrain-tracing configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Librarian LibrarianConfig `yaml:"librarian"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

// DatabaseConfig configures the sqlite trace store.
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	QueryTimeout string `yaml:"query_timeout"` // deadline for guarded SQL execution
	RowLimit     int    `yaml:"row_limit"`     // max rows returned by a guarded query
}

// LLMConfig configures the librarian's LLM provider.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai, gemini, ollama
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding engine for similarity search.
type EmbeddingConfig struct {
	Backend    string `yaml:"backend"` // ollama, genai, none
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Dimensions int    `yaml:"dimensions"`
}

// LibrarianConfig bounds the agent's self-correction loop.
type LibrarianConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
	MinRating         int `yaml:"min_rating"`   // default feedback rating filter for similarity search
	SearchLimit       int `yaml:"search_limit"` // default similar-trace result count
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Dir        string          `yaml:"dir"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "toolbrain-tracing",
		Version: "0.3.0",

		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
		},

		Database: DatabaseConfig{
			Path:         "data/traces.db",
			QueryTimeout: "5s",
			RowLimit:     100,
		},

		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "qwen3:8b",
			BaseURL:  "http://localhost:11434",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Backend:    "ollama",
			Model:      "all-minilm",
			BaseURL:    "http://localhost:11434",
			Dimensions: 384,
		},

		Librarian: LibrarianConfig{
			MaxToolIterations: 3,
			MinRating:         4,
			SearchLimit:       3,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
			Dir:       "data/logs",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields
// defaults; environment overrides are applied either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Provider
// keys are checked in priority order; the last match wins.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "anthropic"
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
		if c.Embedding.Backend == "genai" && c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}
	if key := os.Getenv("EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if url := os.Getenv("OLLAMA_BASE_URL"); url != "" {
		if c.LLM.Provider == "ollama" {
			c.LLM.BaseURL = url
		}
		if c.Embedding.Backend == "ollama" {
			c.Embedding.BaseURL = url
		}
	}
	if path := os.Getenv("TRACESTORE_DB"); path != "" {
		c.Database.Path = path
	}
	if port := os.Getenv("PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetQueryTimeout returns the guarded SQL execution deadline.
func (c *Config) GetQueryTimeout() time.Duration {
	d, err := time.ParseDuration(c.Database.QueryTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetReadTimeout returns the HTTP server read timeout.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ReadTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetWriteTimeout returns the HTTP server write timeout. Librarian
// turns can take a while, so the default is generous.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.WriteTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini", "ollama"}

// Validate checks the configuration for fatal misconfiguration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.LLM.Provider != "ollama" && c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured for provider %s (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)", c.LLM.Provider)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path not configured")
	}
	if c.Database.RowLimit <= 0 {
		return fmt.Errorf("database row_limit must be positive, got %d", c.Database.RowLimit)
	}
	if c.Librarian.MaxToolIterations <= 0 {
		return fmt.Errorf("librarian max_tool_iterations must be positive, got %d", c.Librarian.MaxToolIterations)
	}
	switch c.Embedding.Backend {
	case "ollama", "genai", "none", "":
	default:
		return fmt.Errorf("invalid embedding backend: %s (valid: ollama, genai, none)", c.Embedding.Backend)
	}
	return nil
}
