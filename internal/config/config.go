// Package config loads and persists DomainOS configuration from
// <data>/config.yaml with environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all DomainOS configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Data directory (database, logs, secrets). Empty means ~/.domainos.
	DataDir string `yaml:"data_dir"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// LLM provider configuration
	Provider ProviderConfig `yaml:"provider"`

	// Embedding client configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Automation engine limits
	Engine EngineConfig `yaml:"engine"`

	// Chat tool-loop budgets
	Chat ChatConfig `yaml:"chat"`

	// Mission runner
	Mission MissionConfig `yaml:"mission"`

	// Ingestion HTTP server
	Intake IntakeConfig `yaml:"intake"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"` // relative paths resolve under DataDir
	BusyTimeout  string `yaml:"busy_timeout"`
}

// ProviderConfig configures the active LLM provider.
type ProviderConfig struct {
	Name    string `yaml:"name"` // anthropic, openai, gemini
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`

	// Per-provider keys; the active one wins, others allow domain overrides
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
}

// EmbeddingConfig configures the embedding client.
type EmbeddingConfig struct {
	Provider      string `yaml:"provider"` // ollama, gemini, none
	Model         string `yaml:"model"`
	Endpoint      string `yaml:"endpoint"` // ollama only
	APIKey        string `yaml:"api_key"`  // gemini only
	BatchSize     int    `yaml:"batch_size"`
	MaxBatchChars int    `yaml:"max_batch_chars"`
}

// MissionConfig configures the mission runner.
type MissionConfig struct {
	Timeout         string `yaml:"timeout"`
	CreateDeadlines bool   `yaml:"create_deadlines"` // gate actions that create external deadlines
}

// IntakeConfig configures the loopback ingestion server.
type IntakeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Port            int    `yaml:"port"`
	MaxContentBytes int    `yaml:"max_content_bytes"`
	WindowRequests  int    `yaml:"window_requests"`
	WindowSeconds   int    `yaml:"window_seconds"`
	HeadersTimeout  string `yaml:"headers_timeout"`
	RequestTimeout  string `yaml:"request_timeout"`
}

// DefaultDataDir returns ~/.domainos, falling back to the working directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".domainos"
	}
	return filepath.Join(home, ".domainos")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "DomainOS",
		Version: "0.9.0",

		Storage: StorageConfig{
			DatabasePath: "domainos.db",
			BusyTimeout:  "5s",
		},

		Provider: ProviderConfig{
			Name:    "anthropic",
			Model:   "claude-sonnet-4-20250514",
			Timeout: "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:      "ollama",
			Model:         "nomic-embed-text",
			Endpoint:      "http://localhost:11434",
			BatchSize:     16,
			MaxBatchChars: 60000,
		},

		Engine: EngineConfig{
			TickInterval:        "60s",
			MaxConcurrentLLM:    3,
			PerAutomationPerMin: 1,
			PerDomainPerHour:    10,
			GlobalPerHour:       30,
			CooldownMinutes:     5,
			FailureStreakLimit:  5,
			RetentionDays:       90,
			RetentionMaxRuns:    200,
			CatchUpWindowDays:   7,
		},

		Chat: ChatConfig{
			MaxToolRounds:      5,
			MaxCallsPerRound:   5,
			MaxToolResultBytes: 75 * 1024,
			MaxTranscriptBytes: 400 * 1024,
			ContextTokenBudget: 6000,
		},

		Mission: MissionConfig{
			Timeout:         "10m",
			CreateDeadlines: false,
		},

		Intake: IntakeConfig{
			Enabled:         true,
			Port:            4823,
			MaxContentBytes: 200000,
			WindowRequests:  30,
			WindowSeconds:   60,
			HeadersTimeout:  "10s",
			RequestTimeout:  "30s",
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
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

// LoadFromDataDir loads <dir>/config.yaml and pins DataDir to dir.
func LoadFromDataDir(dir string) (*Config, error) {
	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.DataDir = dir
	return cfg, nil
}

// Save saves configuration to a YAML file.
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

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Provider API keys from environment (check in priority order)
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.Provider.AnthropicAPIKey = key
		if c.Provider.Name == "" {
			c.Provider.Name = "anthropic"
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Provider.OpenAIAPIKey = key
		if c.Provider.Name == "" {
			c.Provider.Name = "openai"
		}
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Provider.GeminiAPIKey = key
		if c.Provider.Name == "" {
			c.Provider.Name = "gemini"
		}
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
	}

	// Data dir and DB path from environment
	if dir := os.Getenv("DOMAINOS_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("DOMAINOS_DB"); path != "" {
		c.Storage.DatabasePath = path
	}

	// Intake port override for tests and port conflicts
	if port := os.Getenv("DOMAINOS_INTAKE_PORT"); port != "" {
		var p int
		if _, err := fmt.Sscanf(port, "%d", &p); err == nil && p > 0 {
			c.Intake.Port = p
		}
	}
}

// ResolveDataDir returns the effective data directory.
func (c *Config) ResolveDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	return DefaultDataDir()
}

// ResolveDatabasePath returns the absolute database path.
func (c *Config) ResolveDatabasePath() string {
	if filepath.IsAbs(c.Storage.DatabasePath) {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.ResolveDataDir(), c.Storage.DatabasePath)
}

// GetProviderTimeout returns the LLM timeout as a duration.
func (c *Config) GetProviderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Provider.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetMissionTimeout returns the mission timeout as a duration.
func (c *Config) GetMissionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Mission.Timeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// GetEngineTick returns the cron tick interval as a duration.
func (c *Config) GetEngineTick() time.Duration {
	d, err := time.ParseDuration(c.Engine.TickInterval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetBusyTimeout returns the SQLite busy timeout as a duration.
func (c *Config) GetBusyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Storage.BusyTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetIntakeHeadersTimeout returns the intake header read timeout.
func (c *Config) GetIntakeHeadersTimeout() time.Duration {
	d, err := time.ParseDuration(c.Intake.HeadersTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetIntakeRequestTimeout returns the intake request timeout.
func (c *Config) GetIntakeRequestTimeout() time.Duration {
	d, err := time.ParseDuration(c.Intake.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"anthropic", "openai", "gemini"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.Provider.Name == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid provider: %s (valid: %v)", c.Provider.Name, ValidProviders)
	}

	if _, key := c.ActiveProvider(); key == "" {
		return fmt.Errorf("no API key configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or GEMINI_API_KEY)")
	}

	if err := c.ValidateEngineLimits(); err != nil {
		return err
	}

	if c.Intake.Enabled {
		if c.Intake.Port < 1 || c.Intake.Port > 65535 {
			return fmt.Errorf("intake port out of range: %d", c.Intake.Port)
		}
		if c.Intake.MaxContentBytes < 1024 {
			return fmt.Errorf("intake max_content_bytes must be >= 1024")
		}
	}

	return nil
}

// ActiveProvider returns the provider name and API key to use.
// Priority: explicit key for the configured provider > legacy single key >
// first available key.
func (c *Config) ActiveProvider() (provider string, apiKey string) {
	switch c.Provider.Name {
	case "anthropic":
		if c.Provider.AnthropicAPIKey != "" {
			return "anthropic", c.Provider.AnthropicAPIKey
		}
	case "openai":
		if c.Provider.OpenAIAPIKey != "" {
			return "openai", c.Provider.OpenAIAPIKey
		}
	case "gemini":
		if c.Provider.GeminiAPIKey != "" {
			return "gemini", c.Provider.GeminiAPIKey
		}
	}

	if c.Provider.APIKey != "" {
		return c.Provider.Name, c.Provider.APIKey
	}

	if c.Provider.AnthropicAPIKey != "" {
		return "anthropic", c.Provider.AnthropicAPIKey
	}
	if c.Provider.OpenAIAPIKey != "" {
		return "openai", c.Provider.OpenAIAPIKey
	}
	if c.Provider.GeminiAPIKey != "" {
		return "gemini", c.Provider.GeminiAPIKey
	}

	return "", ""
}

// KeyForProvider returns the configured key for a specific provider name.
func (c *Config) KeyForProvider(name string) string {
	switch name {
	case "anthropic":
		if c.Provider.AnthropicAPIKey != "" {
			return c.Provider.AnthropicAPIKey
		}
	case "openai":
		if c.Provider.OpenAIAPIKey != "" {
			return c.Provider.OpenAIAPIKey
		}
	case "gemini":
		if c.Provider.GeminiAPIKey != "" {
			return c.Provider.GeminiAPIKey
		}
	}
	if name == c.Provider.Name {
		return c.Provider.APIKey
	}
	return ""
}
