// Package config loads the runtime configuration from a YAML file and the
// environment. YAML values may reference environment variables with
// ${VAR:-default} syntax; a .env file is honored when present.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration for the runtime server.
type Config struct {
	// DatabaseURL selects the store backend: postgres://, mysql:// or a
	// sqlite file path / :memory:.
	DatabaseURL string `yaml:"database_url"`

	Server ServerConfig `yaml:"server"`
	LLM    LLMConfig    `yaml:"llm"`
	Pool   PoolConfig   `yaml:"pool"`
	Log    LogConfig    `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LLMConfig holds the process-wide defaults for the OpenAI-compatible
// provider. Templates may override model and generation parameters.
type LLMConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"api_key"`
	Model          string        `yaml:"model"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
}

// PoolConfig tunes the instance pool.
type PoolConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	CatalogRefresh    time.Duration `yaml:"catalog_refresh"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with the built-in defaults applied.
func Default() *Config {
	return &Config{
		DatabaseURL: "maruntime.db",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 15 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:        "https://api.openai.com/v1",
			APIKey:         "${OPENAI_API_KEY}",
			Model:          "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
			Timeout:        120 * time.Second,
			MaxRetries:     2,
		},
		Pool: PoolConfig{
			PollInterval:      250 * time.Millisecond,
			HeartbeatInterval: 5 * time.Second,
			CatalogRefresh:    60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "simple",
		},
	}
}

// Load reads the YAML config at path, expands environment references and
// overlays it on the defaults. An empty path yields the defaults with
// environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		var tree map[string]interface{}
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		expanded := ExpandEnvVarsInData(tree)

		// Round-trip through YAML so the expanded tree decodes into the
		// typed config with the same tag rules.
		out, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		if err := yaml.Unmarshal(out, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	c.LLM.APIKey = ResolveAPIKey(c.LLM.APIKey)
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if v := os.Getenv("PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}

// Validate checks the configuration for values the runtime cannot start with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Pool.PollInterval <= 0 {
		return fmt.Errorf("pool poll_interval must be positive")
	}
	if c.Pool.HeartbeatInterval <= 0 {
		return fmt.Errorf("pool heartbeat_interval must be positive")
	}
	return nil
}
