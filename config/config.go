// Package config holds the service configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all portal configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Browser       BrowserConfig       `yaml:"browser"`
	Gemini        GeminiConfig        `yaml:"gemini"`
	Refine        RefineConfig        `yaml:"refine"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// AuthTokenHash is a bcrypt hash of the bearer token required on /api
	// routes. Empty disables auth (local development).
	AuthTokenHash string `yaml:"auth_token_hash"`
	// MaxBodyBytes caps request bodies; reference images travel base64 in
	// JSON so the default is generous.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// MCP enables the MCP stdio transport alongside HTTP.
	MCP bool `yaml:"mcp"`
}

// BrowserConfig controls the Chrome instance.
type BrowserConfig struct {
	RemoteURL       string        `yaml:"remote_url"`
	Headless        bool          `yaml:"headless"`
	Stealth         bool          `yaml:"stealth"`
	MemoryLimit     int64         `yaml:"memory_limit"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
}

// GeminiConfig controls the model client. The API key is read from the
// environment variable named by APIKeyEnv, never from the file itself.
type GeminiConfig struct {
	APIKeyEnv       string  `yaml:"api_key_env"`
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url"`
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	MaxContinuation int     `yaml:"max_continuation"`
}

// RefineConfig controls the convergence loop.
type RefineConfig struct {
	MaxIterations int           `yaml:"max_iterations"`
	MaxHistory    int           `yaml:"max_history"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	DigestLimit   int           `yaml:"digest_limit"`
}

// ObservabilityConfig controls the audit database.
type ObservabilityConfig struct {
	DBPath        string `yaml:"db_path"`
	AuditBuffer   int    `yaml:"audit_buffer"`
	RetentionDays int    `yaml:"retention_days"`
}

func (c *Config) defaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8791"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 16 << 20 // 16MB
	}
	if c.Gemini.APIKeyEnv == "" {
		c.Gemini.APIKeyEnv = "GEMINI_API_KEY"
	}
	if c.Refine.MaxIterations <= 0 {
		c.Refine.MaxIterations = 5
	}
	if c.Refine.MaxHistory <= 0 {
		c.Refine.MaxHistory = 20
	}
	if c.Refine.CallTimeout <= 0 {
		c.Refine.CallTimeout = 30 * time.Second
	}
	if c.Observability.DBPath == "" {
		c.Observability.DBPath = "portal.db"
	}
	if c.Observability.AuditBuffer <= 0 {
		c.Observability.AuditBuffer = 1000
	}
	if c.Observability.RetentionDays <= 0 {
		c.Observability.RetentionDays = 30
	}
}

// Validate checks cross-field constraints not expressible as defaults.
func (c *Config) Validate() error {
	if c.Refine.MaxIterations > 25 {
		return fmt.Errorf("config: refine.max_iterations %d is unreasonably high", c.Refine.MaxIterations)
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("config: gemini.temperature %v out of range [0,2]", c.Gemini.Temperature)
	}
	return nil
}

// APIKey resolves the Gemini API key from the configured environment
// variable. Empty when unset; the refinement loop treats that as NotReady.
func (c *Config) APIKey() string {
	return os.Getenv(c.Gemini.APIKeyEnv)
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{Browser: BrowserConfig{Headless: true, Stealth: true}}
	cfg.defaults()
	return cfg
}

// Load reads a YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
