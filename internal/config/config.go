package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"

	// EnvPrefix is prepended to every environment variable name.
	EnvPrefix = "CHATRELAY_"
)

// Config holds application configuration
type Config struct {
	SessionID string `toml:"session_id" env:"SESSION_ID"`
	OwnerID   string `toml:"owner_id" env:"OWNER_ID"`
	Debug     bool   `toml:"debug" env:"DEBUG"`
	LogDir    string `toml:"log_dir" env:"LOG_DIR"`

	DB       DBConfig       `toml:"db" envPrefix:"DB_"`
	Redis    RedisConfig    `toml:"redis" envPrefix:"REDIS_"`
	Provider ProviderConfig `toml:"provider" envPrefix:"PROVIDER_"`
	Context  ContextConfig  `toml:"context" envPrefix:"CONTEXT_"`
	Image    ImageConfig    `toml:"image" envPrefix:"IMAGE_"`
}

// DBConfig selects the SQL driver backing the session store
type DBConfig struct {
	Driver string `toml:"driver" env:"DRIVER"`
	DSN    string `toml:"dsn" env:"DSN"`
}

// RedisConfig enables the shared model catalog cache when Addr is set
type RedisConfig struct {
	Addr     string `toml:"addr" env:"ADDR"`
	Password string `toml:"password" env:"PASSWORD"`
	DB       int    `toml:"db" env:"DB"`
}

// ProviderConfig describes the text-generation runtime
type ProviderConfig struct {
	BaseURL        string        `toml:"base_url" env:"BASE_URL"`
	Model          string        `toml:"model" env:"MODEL"` // "model:version", e.g. "llama3:latest"
	Timeout        time.Duration `toml:"timeout" env:"TIMEOUT"`
	ChatPath       string        `toml:"chat_path" env:"CHAT_PATH"`
	CompletionPath string        `toml:"completion_path" env:"COMPLETION_PATH"`
	ModelsPath     string        `toml:"models_path" env:"MODELS_PATH"`
	SystemPrompt   string        `toml:"system_prompt" env:"SYSTEM_PROMPT"`
	ModelCacheTTL  time.Duration `toml:"model_cache_ttl" env:"MODEL_CACHE_TTL"`
}

// ContextConfig bounds how much history reaches the prompt
type ContextConfig struct {
	Window       int `toml:"window" env:"WINDOW"`
	HistoryLimit int `toml:"history_limit" env:"HISTORY_LIMIT"`
}

// ImageConfig describes image backend discovery and generation parameters
type ImageConfig struct {
	Candidates   []string      `toml:"candidates" env:"CANDIDATES" envSeparator:","`
	ProbePath    string        `toml:"probe_path" env:"PROBE_PATH"`
	ProbeTimeout time.Duration `toml:"probe_timeout" env:"PROBE_TIMEOUT"`
	Timeout      time.Duration `toml:"timeout" env:"TIMEOUT"`
	OutputDir    string        `toml:"output_dir" env:"OUTPUT_DIR"`
	PublicPrefix string        `toml:"public_prefix" env:"PUBLIC_PREFIX"`
	Steps        int           `toml:"steps" env:"STEPS"`
	Width        int           `toml:"width" env:"WIDTH"`
	Height       int           `toml:"height" env:"HEIGHT"`
	CFGScale     float64       `toml:"cfg_scale" env:"CFG_SCALE"`
	Sampler      string        `toml:"sampler" env:"SAMPLER"`
}

// Default returns the configuration used when neither a file nor the
// environment say otherwise
func Default() Config {
	return Config{
		OwnerID: "local",
		LogDir:  "logs",
		DB: DBConfig{
			Driver: DriverSQLite,
			DSN:    "chatrelay.db",
		},
		Provider: ProviderConfig{
			BaseURL:        "http://localhost:11434",
			Model:          "llama3:latest",
			Timeout:        60 * time.Second,
			ChatPath:       "/api/chat",
			CompletionPath: "/api/generate",
			ModelsPath:     "/api/tags",
			SystemPrompt:   "You are a helpful assistant. Answer the user directly and concisely.",
			ModelCacheTTL:  5 * time.Minute,
		},
		Context: ContextConfig{
			Window:       10,
			HistoryLimit: 20,
		},
		Image: ImageConfig{
			Candidates:   []string{"http://localhost:7860/sdapi/v1"},
			ProbePath:    "/sd-models",
			ProbeTimeout: 3 * time.Second,
			Timeout:      120 * time.Second,
			OutputDir:    "generated",
			PublicPrefix: "/generated/",
			Steps:        20,
			Width:        512,
			Height:       512,
			CFGScale:     7,
			Sampler:      "Euler a",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file and
// CHATRELAY_* environment variables, in that order
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first unusable setting
func (c Config) Validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case DriverSQLite, "sqlite", DriverMySQL:
	default:
		return fmt.Errorf("unsupported db driver: %s", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return errors.New("db dsn must be provided")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider base url must be provided")
	}
	if c.Provider.Model == "" {
		return errors.New("provider model must be provided")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive, got %s", c.Provider.Timeout)
	}
	if c.Context.Window <= 0 {
		return fmt.Errorf("context window must be positive, got %d", c.Context.Window)
	}
	if c.Context.HistoryLimit < c.Context.Window {
		return fmt.Errorf("history limit %d is smaller than context window %d", c.Context.HistoryLimit, c.Context.Window)
	}
	if c.Image.ProbeTimeout <= 0 {
		return fmt.Errorf("image probe timeout must be positive, got %s", c.Image.ProbeTimeout)
	}
	return nil
}
