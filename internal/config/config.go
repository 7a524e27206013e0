// Package config loads the annotation service's YAML configuration file
// and applies defaults, mirroring the composition-root pattern described
// in the design notes: configuration is loaded once at startup and passed
// down explicitly, never read from ambient globals.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// VisionConfig configures the VisionTool.
type VisionConfig struct {
	Mode                  string        `yaml:"mode"`
	ModelID               string        `yaml:"model_id"`
	Device                string        `yaml:"device"`
	CacheDir              string        `yaml:"cache_dir"`
	EndpointURL           string        `yaml:"endpoint_url"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	AuthToken             string        `yaml:"auth_token"`
	Timeout               time.Duration `yaml:"-"`
}

// LLMConfig configures a structured-output model client (validator,
// enhancer, summary generator, or chat all share this shape, each with its
// own model name set at the Config level).
type LLMConfig struct {
	APIKey      string        `yaml:"-"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// UnmarshalYAML decodes an LLM section, parsing the timeout from a
// duration string ("45s", "2m") since yaml.v3 has no native handling for
// time.Duration.
func (l *LLMConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Model       string  `yaml:"model"`
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
		Timeout     string  `yaml:"timeout"`
	}
	raw.Model = l.Model
	raw.Temperature = l.Temperature
	raw.MaxTokens = l.MaxTokens
	if err := value.Decode(&raw); err != nil {
		return err
	}
	l.Model = raw.Model
	l.Temperature = raw.Temperature
	l.MaxTokens = raw.MaxTokens
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
		}
		l.Timeout = d
	}
	return nil
}

// ValidatorConfig configures the Validator's retry loop and fallback
// vocabulary.
type ValidatorConfig struct {
	LLM                LLMConfig `yaml:"llm"`
	MaxAttempts        int       `yaml:"max_attempts"`
	FallbackVocabulary []string  `yaml:"fallback_vocabulary"`
}

// WorkerPoolConfig bounds vision inference and remote LLM call concurrency.
type WorkerPoolConfig struct {
	VisionConcurrency int `yaml:"vision_concurrency"`
	LLMConcurrency    int `yaml:"llm_concurrency"`
}

// DatabaseConfig configures the embedded datastore. The store is SQLite,
// opened in WAL mode for concurrent readers with a non-blocking single
// writer.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	MaxOpenConns  int    `yaml:"max_open_conns"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

// LoggingConfig configures the two loggers threaded through the system.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the root configuration object, loaded once at process startup.
type Config struct {
	Vision    VisionConfig     `yaml:"vision"`
	Validator ValidatorConfig  `yaml:"validator"`
	Enhancer  LLMConfig        `yaml:"enhancer"`
	Summary   LLMConfig        `yaml:"summary"`
	Chat      LLMConfig        `yaml:"chat"`
	Workers   WorkerPoolConfig `yaml:"workers"`
	Database  DatabaseConfig   `yaml:"database"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// Load reads and parses the YAML file at path, applying defaults for any
// field the file leaves zero-valued, then layering environment-variable
// overrides for secrets that should never live in a checked-in file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	return cfg, nil
}

// DefaultConfig returns a Config populated with the system's defaults,
// independent of any file on disk.
func DefaultConfig() *Config {
	return &Config{
		Vision: VisionConfig{
			Mode:                  "mock",
			Device:                "auto",
			RequestTimeoutSeconds: 600,
		},
		Validator: ValidatorConfig{
			LLM: LLMConfig{
				Temperature: 0.1,
				MaxTokens:   1024,
				Timeout:     60 * time.Second,
			},
			MaxAttempts: 2,
		},
		Enhancer: LLMConfig{Temperature: 0.2, MaxTokens: 512, Timeout: 60 * time.Second},
		Summary:  LLMConfig{Temperature: 0.2, MaxTokens: 1024, Timeout: 60 * time.Second},
		Chat:     LLMConfig{Temperature: 0.3, MaxTokens: 1024, Timeout: 60 * time.Second},
		Workers: WorkerPoolConfig{
			VisionConcurrency: 1,
			LLMConcurrency:    4,
		},
		Database: DatabaseConfig{
			Path:          "annotations.db",
			MaxOpenConns:  8,
			BusyTimeoutMS: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyDefaults fills in zero-valued fields a partially specified config
// file left unset.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Vision.Mode == "" {
		c.Vision.Mode = defaults.Vision.Mode
	}
	if c.Vision.Device == "" {
		c.Vision.Device = defaults.Vision.Device
	}
	if c.Vision.RequestTimeoutSeconds == 0 {
		c.Vision.RequestTimeoutSeconds = defaults.Vision.RequestTimeoutSeconds
	}
	c.Vision.Timeout = time.Duration(c.Vision.RequestTimeoutSeconds) * time.Second

	if c.Validator.MaxAttempts == 0 {
		c.Validator.MaxAttempts = defaults.Validator.MaxAttempts
	}
	if c.Validator.LLM.Timeout == 0 {
		c.Validator.LLM.Timeout = defaults.Validator.LLM.Timeout
	}
	if c.Validator.LLM.MaxTokens == 0 {
		c.Validator.LLM.MaxTokens = defaults.Validator.LLM.MaxTokens
	}

	if c.Enhancer.Timeout == 0 {
		c.Enhancer.Timeout = defaults.Enhancer.Timeout
	}
	if c.Summary.Timeout == 0 {
		c.Summary.Timeout = defaults.Summary.Timeout
	}
	if c.Chat.Timeout == 0 {
		c.Chat.Timeout = defaults.Chat.Timeout
	}

	if c.Workers.VisionConcurrency == 0 {
		c.Workers.VisionConcurrency = defaults.Workers.VisionConcurrency
	}
	if c.Workers.LLMConcurrency == 0 {
		c.Workers.LLMConcurrency = defaults.Workers.LLMConcurrency
	}

	if c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if c.Database.BusyTimeoutMS == 0 {
		c.Database.BusyTimeoutMS = defaults.Database.BusyTimeoutMS
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
}

// loadFromEnv layers environment-variable overrides for values that
// should not be committed to a config file on disk.
func (c *Config) loadFromEnv() {
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.Validator.LLM.APIKey = v
		c.Enhancer.APIKey = v
		c.Summary.APIKey = v
		c.Chat.APIKey = v
	}
	if v := os.Getenv("VISION_AUTH_TOKEN"); v != "" {
		c.Vision.AuthToken = v
	}
	if v := os.Getenv("VISION_MODE"); v != "" {
		c.Vision.Mode = v
	}
	if v := os.Getenv("VISION_ENDPOINT_URL"); v != "" {
		c.Vision.EndpointURL = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
