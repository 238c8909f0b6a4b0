package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath     = "CONFIG_PATH"
	EnvDBConnection   = "DB_CONNECTION"
	EnvProviderAPIKey = "PROVIDER_API_KEY"
)

// AppConfig holds resolved application configuration values.
type AppConfig struct {
	ConfigPath string
}

// LoadFromEnv loads app config from environment variables.
func LoadFromEnv() (AppConfig, error) {
	return AppConfig{ConfigPath: ResolveConfigPath(os.Getenv(EnvConfigPath))}, nil
}

// ResolveConfigPath normalizes the config path and applies defaults.
func ResolveConfigPath(p string) string {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		trimmed = "./config.yaml"
	}
	if abs, err := filepath.Abs(trimmed); err == nil {
		return abs
	}
	return trimmed
}

// ErrMissingDatabaseDSN indicates no database DSN is present in the config file.
var ErrMissingDatabaseDSN = errors.New("missing database dsn (set `database-dsn` or `database.dsn` in config file)")

// LoadDatabaseDSN reads the database DSN from the YAML config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	if dsn := strings.TrimSpace(os.Getenv(EnvDBConnection)); dsn != "" {
		return dsn, nil
	}

	// fileConfig maps the YAML fields needed for DSN resolution.
	type fileConfig struct {
		DatabaseDSN string `yaml:"database-dsn"`
		Database    struct {
			DSN string `yaml:"dsn"`
		} `yaml:"database"`
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config file: %w", err)
	}

	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return "", fmt.Errorf("parse config file: %w", errUnmarshal)
	}

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(cfg.Database.DSN); dsn != "" {
		return dsn, nil
	}
	return "", ErrMissingDatabaseDSN
}

// ProviderConfig holds upstream LLM provider settings.
type ProviderConfig struct {
	BaseURL    string        `yaml:"base-url"`
	APIKey     string        `yaml:"api-key"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max-retries"`
}

const (
	defaultProviderBaseURL = "https://api.openai.com/v1"
	defaultProviderTimeout = 60 * time.Second
	defaultProviderRetries = 2
)

// LoadProviderConfig loads provider settings from the YAML config file,
// applying defaults and the API key env override.
func LoadProviderConfig(configPath string) (ProviderConfig, error) {
	// fileConfig maps the YAML fields needed for provider settings.
	type fileConfig struct {
		Provider ProviderConfig `yaml:"provider"`
	}

	result := ProviderConfig{
		BaseURL:    defaultProviderBaseURL,
		Timeout:    defaultProviderTimeout,
		MaxRetries: defaultProviderRetries,
	}

	data, errRead := os.ReadFile(configPath)
	if errRead == nil {
		var cfg fileConfig
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal == nil {
			if strings.TrimSpace(cfg.Provider.BaseURL) != "" {
				result.BaseURL = strings.TrimSpace(cfg.Provider.BaseURL)
			}
			if strings.TrimSpace(cfg.Provider.APIKey) != "" {
				result.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
			}
			if cfg.Provider.Timeout > 0 {
				result.Timeout = cfg.Provider.Timeout
			}
			if cfg.Provider.MaxRetries > 0 {
				result.MaxRetries = cfg.Provider.MaxRetries
			}
		}
	}

	if key := strings.TrimSpace(os.Getenv(EnvProviderAPIKey)); key != "" {
		result.APIKey = key
	}
	return result, nil
}

// QuotaConfig holds quota epoch settings.
type QuotaConfig struct {
	Timezone string `yaml:"timezone"`
}

// LoadQuotaLocation resolves the reference timezone anchoring the daily
// epoch boundary. Missing or invalid settings fall back to UTC.
func LoadQuotaLocation(configPath string) *time.Location {
	// fileConfig maps the YAML fields needed for quota settings.
	type fileConfig struct {
		Quota QuotaConfig `yaml:"quota"`
	}

	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		return time.UTC
	}
	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return time.UTC
	}
	name := strings.TrimSpace(cfg.Quota.Timezone)
	if name == "" {
		return time.UTC
	}
	loc, errLoad := time.LoadLocation(name)
	if errLoad != nil {
		return time.UTC
	}
	return loc
}

// RateLimitConfig holds limiter backend settings.
type RateLimitConfig struct {
	RedisEnabled  bool   `yaml:"redis-enabled"`
	RedisAddr     string `yaml:"redis-addr"`
	RedisPassword string `yaml:"redis-password"`
	RedisDB       int    `yaml:"redis-db"`
	RedisPrefix   string `yaml:"redis-prefix"`
}

// LoadRateLimitConfig loads limiter settings from the YAML config file.
// Missing settings disable the Redis backend.
func LoadRateLimitConfig(configPath string) RateLimitConfig {
	// fileConfig maps the YAML fields needed for rate limit settings.
	type fileConfig struct {
		RateLimit RateLimitConfig `yaml:"rate-limit"`
	}

	data, errRead := os.ReadFile(configPath)
	if errRead != nil {
		return RateLimitConfig{}
	}
	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return RateLimitConfig{}
	}
	return cfg.RateLimit
}
