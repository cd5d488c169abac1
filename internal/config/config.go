package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Dispatch       DispatchConfig       `yaml:"dispatch"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Providers      ProvidersConfig      `yaml:"providers"`
	Database       DatabaseConfig       `yaml:"database"`
	Logging        LoggingConfig        `yaml:"logging"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Auth           AuthConfig           `yaml:"auth"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        string   `yaml:"port"`
	CorsOrigins []string `yaml:"cors_origins"`
}

type DispatchConfig struct {
	Concurrency      int `yaml:"concurrency"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	DefaultRetries   int `yaml:"default_retries"`
	CacheSize        int `yaml:"cache_size"`
}

type RateLimitConfig struct {
	PerUserMaxPerMinute int    `yaml:"per_user_max_per_minute"`
	GlobalMaxPerMinute  int    `yaml:"global_max_per_minute"`
	WindowMs            int    `yaml:"window_ms"`
	Backend             string `yaml:"backend"` // "memory" or "redis"
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
}

type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig configures one backend adapter. APIKey may be a literal or
// a "${ENV_VAR}" reference resolved through the secrets store at wiring time.
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type DatabaseConfig struct {
	EnablePersistence bool   `yaml:"enable_persistence"`
	URL               string `yaml:"url"`
	Host              string `yaml:"host"`
	Port              string `yaml:"port"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	Name              string `yaml:"name"`
	SSLMode           string `yaml:"ssl_mode"`
	Workers           int    `yaml:"workers"`
	BufferSize        int    `yaml:"buffer_size"`
}

type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	ReportCaller bool   `yaml:"report_caller"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRequests      uint32        `yaml:"max_requests"`
}

type AuthConfig struct {
	// JWTSecret enables per-user identification from bearer tokens. When
	// empty, callers are keyed by client IP.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoadYAML loads configuration from a YAML file with environment variable
// overrides. In strict mode unknown YAML fields are rejected loudly; in
// lenient mode they are ignored.
func LoadYAML(configPath string, strict bool) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	config := getDefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		yamlFile, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(yamlFile))
		decoder.KnownFields(strict)
		if err := decoder.Decode(config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}

		logrus.WithField("config_file", configPath).Info("Loaded configuration from YAML file")
	} else {
		logrus.WithField("config_file", configPath).Warn("Config file not found, using defaults and environment variables")
	}

	config = applyEnvironmentOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with sensible defaults
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        "8080",
			CorsOrigins: []string{"*"},
		},
		Dispatch: DispatchConfig{
			Concurrency:      4,
			DefaultTimeoutMs: 60000,
			DefaultRetries:   3,
			CacheSize:        1000,
		},
		RateLimit: RateLimitConfig{
			PerUserMaxPerMinute: 20,
			GlobalMaxPerMinute:  200,
			WindowMs:            60000,
			Backend:             "memory",
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderConfig{
				Enabled: true,
				APIKey:  "${OPENAI_API_KEY}",
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o",
			},
			Anthropic: ProviderConfig{
				Enabled: true,
				APIKey:  "${ANTHROPIC_API_KEY}",
				BaseURL: "https://api.anthropic.com",
				Model:   "claude-3-5-sonnet-20240620",
			},
		},
		Database: DatabaseConfig{
			EnablePersistence: false,
			Host:              "localhost",
			Port:              "5432",
			User:              "multillm",
			Name:              "multillm",
			SSLMode:           "disable",
			Workers:           3,
			BufferSize:        1000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "auto",
			ReportCaller: false,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
			MaxRequests:      3,
		},
	}
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(config *Config) *Config {
	// Server overrides
	if val := os.Getenv("HOST"); val != "" {
		config.Server.Host = val
	}
	if val := os.Getenv("PORT"); val != "" {
		config.Server.Port = val
	}
	if val := os.Getenv("CORS_ORIGINS"); val != "" {
		config.Server.CorsOrigins = strings.Split(val, ",")
		for i := range config.Server.CorsOrigins {
			config.Server.CorsOrigins[i] = strings.TrimSpace(config.Server.CorsOrigins[i])
		}
	}

	// Dispatch overrides
	if val := os.Getenv("CONCURRENCY"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Dispatch.Concurrency = i
		}
	}
	if val := os.Getenv("DEFAULT_TIMEOUT_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Dispatch.DefaultTimeoutMs = i
		}
	}
	if val := os.Getenv("DEFAULT_RETRIES"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Dispatch.DefaultRetries = i
		}
	}
	if val := os.Getenv("CACHE_SIZE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.Dispatch.CacheSize = i
		}
	}

	// Rate limit overrides
	if val := os.Getenv("PER_USER_MAX_PER_MINUTE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.RateLimit.PerUserMaxPerMinute = i
		}
	}
	if val := os.Getenv("GLOBAL_MAX_PER_MINUTE"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.RateLimit.GlobalMaxPerMinute = i
		}
	}
	if val := os.Getenv("RATE_LIMIT_WINDOW_MS"); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			config.RateLimit.WindowMs = i
		}
	}
	if val := os.Getenv("RATE_LIMIT_BACKEND"); val != "" {
		config.RateLimit.Backend = val
	}
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		config.RateLimit.RedisAddr = val
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		config.RateLimit.RedisPassword = val
	}

	// Database overrides
	if val := os.Getenv("ENABLE_PERSISTENCE"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Database.EnablePersistence = b
		}
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Database.URL = val
	}
	if val := os.Getenv("DATABASE_HOST"); val != "" {
		config.Database.Host = val
	}
	if val := os.Getenv("DATABASE_PORT"); val != "" {
		config.Database.Port = val
	}
	if val := os.Getenv("DATABASE_USER"); val != "" {
		config.Database.User = val
	}
	if val := os.Getenv("DATABASE_PASSWORD"); val != "" {
		config.Database.Password = val
	}
	if val := os.Getenv("DATABASE_NAME"); val != "" {
		config.Database.Name = val
	}
	if val := os.Getenv("DATABASE_SSL_MODE"); val != "" {
		config.Database.SSLMode = val
	}

	// Logging overrides
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_REPORT_CALLER"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.Logging.ReportCaller = b
		}
	}

	// Circuit breaker overrides
	if val := os.Getenv("CIRCUIT_BREAKER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			config.CircuitBreaker.Enabled = b
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.FailureThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_SUCCESS_THRESHOLD"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.SuccessThreshold = uint32(i)
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.CircuitBreaker.Timeout = d
		}
	}
	if val := os.Getenv("CIRCUIT_BREAKER_MAX_REQUESTS"); val != "" {
		if i, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.CircuitBreaker.MaxRequests = uint32(i)
		}
	}

	// Auth overrides
	if val := os.Getenv("JWT_SECRET"); val != "" {
		config.Auth.JWTSecret = val
	}

	return config
}

// validateConfig validates the configuration and returns errors for invalid values
func validateConfig(config *Config) error {
	var errors []string

	if config.Dispatch.Concurrency < 1 {
		errors = append(errors, fmt.Sprintf("CONCURRENCY must be >= 1 (current: %d)", config.Dispatch.Concurrency))
	}
	if config.Dispatch.DefaultTimeoutMs < 0 {
		errors = append(errors, fmt.Sprintf("DEFAULT_TIMEOUT_MS must be >= 0 (current: %d)", config.Dispatch.DefaultTimeoutMs))
	}

	if config.RateLimit.PerUserMaxPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("PER_USER_MAX_PER_MINUTE must be >= 1 (current: %d)", config.RateLimit.PerUserMaxPerMinute))
	}
	if config.RateLimit.GlobalMaxPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("GLOBAL_MAX_PER_MINUTE must be >= 1 (current: %d)", config.RateLimit.GlobalMaxPerMinute))
	}
	if config.RateLimit.WindowMs < 1 {
		errors = append(errors, fmt.Sprintf("RATE_LIMIT_WINDOW_MS must be >= 1 (current: %d)", config.RateLimit.WindowMs))
	}
	switch config.RateLimit.Backend {
	case "memory":
	case "redis":
		if config.RateLimit.RedisAddr == "" {
			errors = append(errors, "REDIS_ADDR is required when the rate limit backend is redis")
		}
	default:
		errors = append(errors, fmt.Sprintf("rate limit backend must be memory or redis (current: %q)", config.RateLimit.Backend))
	}

	if !config.Providers.OpenAI.Enabled && !config.Providers.Anthropic.Enabled {
		errors = append(errors, "at least one provider must be enabled")
	}
	if config.Providers.OpenAI.Enabled && config.Providers.OpenAI.APIKey == "" {
		errors = append(errors, "openai provider is enabled but no api_key is configured")
	}
	if config.Providers.Anthropic.Enabled && config.Providers.Anthropic.APIKey == "" {
		errors = append(errors, "anthropic provider is enabled but no api_key is configured")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors: %s", strings.Join(errors, "; "))
	}

	return nil
}

// Window returns the rate limit window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// DefaultTimeout returns the default per-invocation timeout; zero disables it.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Dispatch.DefaultTimeoutMs) * time.Millisecond
}

// GetDatabaseDSN constructs the database connection string
func (c *Config) GetDatabaseDSN() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Load reads config.yaml in lenient mode.
func Load() (*Config, error) {
	return LoadYAML("", false)
}
