package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/viper"
)

// ErrMissingRedisURL is returned when no store connection is configured.
var ErrMissingRedisURL = errors.New("redis url is not configured")

var (
	mu      sync.Mutex
	current *viper.Viper
)

// envBindings lists keys that can be set from the environment without
// appearing in the config file. REDIS_URL and REDIS_PASSWORD are accepted
// for compatibility with existing deployments.
var envBindings = map[string][]string{
	"redis.url":                   {"SALESDASH_REDIS_URL", "REDIS_URL"},
	"redis.password":              {"SALESDASH_REDIS_PASSWORD", "REDIS_PASSWORD"},
	"ingest.sales_uri":            {"SALESDASH_INGEST_SALES_URI"},
	"ingest.price_uri":            {"SALESDASH_INGEST_PRICE_URI"},
	"ingest.schedule":             {"SALESDASH_INGEST_SCHEDULE"},
	"history.database_url":        {"SALESDASH_HISTORY_DATABASE_URL", "DATABASE_URL"},
	"s3.endpoint":                 {"SALESDASH_S3_ENDPOINT", "MINIO_ENDPOINT"},
	"s3.access_key_id":            {"SALESDASH_S3_ACCESS_KEY_ID", "MINIO_ACCESS_KEY"},
	"s3.secret_access_key":        {"SALESDASH_S3_SECRET_ACCESS_KEY", "MINIO_SECRET_KEY"},
	"logging.level":               {"SALESDASH_LOGGING_LEVEL"},
	"logging.format":              {"SALESDASH_LOGGING_FORMAT"},
	"server.port":                 {"SALESDASH_SERVER_PORT", "PORT"},
	"rate_limit.enabled":          {"SALESDASH_RATE_LIMIT_ENABLED"},
	"rate_limit.requests_per_min": {"SALESDASH_RATE_LIMIT_REQUESTS_PER_MIN"},
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/salesdash/")
	v.AddConfigPath("$HOME/.salesdash/")

	// Environment variable overrides
	v.SetEnvPrefix("SALESDASH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, names := range envBindings {
		args := append([]string{key}, names...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if strings.TrimSpace(config.Redis.URL) == "" {
		return ErrMissingRedisURL
	}

	if config.Ingest.SalesURI == "" || config.Ingest.PriceURI == "" {
		return fmt.Errorf("both ingest.sales_uri and ingest.price_uri are required")
	}

	if config.Ingest.BatchSize <= 0 {
		return fmt.Errorf("invalid batch size: %d", config.Ingest.BatchSize)
	}

	if config.Ingest.RunTimeout <= 0 {
		return fmt.Errorf("invalid run timeout: %s", config.Ingest.RunTimeout)
	}

	if config.Ingest.StreamBuffer < 0 {
		return fmt.Errorf("invalid stream buffer: %d", config.Ingest.StreamBuffer)
	}

	if config.Ingest.Schedule != "" {
		if err := gocron.NewDefaultCron(false).IsValid(config.Ingest.Schedule, time.Local, time.Now()); err != nil {
			return fmt.Errorf("invalid ingest schedule %q: %w", config.Ingest.Schedule, err)
		}
	}

	if config.WebSocket.Enabled && !strings.HasPrefix(config.WebSocket.Path, "/") {
		return fmt.Errorf("invalid websocket path: %q", config.WebSocket.Path)
	}

	if config.RateLimit.Enabled && config.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("invalid rate limit: %d requests per minute", config.RateLimit.RequestsPerMin)
	}

	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	return nil
}

// Watch starts watching the configuration file loaded by the last Load call.
// The callback only receives configurations that pass validation.
func Watch(callback func(*Config)) error {
	mu.Lock()
	v := current
	mu.Unlock()

	if v == nil {
		return fmt.Errorf("configuration has not been loaded")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("no configuration file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			return
		}

		if err := validateConfig(newConfig); err != nil {
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
