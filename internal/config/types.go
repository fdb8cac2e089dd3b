package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Ingest    IngestConfig    `yaml:"ingest" mapstructure:"ingest"`
	S3        S3Config        `yaml:"s3" mapstructure:"s3"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"` // 0 keeps streams open
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// RedisConfig contains the key-value store connection
type RedisConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	Password      string `yaml:"password" mapstructure:"password"`
	PoolSize      int    `yaml:"pool_size" mapstructure:"pool_size"`
	MinIdleConns  int    `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	KeyPrefix     string `yaml:"key_prefix" mapstructure:"key_prefix"`
	AtomicBatches bool   `yaml:"atomic_batches" mapstructure:"atomic_batches"`
}

// IngestConfig contains ingestion pipeline configuration
type IngestConfig struct {
	SalesURI     string        `yaml:"sales_uri" mapstructure:"sales_uri"`
	PriceURI     string        `yaml:"price_uri" mapstructure:"price_uri"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	RunTimeout   time.Duration `yaml:"run_timeout" mapstructure:"run_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	StreamBuffer int           `yaml:"stream_buffer" mapstructure:"stream_buffer"`
	MaxWarnings  int           `yaml:"max_warnings" mapstructure:"max_warnings"`
	Schedule     string        `yaml:"schedule" mapstructure:"schedule"` // cron expression, empty disables
}

// S3Config contains object storage settings for s3:// inputs
type S3Config struct {
	Endpoint        string `yaml:"endpoint" mapstructure:"endpoint"`
	Region          string `yaml:"region" mapstructure:"region"`
	AccessKeyID     string `yaml:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" mapstructure:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style" mapstructure:"use_path_style"`
}

// HistoryConfig contains run history database configuration
type HistoryConfig struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// RateLimitConfig limits how often ingestion and reset can be triggered per client
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
		},
		Ingest: IngestConfig{
			SalesURI:     "public/data/Sales.csv",
			PriceURI:     "public/data/Price.csv",
			BatchSize:    1000,
			RunTimeout:   5 * time.Minute,
			WriteTimeout: 30 * time.Second,
			StreamBuffer: 64,
			MaxWarnings:  100,
		},
		S3: S3Config{
			Region:       "us-east-1",
			UsePathStyle: true,
		},
		History: HistoryConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws/ingest",
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 6,
			Burst:          2,
		},
	}
	cfg.Logging.File.Path = "logs/salesdash.log"
	return cfg
}
