package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listener
	Protocol        string `env:"SC_PROTOCOL" envDefault:"ws"` // ws or wss
	Port            int    `env:"SC_PORT" envDefault:"3010"`
	CertificatePath string `env:"SC_CERTIFICATE_PATH"`
	PrivateKeyPath  string `env:"SC_PRIVATE_KEY_PATH"`
	ExtraLocalPort  int    `env:"SC_EXTRA_LOCAL_PORT" envDefault:"0"` // 0 = disabled

	// Persistence
	DBBackend string `env:"SC_DB_BACKEND" envDefault:"leveldb"` // leveldb or mongo
	DBName    string `env:"SC_DB_NAME" envDefault:"statecast"`
	DBPath    string `env:"SC_DB_PATH" envDefault:"./data"`
	MongoURI  string `env:"SC_MONGO_URI" envDefault:"mongodb://localhost:27017"`

	// Access control
	LocalMode        bool   `env:"SC_LOCAL_MODE" envDefault:"false"`
	PublicDataAccess bool   `env:"SC_PUBLIC_DATA_ACCESS" envDefault:"false"`
	AllowAddingUsers bool   `env:"SC_ALLOW_ADDING_USERS" envDefault:"false"`
	OwnerSelfAccess  bool   `env:"SC_OWNER_SELF_ACCESS" envDefault:"true"`
	UseAuthFiles     bool   `env:"SC_USE_AUTH_FILES" envDefault:"false"`
	BaseAuthDir      string `env:"SC_BASE_AUTH_DIR" envDefault:"./auth"`
	TokenSecret      string `env:"SC_TOKEN_SECRET"` // enables session-cookie verification when set

	// External data sources
	ExternalDataSourceConfigPath string `env:"SC_EXTERNAL_SOURCES_CONFIG"`

	// Transport tuning
	MaxSegmentSize int           `env:"SC_MAX_SEGMENT_SIZE" envDefault:"16000"`
	PoolSize       int           `env:"SC_POOL_SIZE" envDefault:"20"`
	PoolDelay      time.Duration `env:"SC_POOL_DELAY" envDefault:"100ms"`
	ReplyTimeout   time.Duration `env:"SC_REPLY_TIMEOUT" envDefault:"30s"`
	SendQueueSize  int           `env:"SC_SEND_QUEUE_SIZE" envDefault:"1024"`

	// Capacity
	MaxConnections  int `env:"SC_MAX_CONNECTIONS" envDefault:"2000"`
	WorkerPoolSize  int `env:"SC_WORKER_POOL_SIZE" envDefault:"16"`
	WorkerQueueSize int `env:"SC_WORKER_QUEUE_SIZE" envDefault:"1600"`
	MaxGoroutines   int `env:"SC_MAX_GOROUTINES" envDefault:"10000"`

	// Per-connection inbound rate limiting
	MessageRatePerSec int `env:"SC_MESSAGE_RATE_PER_SEC" envDefault:"50"`
	MessageRateBurst  int `env:"SC_MESSAGE_RATE_BURST" envDefault:"200"`

	// Safety thresholds, relative to the container CPU allocation
	CPURejectThreshold float64 `env:"SC_CPU_REJECT_THRESHOLD" envDefault:"85.0"`
	MemoryLimit        int64   `env:"SC_MEMORY_LIMIT" envDefault:"0"` // 0 = detect from cgroup

	// Control bus (optional; disabled when empty)
	NATSURL string `env:"SC_NATS_URL"`

	// Monitoring
	MetricsInterval time.Duration `env:"SC_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	DebugLevel int    `env:"SC_DEBUG_LEVEL" envDefault:"0"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production supplies real env vars.
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Protocol != "ws" && c.Protocol != "wss" {
		return fmt.Errorf("SC_PROTOCOL must be ws or wss, got %q", c.Protocol)
	}
	if c.Protocol == "wss" && (c.CertificatePath == "" || c.PrivateKeyPath == "") {
		return fmt.Errorf("SC_CERTIFICATE_PATH and SC_PRIVATE_KEY_PATH are required for wss")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SC_PORT must be 1-65535, got %d", c.Port)
	}
	if c.ExtraLocalPort != 0 && (c.ExtraLocalPort < 1 || c.ExtraLocalPort > 65535) {
		return fmt.Errorf("SC_EXTRA_LOCAL_PORT must be 0 or 1-65535, got %d", c.ExtraLocalPort)
	}
	if c.DBBackend != "leveldb" && c.DBBackend != "mongo" {
		return fmt.Errorf("SC_DB_BACKEND must be leveldb or mongo, got %q", c.DBBackend)
	}
	if c.DBName == "" {
		return fmt.Errorf("SC_DB_NAME is required")
	}
	// The segment budget must leave room for the fixed header plus at least
	// one payload byte.
	if c.MaxSegmentSize < 64 {
		return fmt.Errorf("SC_MAX_SEGMENT_SIZE must be >= 64, got %d", c.MaxSegmentSize)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("SC_POOL_SIZE must be > 0, got %d", c.PoolSize)
	}
	if c.PoolDelay <= 0 {
		return fmt.Errorf("SC_POOL_DELAY must be > 0, got %s", c.PoolDelay)
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("SC_REPLY_TIMEOUT must be > 0, got %s", c.ReplyTimeout)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("SC_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("SC_WORKER_POOL_SIZE must be > 0, got %d", c.WorkerPoolSize)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("SC_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration through the structured logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("protocol", c.Protocol).
		Int("port", c.Port).
		Int("extra_local_port", c.ExtraLocalPort).
		Str("db_backend", c.DBBackend).
		Str("db_name", c.DBName).
		Bool("local_mode", c.LocalMode).
		Bool("public_data_access", c.PublicDataAccess).
		Bool("allow_adding_users", c.AllowAddingUsers).
		Bool("use_auth_files", c.UseAuthFiles).
		Int("max_segment_size", c.MaxSegmentSize).
		Int("pool_size", c.PoolSize).
		Dur("pool_delay", c.PoolDelay).
		Dur("reply_timeout", c.ReplyTimeout).
		Int("max_connections", c.MaxConnections).
		Int("worker_pool_size", c.WorkerPoolSize).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
