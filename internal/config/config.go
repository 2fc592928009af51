// Package config provides configuration loading and validation for the store services.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration constants.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 8080
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultBodyLimit       = "4M"

	DefaultMongoDBTimeout     = 10 * time.Second
	DefaultMongoDBMaxPoolSize = 100

	DefaultSQLiteBusyTimeout = 5 * time.Second

	DefaultRedisPoolSize = 10

	DefaultNATSDuplicateWindow = 2 * time.Minute

	DefaultForwarderPollInterval   = 200 * time.Millisecond
	DefaultForwarderBatchSize      = 100
	DefaultForwarderInitialBackoff = 100 * time.Millisecond
	DefaultForwarderMaxBackoff     = 30 * time.Second
	DefaultForwarderBackoffFactor  = 2.0
	DefaultForwarderMetricsPort    = 9091

	DefaultPageSize     = 100
	DefaultMaxPageSize  = 1000
	DefaultMaxBatchSize = 1000

	DefaultJWKSRefreshInterval = time.Hour

	DefaultRateLimit       = 600
	DefaultRateLimitBurst  = 60
	DefaultRateLimitWindow = time.Minute

	devJWTSecret = "dev-secret-change-in-production"
	maxPort      = 65535
)

// Storage backends.
const (
	BackendMongoDB = "mongodb"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// Event bus types.
const (
	EventBusRedis    = "redis"
	EventBusNATS     = "nats"
	EventBusInMemory = "inmemory"
)

// Token validation modes.
const (
	AuthModeHMAC = "hmac"
	AuthModeJWKS = "jwks"
)

// Config holds the complete application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	MongoDB   MongoDBConfig   `yaml:"mongodb"`
	SQLite    SQLiteConfig    `yaml:"sqlite"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	EventBus  EventBusConfig  `yaml:"eventbus"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Reads     ReadsConfig     `yaml:"reads"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Log       LogConfig       `yaml:"log"`
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	// Name is the application name used in logs.
	Name string `yaml:"name" env:"APP_NAME"`
}

// ServerConfig holds HTTP server configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	BodyLimit       string        `yaml:"body_limit" env:"SERVER_BODY_LIMIT"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Address returns the full server address (host:port).
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects the event store backend.
type StorageConfig struct {
	Backend string `yaml:"backend" env:"STORAGE_BACKEND"` // mongodb | sqlite | memory
}

// MongoDBConfig holds MongoDB connection configuration.
// Transactions require a replica set, a single-node one is enough.
//
//nolint:golines // Struct tags require longer lines for readability
type MongoDBConfig struct {
	URI         string        `yaml:"uri" env:"MONGODB_URI"`
	Database    string        `yaml:"database" env:"MONGODB_DATABASE"`
	Timeout     time.Duration `yaml:"timeout" env:"MONGODB_TIMEOUT"`
	MaxPoolSize uint64        `yaml:"max_pool_size" env:"MONGODB_MAX_POOL_SIZE"`
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path        string        `yaml:"path" env:"SQLITE_PATH"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"SQLITE_BUSY_TIMEOUT"`
}

// RedisConfig holds Redis connection configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	PoolSize int    `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
}

// NATSConfig holds NATS JetStream configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type NATSConfig struct {
	URL             string        `yaml:"url" env:"NATS_URL"`
	StreamName      string        `yaml:"stream_name" env:"NATS_STREAM_NAME"`
	DuplicateWindow time.Duration `yaml:"duplicate_window" env:"NATS_DUPLICATE_WINDOW"`
}

// EventBusConfig selects and shapes the forwarder's outbound publisher.
//
//nolint:golines // Struct tags require longer lines for readability
type EventBusConfig struct {
	Type          string `yaml:"type" env:"EVENTBUS_TYPE"` // redis | nats | inmemory
	ChannelPrefix string `yaml:"channel_prefix" env:"EVENTBUS_CHANNEL_PREFIX"`
	SubjectPrefix string `yaml:"subject_prefix" env:"EVENTBUS_SUBJECT_PREFIX"`
	Partitions    int    `yaml:"partitions" env:"EVENTBUS_PARTITIONS"`
	MaxLen        int64  `yaml:"max_len" env:"EVENTBUS_MAX_LEN"`
}

// ForwarderConfig holds the forwarder loop settings.
//
//nolint:golines // Struct tags require longer lines for readability
type ForwarderConfig struct {
	Enabled        bool          `yaml:"enabled" env:"FORWARDER_ENABLED"`
	Name           string        `yaml:"name" env:"FORWARDER_NAME"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"FORWARDER_POLL_INTERVAL"`
	BatchSize      int           `yaml:"batch_size" env:"FORWARDER_BATCH_SIZE"`
	InitialBackoff time.Duration `yaml:"initial_backoff" env:"FORWARDER_INITIAL_BACKOFF"`
	MaxBackoff     time.Duration `yaml:"max_backoff" env:"FORWARDER_MAX_BACKOFF"`
	BackoffFactor  float64       `yaml:"backoff_factor" env:"FORWARDER_BACKOFF_FACTOR"`

	// MetricsPort serves /metrics and the health endpoints of the worker. Zero disables it.
	MetricsPort int `yaml:"metrics_port" env:"FORWARDER_METRICS_PORT"`
}

// ReadsConfig bounds reads and append batches.
//
//nolint:golines // Struct tags require longer lines for readability
type ReadsConfig struct {
	DefaultPageSize int `yaml:"default_page_size" env:"READS_DEFAULT_PAGE_SIZE"`
	MaxPageSize     int `yaml:"max_page_size" env:"READS_MAX_PAGE_SIZE"`
	MaxBatchSize    int `yaml:"max_batch_size" env:"READS_MAX_BATCH_SIZE"`
}

// SnapshotsConfig holds the snapshot policy hint. Zero disables it.
type SnapshotsConfig struct {
	Every int64 `yaml:"every" env:"SNAPSHOTS_EVERY"`
}

// AuthConfig holds bearer token configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type AuthConfig struct {
	Enabled             bool          `yaml:"enabled" env:"AUTH_ENABLED"`
	Mode                string        `yaml:"mode" env:"AUTH_MODE"` // hmac | jwks
	JWTSecret           string        `yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	Issuer              string        `yaml:"issuer" env:"AUTH_ISSUER"`
	Audience            string        `yaml:"audience" env:"AUTH_AUDIENCE"`
	JWKSURL             string        `yaml:"jwks_url" env:"AUTH_JWKS_URL"`
	JWKSRefreshInterval time.Duration `yaml:"jwks_refresh_interval" env:"AUTH_JWKS_REFRESH_INTERVAL"`
}

// RateLimitConfig limits write requests per caller.
//
//nolint:golines // Struct tags require longer lines for readability
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATELIMIT_ENABLED"`
	Store   string        `yaml:"store" env:"RATELIMIT_STORE"` // memory | redis
	Limit   int           `yaml:"limit" env:"RATELIMIT_LIMIT"`
	Burst   int           `yaml:"burst" env:"RATELIMIT_BURST"`
	Window  time.Duration `yaml:"window" env:"RATELIMIT_WINDOW"`
}

// LogConfig holds logging configuration.
//
//nolint:golines // Struct tags require longer lines for readability
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug | info | warn | error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json | text
}

// Configuration errors.
var (
	ErrConfigNotFound       = errors.New("configuration file not found")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrInvalidDuration      = errors.New("invalid duration format")
	ErrInvalidLogLevel      = errors.New("invalid log level: must be debug, info, warn, or error")
	ErrInvalidLogFormat     = errors.New("invalid log format: must be json or text")
	ErrInvalidBackend       = errors.New("invalid storage backend: must be mongodb, sqlite, or memory")
	ErrInvalidEventBusType  = errors.New("invalid event bus type: must be redis, nats, or inmemory")
	ErrInvalidAuthMode      = errors.New("invalid auth mode: must be hmac or jwks")
	ErrInvalidRateLimitType = errors.New("invalid rate limit store: must be memory or redis")
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name: "evstore",
		},
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			BodyLimit:       DefaultBodyLimit,
		},
		Storage: StorageConfig{
			Backend: BackendMongoDB,
		},
		MongoDB: MongoDBConfig{
			URI:         "mongodb://localhost:27017/?replicaSet=rs0",
			Database:    "evstore",
			Timeout:     DefaultMongoDBTimeout,
			MaxPoolSize: DefaultMongoDBMaxPoolSize,
		},
		SQLite: SQLiteConfig{
			Path:        "evstore.db",
			BusyTimeout: DefaultSQLiteBusyTimeout,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: DefaultRedisPoolSize,
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			StreamName:      "EVSTORE_EVENTS",
			DuplicateWindow: DefaultNATSDuplicateWindow,
		},
		EventBus: EventBusConfig{
			Type:          EventBusRedis,
			ChannelPrefix: "evstore:events:",
			SubjectPrefix: "evstore.events",
			Partitions:    1,
		},
		Forwarder: ForwarderConfig{
			Enabled:        true,
			Name:           "forwarder",
			PollInterval:   DefaultForwarderPollInterval,
			BatchSize:      DefaultForwarderBatchSize,
			InitialBackoff: DefaultForwarderInitialBackoff,
			MaxBackoff:     DefaultForwarderMaxBackoff,
			BackoffFactor:  DefaultForwarderBackoffFactor,
			MetricsPort:    DefaultForwarderMetricsPort,
		},
		Reads: ReadsConfig{
			DefaultPageSize: DefaultPageSize,
			MaxPageSize:     DefaultMaxPageSize,
			MaxBatchSize:    DefaultMaxBatchSize,
		},
		Auth: AuthConfig{
			Enabled:             true,
			Mode:                AuthModeHMAC,
			JWTSecret:           devJWTSecret,
			JWKSRefreshInterval: DefaultJWKSRefreshInterval,
		},
		RateLimit: RateLimitConfig{
			Store:  "memory",
			Limit:  DefaultRateLimit,
			Burst:  DefaultRateLimitBurst,
			Window: DefaultRateLimitWindow,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration and returns an error if invalid.
// Sections for unused backends are not checked.
func (c *Config) Validate() error {
	var errs []error

	errs = c.validateServer(errs)
	errs = c.validateStorage(errs)
	errs = c.validateEventBus(errs)
	errs = c.validateForwarder(errs)
	errs = c.validateReads(errs)
	errs = c.validateAuth(errs)
	errs = c.validateRateLimit(errs)
	errs = c.validateLog(errs)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

func (c *Config) validateServer(errs []error) []error {
	if c.Server.Port <= 0 || c.Server.Port > maxPort {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	return errs
}

func (c *Config) validateStorage(errs []error) []error {
	switch strings.ToLower(c.Storage.Backend) {
	case BackendMongoDB:
		if c.MongoDB.URI == "" {
			errs = append(errs, errors.New("mongodb.uri is required"))
		}
		if c.MongoDB.Database == "" {
			errs = append(errs, errors.New("mongodb.database is required"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidBackend, c.Storage.Backend))
	}
	return errs
}

func (c *Config) validateEventBus(errs []error) []error {
	switch strings.ToLower(c.EventBus.Type) {
	case EventBusRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required"))
		}
	case EventBusNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
	case EventBusInMemory:
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidEventBusType, c.EventBus.Type))
	}
	if c.EventBus.Partitions < 1 {
		errs = append(errs, errors.New("eventbus.partitions must be at least 1"))
	}
	return errs
}

func (c *Config) validateForwarder(errs []error) []error {
	f := c.Forwarder
	if f.Name == "" {
		errs = append(errs, errors.New("forwarder.name is required"))
	}
	if f.BatchSize <= 0 {
		errs = append(errs, errors.New("forwarder.batch_size must be positive"))
	}
	if f.PollInterval <= 0 {
		errs = append(errs, errors.New("forwarder.poll_interval must be positive"))
	}
	if f.InitialBackoff <= 0 || f.MaxBackoff < f.InitialBackoff {
		errs = append(errs, errors.New("forwarder backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if f.BackoffFactor < 1 {
		errs = append(errs, errors.New("forwarder.backoff_factor must be at least 1"))
	}
	if f.MetricsPort < 0 || f.MetricsPort > maxPort {
		errs = append(errs, errors.New("forwarder.metrics_port must be between 0 and 65535"))
	}
	return errs
}

func (c *Config) validateReads(errs []error) []error {
	if c.Reads.DefaultPageSize <= 0 || c.Reads.MaxPageSize < c.Reads.DefaultPageSize {
		errs = append(errs, errors.New("reads page sizes must satisfy 0 < default_page_size <= max_page_size"))
	}
	if c.Reads.MaxBatchSize <= 0 {
		errs = append(errs, errors.New("reads.max_batch_size must be positive"))
	}
	if c.Snapshots.Every < 0 {
		errs = append(errs, errors.New("snapshots.every must not be negative"))
	}
	return errs
}

func (c *Config) validateAuth(errs []error) []error {
	if !c.Auth.Enabled {
		return errs
	}
	switch strings.ToLower(c.Auth.Mode) {
	case AuthModeHMAC:
		if c.Auth.JWTSecret == "" {
			errs = append(errs, errors.New("auth.jwt_secret is required"))
		}
	case AuthModeJWKS:
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidAuthMode, c.Auth.Mode))
	}
	return errs
}

func (c *Config) validateRateLimit(errs []error) []error {
	if !c.RateLimit.Enabled {
		return errs
	}
	switch strings.ToLower(c.RateLimit.Store) {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis rate limit store"))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: got %q", ErrInvalidRateLimitType, c.RateLimit.Store))
	}
	if c.RateLimit.Limit <= 0 {
		errs = append(errs, errors.New("ratelimit.limit must be positive"))
	}
	return errs
}

func (c *Config) validateLog(errs []error) []error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, ErrInvalidLogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ErrInvalidLogFormat)
	}
	return errs
}

// Load loads configuration from the default config file and environment variables.
func Load() (*Config, error) {
	return LoadFromPath("")
}

// LoadFromPath loads configuration from a specific file path.
// If path is empty, it tries to find the config file in standard locations.
func LoadFromPath(path string) (*Config, error) {
	loader := NewLoader()
	return loader.Load(path)
}

// Loader handles configuration loading from files and environment variables.
type Loader struct {
	configPaths []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		configPaths: []string{
			"configs/config.yaml",
			"config.yaml",
			"/etc/evstore/config.yaml",
		},
	}
}

// WithConfigPaths sets custom config paths to search.
func (l *Loader) WithConfigPaths(paths []string) *Loader {
	l.configPaths = paths
	return l
}

// Load loads configuration from file and environment variables.
func (l *Loader) Load(path string) (*Config, error) {
	// Start with default config
	cfg := DefaultConfig()

	// Determine config file path
	configPath := path
	if configPath == "" {
		// Check CONFIG_PATH environment variable first
		if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
			configPath = envPath
		} else {
			// Search in standard locations
			for _, p := range l.configPaths {
				if _, err := os.Stat(p); err == nil {
					configPath = p
					break
				}
			}
		}
	}

	// Load from file if found
	if configPath != "" {
		if err := l.loadFromFile(cfg, configPath); err != nil {
			// Only return error if path was explicitly specified
			if path != "" || os.Getenv("CONFIG_PATH") != "" {
				return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
			}
			// Otherwise, continue with defaults + env vars
		}
	}

	// Override with environment variables
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	// Validate the final configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if unmarshalErr := yaml.Unmarshal(data, cfg); unmarshalErr != nil {
		return fmt.Errorf("failed to parse config file: %w", unmarshalErr)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.loadEnvToStruct(reflect.ValueOf(cfg).Elem())
}

// loadEnvToStruct recursively loads environment variables into a struct.
func (l *Loader) loadEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := range v.NumField() {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Handle embedded structs
		if field.Kind() == reflect.Struct {
			if err := l.loadEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		// Get env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		// Get environment variable value
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		// Set field value based on type
		if err := l.setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromEnv sets a struct field value from an environment variable string.
//
//nolint:exhaustive // We only support a subset of reflect.Kind for config values
func (l *Loader) setFieldFromEnv(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Check if it's a time.Duration
		if field.Type() == reflect.TypeFor[time.Duration]() {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrInvalidDuration, value)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %s", value)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid unsigned integer value: %s", value)
		}
		field.SetUint(u)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value: %s", value)
		}
		field.SetBool(b)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(f)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// IsDevelopment returns true if the log level indicates a development environment.
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Log.Level) == "debug"
}

// UsesDevSecret reports whether HMAC auth still runs on the built-in development secret.
func (c *Config) UsesDevSecret() bool {
	return c.Auth.Enabled && strings.EqualFold(c.Auth.Mode, AuthModeHMAC) && c.Auth.JWTSecret == devJWTSecret
}
