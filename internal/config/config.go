// Package config provides configuration management for renderd.
// Configuration is loaded from environment variables with sensible defaults;
// provider strategies come from a TOML file (see LoadProviders).
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// Default values
	DefaultPort                 = 8790
	DefaultLogLevel             = "info"
	DefaultDataDir              = ".renderd"
	DefaultProvidersFile        = "providers.toml"
	DefaultMaxConcurrentRenders = 2
	DefaultTransferMaxAttempts  = 3
	DefaultTransferBaseDelay    = 500 * time.Millisecond
	DefaultTransferTimeout      = 60 * time.Second
	DefaultContextCacheSize     = 1024
	DefaultContextCacheTTL      = 10 * time.Minute
	DefaultDispatchConcurrency  = 4
	DefaultAttemptTimeout       = 60 * time.Second
	DefaultRedisChannel         = "renderd.events"

	// Environment variable names
	EnvPort                 = "RENDERD_PORT"
	EnvLogLevel             = "RENDERD_LOG_LEVEL"
	EnvDataDir              = "RENDERD_DATA_DIR"
	EnvPublicURL            = "RENDERD_PUBLIC_URL"
	EnvAPIToken             = "RENDERD_API_TOKEN"
	EnvProvidersFile        = "RENDERD_PROVIDERS_FILE"
	EnvMaxConcurrentRenders = "RENDERD_MAX_CONCURRENT_RENDERS"
	EnvTransferMaxAttempts  = "RENDERD_TRANSFER_MAX_ATTEMPTS"
	EnvTransferBaseDelay    = "RENDERD_TRANSFER_BASE_DELAY"
	EnvTransferTimeout      = "RENDERD_TRANSFER_TIMEOUT"
	EnvContextCacheSize     = "RENDERD_CONTEXT_CACHE_SIZE"
	EnvContextCacheTTL      = "RENDERD_CONTEXT_CACHE_TTL"
	EnvStorageURL           = "RENDERD_STORAGE_URL"
	EnvStorageToken         = "RENDERD_STORAGE_TOKEN"
	EnvRedisAddr            = "RENDERD_REDIS_ADDR"
	EnvRedisChannel         = "RENDERD_REDIS_CHANNEL"
	EnvDispatchConcurrency  = "RENDERD_DISPATCH_CONCURRENCY"
	EnvAttemptTimeout       = "RENDERD_ATTEMPT_TIMEOUT"

	// Database filename
	DBFilename = "renderd.db"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	RendersDir() string
	PublicURL() string
	APIToken() string
	ProvidersFile() string
	MaxConcurrentRenders() int
	TransferMaxAttempts() int
	TransferBaseDelay() time.Duration
	TransferTimeout() time.Duration
	ContextCacheSize() int
	ContextCacheTTL() time.Duration
	StorageURL() string
	StorageToken() string
	RedisAddr() string
	RedisChannel() string
	DispatchConcurrency() int
	AttemptTimeout() time.Duration
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port          int
	logLevel      string
	dataDir       string
	publicURL     string
	apiToken      string
	providersFile string

	maxConcurrentRenders int
	transferMaxAttempts  int
	transferBaseDelay    time.Duration
	transferTimeout      time.Duration
	contextCacheSize     int
	contextCacheTTL      time.Duration
	dispatchConcurrency  int
	attemptTimeout       time.Duration

	storageURL   string
	storageToken string
	redisAddr    string
	redisChannel string
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:                 DefaultPort,
		logLevel:             DefaultLogLevel,
		dataDir:              defaultDataDir(),
		maxConcurrentRenders: DefaultMaxConcurrentRenders,
		transferMaxAttempts:  DefaultTransferMaxAttempts,
		transferBaseDelay:    DefaultTransferBaseDelay,
		transferTimeout:      DefaultTransferTimeout,
		contextCacheSize:     DefaultContextCacheSize,
		contextCacheTTL:      DefaultContextCacheTTL,
		dispatchConcurrency:  DefaultDispatchConcurrency,
		attemptTimeout:       DefaultAttemptTimeout,
		redisChannel:         DefaultRedisChannel,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if pu := os.Getenv(EnvPublicURL); pu != "" {
		if err := checkHTTPURL(EnvPublicURL, pu); err != nil {
			return nil, err
		}
		cfg.publicURL = pu
	}
	if su := os.Getenv(EnvStorageURL); su != "" {
		if err := checkHTTPURL(EnvStorageURL, su); err != nil {
			return nil, err
		}
		cfg.storageURL = su
	}

	cfg.apiToken = os.Getenv(EnvAPIToken)
	cfg.providersFile = os.Getenv(EnvProvidersFile)
	cfg.storageToken = os.Getenv(EnvStorageToken)
	cfg.redisAddr = os.Getenv(EnvRedisAddr)
	if rc := os.Getenv(EnvRedisChannel); rc != "" {
		cfg.redisChannel = rc
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvMaxConcurrentRenders, &cfg.maxConcurrentRenders},
		{EnvTransferMaxAttempts, &cfg.transferMaxAttempts},
		{EnvContextCacheSize, &cfg.contextCacheSize},
		{EnvDispatchConcurrency, &cfg.dispatchConcurrency},
	}
	for _, v := range ints {
		if err := positiveInt(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvTransferBaseDelay, &cfg.transferBaseDelay},
		{EnvTransferTimeout, &cfg.transferTimeout},
		{EnvContextCacheTTL, &cfg.contextCacheTTL},
		{EnvAttemptTimeout, &cfg.attemptTimeout},
	}
	for _, v := range durations {
		if err := positiveDuration(v.name, v.dst); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func positiveInt(name string, dst *int) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if n < 1 {
		return fmt.Errorf("invalid %s: must be at least 1", name)
	}
	*dst = n
	return nil
}

func positiveDuration(name string, dst *time.Duration) error {
	raw := os.Getenv(name)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("invalid %s: must be positive", name)
	}
	*dst = d
	return nil
}

func checkHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s: must be an http(s) URL", name)
	}
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// RendersDir is the default output directory for local renders.
func (c *EnvConfig) RendersDir() string {
	return filepath.Join(c.dataDir, "renders")
}

// PublicURL is the base URL providers call back to. Empty disables webhooks.
func (c *EnvConfig) PublicURL() string {
	return c.publicURL
}

func (c *EnvConfig) APIToken() string {
	return c.apiToken
}

// ProvidersFile returns the provider TOML path, defaulting to the data dir.
func (c *EnvConfig) ProvidersFile() string {
	if c.providersFile != "" {
		return c.providersFile
	}
	return filepath.Join(c.dataDir, DefaultProvidersFile)
}

func (c *EnvConfig) MaxConcurrentRenders() int {
	return c.maxConcurrentRenders
}

func (c *EnvConfig) TransferMaxAttempts() int {
	return c.transferMaxAttempts
}

func (c *EnvConfig) TransferBaseDelay() time.Duration {
	return c.transferBaseDelay
}

func (c *EnvConfig) TransferTimeout() time.Duration {
	return c.transferTimeout
}

func (c *EnvConfig) ContextCacheSize() int {
	return c.contextCacheSize
}

func (c *EnvConfig) ContextCacheTTL() time.Duration {
	return c.contextCacheTTL
}

// StorageURL is the object store base URL. Empty disables artifact upload.
func (c *EnvConfig) StorageURL() string {
	return c.storageURL
}

func (c *EnvConfig) StorageToken() string {
	return c.storageToken
}

// RedisAddr is the Redis server for event publishing. Empty disables it.
func (c *EnvConfig) RedisAddr() string {
	return c.redisAddr
}

func (c *EnvConfig) RedisChannel() string {
	return c.redisChannel
}

func (c *EnvConfig) DispatchConcurrency() int {
	return c.dispatchConcurrency
}

func (c *EnvConfig) AttemptTimeout() time.Duration {
	return c.attemptTimeout
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
