// Package config loads the feedback service configuration.
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetConfigDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.feedback/config.yaml, /etc/feedback/config.yaml)
//  3. .env files
//  4. Environment variables (prefix FEEDBACK_)
//
// # Usage Example
//
//	cfg, err := config.LoadConfig("FEEDBACK", "config.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
//
// # Environment Variables
//
// Use the prefix and underscores for nested keys:
//   - FEEDBACK_SERVER_PORT=8095
//   - FEEDBACK_REGISTRY_THROTTLE_WINDOW=250ms
//   - FEEDBACK_BRIDGE_ADAPTER=redis
//
// # Escalation layers
//
// The escalation section holds the same layers as an escalation snapshot.
// Durations are written as strings ("500ms", "2s"). Map keys are lower-cased
// by the loader, so operation types and component ids should be lower case.
//
//	escalation:
//	  global:
//	    modal_threshold: 3s
//	  operation_types:
//	    network:
//	      timeout: 30s
//	  components:
//	    file-panel:
//	      inline_enabled: false
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"feedback.evalgo.org/escalation"
)

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`

	// RateLimit is the maximum requests per second per client, 0 disables it
	RateLimit int `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// TrackRequests records every API request as an "http-request" operation
	TrackRequests bool `mapstructure:"track_requests"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`

	// Output is the log output destination (stdout, stderr, split)
	Output string `mapstructure:"output"`
}

// RegistryConfig configures the operation registry.
type RegistryConfig struct {
	// ThrottleWindow spaces progress notifications; negative delivers every update
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`

	// MaxOperations bounds the registry; the oldest finished operation is evicted
	MaxOperations int `mapstructure:"max_operations"`

	// CleanupInterval is how often finished operations are swept, 0 disables the janitor
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`

	// RetentionAge is how long a finished operation stays visible
	RetentionAge time.Duration `mapstructure:"retention_age"`
}

// EscalationConfig holds the override layers applied to the escalation store.
type EscalationConfig struct {
	Global         escalation.Override            `mapstructure:"global"`
	OperationTypes map[string]escalation.Override `mapstructure:"operation_types"`
	Components     map[string]escalation.Override `mapstructure:"components"`
}

// Snapshot converts the section to an escalation snapshot.
func (c EscalationConfig) Snapshot() escalation.Snapshot {
	snap := escalation.Snapshot{Global: c.Global}
	if len(c.OperationTypes) > 0 {
		snap.OperationTypes = c.OperationTypes
	}
	if len(c.Components) > 0 {
		snap.Components = c.Components
	}
	return snap
}

// Bridge adapters
const (
	AdapterNone   = "none"
	AdapterMemory = "memory"
	AdapterRedis  = "redis"
	AdapterAMQP   = "amqp"
)

// BridgeConfig selects the host runtime the progress bridge talks to.
type BridgeConfig struct {
	Adapter       string `mapstructure:"adapter"` // none, memory, redis, amqp
	RedisURL      string `mapstructure:"redis_url"`
	AMQPURL       string `mapstructure:"amqp_url"`
	ChannelPrefix string `mapstructure:"channel_prefix"` // Redis channel or AMQP queue prefix
	InboundEvent  string `mapstructure:"inbound_event"`
	CancelEvent   string `mapstructure:"cancel_event"`
}

// StorageConfig locates persisted state.
type StorageConfig struct {
	// BoltPath is the bbolt file holding configuration profiles, empty disables persistence
	BoltPath string `mapstructure:"bolt_path"`
}

// TracingConfig configures OpenTelemetry.
type TracingConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Endpoint      string  `mapstructure:"endpoint"`
	SamplingRatio float64 `mapstructure:"sampling_ratio"`
}

// ServiceConfig contains service-specific metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// Config is the complete service configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v          *viper.Viper
	prefix     string
	configFile string

	watchMu sync.Mutex
	watched bool
}

// NewLoader creates a new configuration loader with the given environment prefix.
// The prefix is used for environment variables (e.g., "FEEDBACK" -> "FEEDBACK_SERVER_PORT").
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets the service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "feedback")
	l.v.SetDefault("service.version", "dev")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.write_timeout", "0s") // event streams stay open
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 100)
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.track_requests", false)

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "text")
	l.v.SetDefault("logging.output", "split")

	l.v.SetDefault("registry.throttle_window", "16ms")
	l.v.SetDefault("registry.max_operations", 1000)
	l.v.SetDefault("registry.cleanup_interval", "1m")
	l.v.SetDefault("registry.retention_age", "1h")

	l.v.SetDefault("bridge.adapter", AdapterNone)
	l.v.SetDefault("bridge.channel_prefix", "")
	l.v.SetDefault("bridge.inbound_event", "operation-progress")
	l.v.SetDefault("bridge.cancel_event", "cancel-operation")

	l.v.SetDefault("storage.bolt_path", "")

	l.v.SetDefault("tracing.enabled", false)
	l.v.SetDefault("tracing.endpoint", "http://localhost:4318")
	l.v.SetDefault("tracing.sampling_ratio", 1.0)
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.feedback")
		l.v.AddConfigPath("/etc/feedback")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}
	l.configFile = l.v.ConfigFileUsed()
	if _, err := os.Stat(l.configFile); err != nil {
		l.configFile = ""
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Point viper back at the main file so Watch follows it
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
		l.v.SetConfigType(configType(l.configFile))
	}

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// ConfigFile returns the configuration file that was read, if any.
func (l *Loader) ConfigFile() string {
	return l.configFile
}

// Watch calls fn with the reloaded configuration each time the config file
// changes. Reloads that fail to decode or validate are passed to onError and
// skipped. Watch is a no-op when no file was read.
func (l *Loader) Watch(fn func(*Config), onError func(error)) bool {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.configFile == "" || l.watched {
		return false
	}
	l.watched = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg := &Config{}
		err := l.v.Unmarshal(cfg)
		if err == nil {
			err = ValidateConfig(cfg)
		}
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reloading %s: %w", e.Name, err))
			}
			return
		}
		fn(cfg)
	})
	l.v.WatchConfig()
	return true
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
// The envPrefix is used for environment variables (e.g., "FEEDBACK" -> "FEEDBACK_SERVER_PORT").
func LoadConfig(envPrefix, cfgFile string) (*Config, error) {
	cfg, _, err := LoadWithLoader(envPrefix, cfgFile)
	return cfg, err
}

// LoadWithLoader is LoadConfig that also returns the loader, for Watch.
func LoadWithLoader(envPrefix, cfgFile string) (*Config, *Loader, error) {
	loader := NewLoader(envPrefix)
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, loader, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Registry.MaxOperations < 0 {
		return fmt.Errorf("invalid registry max_operations: %d", cfg.Registry.MaxOperations)
	}
	if cfg.Registry.CleanupInterval < 0 || cfg.Registry.RetentionAge < 0 {
		return errors.New("registry cleanup_interval and retention_age must not be negative")
	}

	switch cfg.Bridge.Adapter {
	case "", AdapterNone, AdapterMemory, AdapterRedis, AdapterAMQP:
	default:
		return fmt.Errorf("unknown bridge adapter %q", cfg.Bridge.Adapter)
	}

	if cfg.Tracing.SamplingRatio < 0 || cfg.Tracing.SamplingRatio > 1 {
		return fmt.Errorf("tracing sampling_ratio must be within [0, 1], got %v", cfg.Tracing.SamplingRatio)
	}

	if err := cfg.Escalation.Snapshot().Validate(escalation.DefaultConfig()); err != nil {
		return fmt.Errorf("escalation: %w", err)
	}

	return nil
}

// ApplyEscalation replaces every layer of store with the escalation section.
func ApplyEscalation(cfg *Config, store *escalation.Store) error {
	return store.Import(cfg.Escalation.Snapshot())
}

func configType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" || ext == "yml" {
		return "yaml"
	}
	return ext
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
