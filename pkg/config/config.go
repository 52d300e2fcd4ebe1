// Package config provides configuration loading and validation for rdlserve.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/rdlserve/pkg/observability"
	"github.com/Sumatoshi-tech/rdlserve/pkg/report"
	"github.com/Sumatoshi-tech/rdlserve/pkg/sessionstore"
	"github.com/Sumatoshi-tech/rdlserve/pkg/source"
)

// Sentinel validation errors.
var (
	ErrInvalidPort          = errors.New("invalid server port")
	ErrInvalidMaxEntries    = errors.New("cache max entries must be positive")
	ErrInvalidMaxSize       = errors.New("invalid cache max size")
	ErrInvalidShards        = errors.New("shard count must be positive")
	ErrInvalidSessionTTL    = errors.New("session idle ttl and sweep interval must be positive")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidSnapshotCodec = errors.New("snapshot codec must be json or cbor")
	ErrInvalidSampleRatio   = errors.New("sample ratio must be between 0 and 1")
)

const (
	maxPort   = 65535
	envPrefix = "RDLSERVE"
)

// Snapshot codec names.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Config holds all configuration for rdlserve.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Port            int           `mapstructure:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ReportsConfig locates report definitions.
type ReportsConfig struct {
	Root string `mapstructure:"root"`
	// BaseRef prefixes auxiliary stream references in rendered documents.
	BaseRef       string `mapstructure:"base_ref"`
	DefaultFormat string `mapstructure:"default_format"`
	// Passphrase unlocks data sources marked password_required.
	Passphrase string `mapstructure:"passphrase"`
}

// PasswordFunc returns the passphrase callback handed to the parser, or nil
// when no passphrase is configured.
func (r ReportsConfig) PasswordFunc() report.PasswordFunc {
	if r.Passphrase == "" {
		return nil
	}

	passphrase := r.Passphrase

	return func() (string, bool) { return passphrase, true }
}

// CacheConfig holds compile cache configuration.
type CacheConfig struct {
	MaxSize      string `mapstructure:"max_size"`
	Staleness    string `mapstructure:"staleness"`
	MaxEntries   int    `mapstructure:"max_entries"`
	Shards       int    `mapstructure:"shards"`
	SingleFlight bool   `mapstructure:"single_flight"`
}

// MaxSizeBytes parses MaxSize ("64MB", "1 GiB"). Empty or "0" means no
// byte budget.
func (c CacheConfig) MaxSizeBytes() (int64, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}

	size, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidMaxSize, err)
	}

	return int64(size), nil
}

// SessionsConfig holds session artifact store configuration.
type SessionsConfig struct {
	Compression   string        `mapstructure:"compression"`
	CookieName    string        `mapstructure:"cookie_name"`
	SnapshotDir   string        `mapstructure:"snapshot_dir"`
	SnapshotCodec string        `mapstructure:"snapshot_codec"`
	IdleTTL       time.Duration `mapstructure:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	Shards        int           `mapstructure:"shards"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(l.Level))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}

	return level, nil
}

// TelemetryConfig holds tracing and metrics export configuration.
type TelemetryConfig struct {
	OTLPEndpoint    string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders     string  `mapstructure:"otlp_headers"`
	DiagnosticsAddr string  `mapstructure:"diagnostics_addr"`
	Environment     string  `mapstructure:"environment"`
	SampleRatio     float64 `mapstructure:"sample_ratio"`
	OTLPInsecure    bool    `mapstructure:"otlp_insecure"`
	Prometheus      bool    `mapstructure:"prometheus"`
	DebugTrace      bool    `mapstructure:"debug_trace"`
	TraceVerbose    bool    `mapstructure:"trace_verbose"`
}

// Observability converts the logging and telemetry sections into an
// observability.Config for the given mode.
func (c *Config) Observability(mode observability.AppMode, version string) observability.Config {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Mode = mode
	cfg.Environment = c.Telemetry.Environment
	cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	cfg.OTLPHeaders = observability.ParseOTLPHeaders(c.Telemetry.OTLPHeaders)
	cfg.OTLPInsecure = c.Telemetry.OTLPInsecure
	cfg.Prometheus = c.Telemetry.Prometheus
	cfg.DebugTrace = c.Telemetry.DebugTrace
	cfg.SampleRatio = c.Telemetry.SampleRatio
	cfg.TraceVerbose = c.Telemetry.TraceVerbose
	cfg.LogJSON = c.Logging.JSON

	if level, err := c.Logging.SlogLevel(); err == nil {
		cfg.LogLevel = level
	}

	return cfg
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	// Set defaults.
	setDefaults(viperCfg)

	// Read config file.
	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/rdlserve")
	}

	// Read environment variables.
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file.
	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := Validate(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	// Server defaults.
	viperCfg.SetDefault("server.host", DefaultServerHost)
	viperCfg.SetDefault("server.port", DefaultServerPort)
	viperCfg.SetDefault("server.read_timeout", DefaultServerReadTimeout)
	viperCfg.SetDefault("server.write_timeout", DefaultServerWriteTimeout)
	viperCfg.SetDefault("server.idle_timeout", DefaultServerIdleTimeout)
	viperCfg.SetDefault("server.shutdown_timeout", DefaultServerShutdownTimeout)

	// Report defaults.
	viperCfg.SetDefault("reports.root", DefaultReportsRoot)
	viperCfg.SetDefault("reports.base_ref", "")
	viperCfg.SetDefault("reports.default_format", DefaultReportsFormat)
	viperCfg.SetDefault("reports.passphrase", "")

	// Cache defaults.
	viperCfg.SetDefault("cache.max_entries", DefaultCacheMaxEntries)
	viperCfg.SetDefault("cache.max_size", DefaultCacheMaxSize)
	viperCfg.SetDefault("cache.shards", DefaultCacheShards)
	viperCfg.SetDefault("cache.single_flight", DefaultCacheSingleFlight)
	viperCfg.SetDefault("cache.staleness", DefaultCacheStaleness)

	// Session defaults.
	viperCfg.SetDefault("sessions.idle_ttl", DefaultSessionsIdleTTL)
	viperCfg.SetDefault("sessions.sweep_interval", DefaultSessionsSweepInterval)
	viperCfg.SetDefault("sessions.compression", DefaultSessionsCompression)
	viperCfg.SetDefault("sessions.cookie_name", DefaultSessionsCookieName)
	viperCfg.SetDefault("sessions.shards", DefaultSessionsShards)
	viperCfg.SetDefault("sessions.snapshot_dir", "")
	viperCfg.SetDefault("sessions.snapshot_codec", DefaultSessionsSnapshotCodec)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", DefaultLoggingLevel)
	viperCfg.SetDefault("logging.json", DefaultLoggingJSON)

	// Telemetry defaults.
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_headers", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.diagnostics_addr", "")
	viperCfg.SetDefault("telemetry.environment", "")
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultTelemetrySampleRatio)
	viperCfg.SetDefault("telemetry.prometheus", DefaultTelemetryPrometheus)
	viperCfg.SetDefault("telemetry.debug_trace", false)
	viperCfg.SetDefault("telemetry.trace_verbose", false)
}

// Validate checks every section of config.
func Validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	_, err := report.ParseFormat(config.Reports.DefaultFormat)
	if err != nil {
		return fmt.Errorf("reports.default_format: %w", err)
	}

	if config.Cache.MaxEntries <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMaxEntries, config.Cache.MaxEntries)
	}

	_, err = config.Cache.MaxSizeBytes()
	if err != nil {
		return err
	}

	if config.Cache.Shards <= 0 || config.Sessions.Shards <= 0 {
		return fmt.Errorf("%w: cache %d, sessions %d", ErrInvalidShards, config.Cache.Shards, config.Sessions.Shards)
	}

	_, err = source.ParseStalenessMode(config.Cache.Staleness)
	if err != nil {
		return fmt.Errorf("cache.staleness: %w", err)
	}

	_, err = sessionstore.ParseCompression(config.Sessions.Compression)
	if err != nil {
		return fmt.Errorf("sessions.compression: %w", err)
	}

	if config.Sessions.IdleTTL <= 0 || config.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("%w: ttl %s, sweep %s", ErrInvalidSessionTTL, config.Sessions.IdleTTL, config.Sessions.SweepInterval)
	}

	switch strings.ToLower(config.Sessions.SnapshotCodec) {
	case CodecJSON, CodecCBOR:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSnapshotCodec, config.Sessions.SnapshotCodec)
	}

	_, err = config.Logging.SlogLevel()
	if err != nil {
		return err
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, config.Telemetry.SampleRatio)
	}

	return nil
}
