package config

// Server defaults.
const (
	DefaultServerHost            = "0.0.0.0"
	DefaultServerPort            = 8080
	DefaultServerReadTimeout     = "30s"
	DefaultServerWriteTimeout    = "60s"
	DefaultServerIdleTimeout     = "120s"
	DefaultServerShutdownTimeout = "10s"
)

// Report source defaults.
const (
	DefaultReportsRoot   = "."
	DefaultReportsFormat = "html"
)

// Compile cache defaults.
const (
	DefaultCacheMaxEntries   = 1024
	DefaultCacheMaxSize      = "64MB"
	DefaultCacheShards       = 16
	DefaultCacheSingleFlight = true
	DefaultCacheStaleness    = "mtime"
)

// Session store defaults.
const (
	DefaultSessionsIdleTTL       = "20m"
	DefaultSessionsSweepInterval = "1m"
	DefaultSessionsCompression   = "lz4"
	DefaultSessionsCookieName    = "rdlserve_session"
	DefaultSessionsShards        = 16
	DefaultSessionsSnapshotCodec = "cbor"
)

// Logging defaults.
const (
	DefaultLoggingLevel = "info"
	DefaultLoggingJSON  = false
)

// Telemetry defaults.
const (
	DefaultTelemetrySampleRatio = 1.0
	DefaultTelemetryPrometheus  = true
)
