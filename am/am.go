package am

// Config represents the nodereg configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	AddressSpace AddressSpaceConfig `mapstructure:"address_space"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Pipeline     PipelineConfig     `mapstructure:"pipeline"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Log          LogConfig          `mapstructure:"log"`
}

// DatabaseConfig configures the SQLite snapshot database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// AddressSpaceConfig configures the symbolic address range and its category partitions.
// Bounds are uppercase hex code points, e.g. "E000".
type AddressSpaceConfig struct {
	Start      string      `mapstructure:"start"`
	End        string      `mapstructure:"end"`
	Component  RangeConfig `mapstructure:"component"`
	Tool       RangeConfig `mapstructure:"tool"`
	Escalation RangeConfig `mapstructure:"escalation"`
	EEI        RangeConfig `mapstructure:"eei"`
}

// RangeConfig is an inclusive code point range
type RangeConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// Partitions returns the category ranges keyed by category name
func (a AddressSpaceConfig) Partitions() map[string]RangeConfig {
	return map[string]RangeConfig{
		"component":  a.Component,
		"tool":       a.Tool,
		"escalation": a.Escalation,
		"eei":        a.EEI,
	}
}

// CacheConfig configures the slot cache
type CacheConfig struct {
	Capacity int `mapstructure:"capacity"` // Max cached snapshots (0 = cache nothing)
}

// PipelineConfig configures the enrichment pipeline and its workers
type PipelineConfig struct {
	DefaultPriority int     `mapstructure:"default_priority"` // 1 (highest) .. 10 (lowest), default 5
	Workers         int     `mapstructure:"workers"`          // Concurrent pipeline workers (0 = no background workers)
	PollIntervalMS  int     `mapstructure:"poll_interval_ms"` // Idle poll interval when the queue is empty
	RatePerSecond   float64 `mapstructure:"rate_per_second"`  // Stage executions per second (0 = unpaced)
	Burst           int     `mapstructure:"burst"`            // Limiter burst size
}

// TelemetryConfig configures where stage transitions and cache evictions are reported
type TelemetryConfig struct {
	Prometheus bool   `mapstructure:"prometheus"` // Register Prometheus collectors
	Namespace  string `mapstructure:"namespace"`  // Metric namespace (default: nodereg)
	LogEvents  bool   `mapstructure:"log_events"` // Also log every event at debug level
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Registry defaults
const (
	DefaultDatabasePath    = "nodereg.db"
	DefaultCacheCapacity   = 1024
	DefaultPriority        = 5
	DefaultPollIntervalMS  = 250
	DefaultTelemetryPrefix = "nodereg"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
