package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", DefaultDatabasePath)

	// Address space: the BMP private-use area, one 1023-address partition per category.
	// The first code point of each block is reserved as a partition marker.
	v.SetDefault("address_space.start", "E000")
	v.SetDefault("address_space.end", "F8FF")
	v.SetDefault("address_space.component.start", "E001")
	v.SetDefault("address_space.component.end", "E3FF")
	v.SetDefault("address_space.tool.start", "E401")
	v.SetDefault("address_space.tool.end", "E7FF")
	v.SetDefault("address_space.escalation.start", "E801")
	v.SetDefault("address_space.escalation.end", "EBFF")
	v.SetDefault("address_space.eei.start", "EC01")
	v.SetDefault("address_space.eei.end", "EFFF")

	// Slot cache defaults
	v.SetDefault("cache.capacity", DefaultCacheCapacity)

	// Pipeline defaults
	v.SetDefault("pipeline.default_priority", DefaultPriority)
	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.poll_interval_ms", DefaultPollIntervalMS)
	v.SetDefault("pipeline.rate_per_second", 0.0)
	v.SetDefault("pipeline.burst", 1)

	// Telemetry defaults
	v.SetDefault("telemetry.prometheus", false)
	v.SetDefault("telemetry.namespace", DefaultTelemetryPrefix)
	v.SetDefault("telemetry.log_events", false)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds configuration that is commonly overridden per host
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("database.path", "NODEREG_DATABASE_PATH")
	v.BindEnv("cache.capacity", "NODEREG_CACHE_CAPACITY")
	v.BindEnv("pipeline.workers", "NODEREG_PIPELINE_WORKERS")
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}

// GetDefaultPriority returns the pipeline default priority (default: 5)
func (c *Config) GetDefaultPriority() int {
	if c.Pipeline.DefaultPriority == 0 {
		return DefaultPriority
	}
	return c.Pipeline.DefaultPriority
}

// GetTelemetryNamespace returns the metrics namespace (default: nodereg)
func (c *Config) GetTelemetryNamespace() string {
	if c.Telemetry.Namespace == "" {
		return DefaultTelemetryPrefix
	}
	return c.Telemetry.Namespace
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s, Cache: {Capacity: %d}, Pipeline: {Workers: %d, DefaultPriority: %d}}",
		c.Database.Path, c.Cache.Capacity, c.Pipeline.Workers, c.Pipeline.DefaultPriority)
}
