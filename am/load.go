package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
)

var (
	globalConfig  *Config
	viperInstance *viper.Viper
	loadMu        sync.Mutex
)

// ConfigSources records which file each merged key came from during the last load.
// Keys absent from the map came from defaults.
var ConfigSources = map[string]SourceInfo{}

// decode unmarshals v into a Config, validating it when validate is set
func decode(v *viper.Viper, validate bool) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if validate {
		if err := config.Validate(); err != nil {
			return nil, errors.Wrap(err, "invalid config")
		}
	}
	return &config, nil
}

// Load returns the process-wide config, reading every layer on first use
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig == nil {
		config, err := decode(initViper(), true)
		if err != nil {
			return nil, err
		}
		globalConfig = config
	}
	return globalConfig, nil
}

// GetViper exposes the merged viper instance for key lookups (`am get`)
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper decodes a caller-built viper instance without validation
func LoadWithViper(v *viper.Viper) (*Config, error) {
	return decode(v, false)
}

// LoadFromFile reads a single file over the defaults. The environment is
// not consulted, so the watcher sees exactly what is on disk.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}
	config, err := decode(v, true)
	return config, errors.Wrapf(err, "config file %s", configPath)
}

// Reset drops the cached config and sources; tests call it between cases
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	ConfigSources = map[string]SourceInfo{}
}

// initViper builds the merged instance once.
// Precedence, lowest first: defaults, system, user, project, NODEREG_* env.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("NODEREG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)

	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for nodereg.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, "nodereg.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// GetUserConfigPath returns ~/.nodereg/am.toml
func GetUserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".nodereg", "am.toml")
}

// configCandidates lists config files in ascending precedence with their source tags
func configCandidates() []SourceInfo {
	candidates := []SourceInfo{
		{Source: SourceSystem, Path: "/etc/nodereg/am.toml"},
	}
	if userPath := GetUserConfigPath(); userPath != "" {
		candidates = append(candidates, SourceInfo{Source: SourceUser, Path: userPath})
	}
	if projectConfig := findProjectConfig(); projectConfig != "" {
		candidates = append(candidates, SourceInfo{Source: SourceProject, Path: projectConfig})
	}
	return candidates
}

// mergeConfigFiles layers each present file over the defaults in
// precedence order. Files merge below the environment; an unreadable file is
// skipped with a warning rather than failing the load.
func mergeConfigFiles(v *viper.Viper) {
	for _, candidate := range configCandidates() {
		if _, err := os.Stat(candidate.Path); err != nil {
			continue
		}

		layer := viper.New()
		layer.SetConfigFile(candidate.Path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			logger.Warnw("Skipping unreadable config file", logger.FieldPath, candidate.Path, logger.FieldError, err)
			continue
		}
		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			logger.Warnw("Skipping config file that failed to merge", logger.FieldPath, candidate.Path, logger.FieldError, err)
			continue
		}
		for _, key := range layer.AllKeys() {
			ConfigSources[key] = candidate
		}
	}
}

// GetDatabasePath returns the configured database path, honoring DB_PATH for dev overrides
func GetDatabasePath() (string, error) {
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		return dbPath, nil
	}

	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}
