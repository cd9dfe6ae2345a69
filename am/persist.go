package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/nodereg/errors"
	"github.com/teranos/nodereg/logger"
)

// backupGenerations is how many previous versions `am set` keeps
// as <file>.back1 (newest) through <file>.backN
const backupGenerations = 3

func backupPath(configPath string, generation int) string {
	return fmt.Sprintf("%s.back%d", configPath, generation)
}

// rotateBackups shifts existing backups up one generation, dropping the
// oldest, and copies the current file to .back1. No file, no backup.
func rotateBackups(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}

	oldest := backupPath(configPath, backupGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		logger.Warnw("Failed to delete old config backup", logger.FieldPath, oldest, logger.FieldError, err)
	}
	for gen := backupGenerations - 1; gen >= 1; gen-- {
		from, to := backupPath(configPath, gen), backupPath(configPath, gen+1)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return errors.Wrapf(err, "failed to rotate %s", filepath.Base(from))
		}
	}

	return errors.Wrap(os.WriteFile(backupPath(configPath, 1), content, DefaultFilePermissions),
		"failed to write newest backup")
}

// loadOrInitialize reads the TOML file at configPath as a generic map, or returns an empty one
func loadOrInitialize(configPath string) (map[string]interface{}, error) {
	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return nil, errors.Wrap(err, "failed to create config directory")
	}

	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// save writes config to configPath after rotating backups
func save(config map[string]interface{}, configPath string) error {
	if err := rotateBackups(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}

	return nil
}

// SetValue writes section.key = value into the TOML file at configPath,
// keeping every other setting intact.
func SetValue(configPath, section, key string, value interface{}) error {
	config, err := loadOrInitialize(configPath)
	if err != nil {
		return err
	}

	sectionMap, ok := config[section].(map[string]interface{})
	if !ok {
		sectionMap = make(map[string]interface{})
	}
	sectionMap[key] = value
	config[section] = sectionMap

	return save(config, configPath)
}

// SetCacheCapacity persists cache.capacity
func SetCacheCapacity(configPath string, capacity int) error {
	if capacity < 0 {
		return errors.Newf("cache.capacity must be >= 0, got %d", capacity)
	}
	return SetValue(configPath, "cache", "capacity", capacity)
}

// SetPipelineWorkers persists pipeline.workers
func SetPipelineWorkers(configPath string, workers int) error {
	if workers < 0 {
		return errors.Newf("pipeline.workers must be >= 0, got %d", workers)
	}
	return SetValue(configPath, "pipeline", "workers", workers)
}
