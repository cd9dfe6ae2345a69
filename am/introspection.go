package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/nodereg/errors"
)

// ConfigSource names the layer a setting was resolved from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/nodereg/am.toml
	SourceUser        ConfigSource = "user"        // ~/.nodereg/am.toml
	SourceProject     ConfigSource = "project"     // nodereg.toml found walking up from cwd
	SourceEnvironment ConfigSource = "environment" // NODEREG_* env vars
)

// SourceInfo is a layer plus the file or variable that supplied it
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

var defaultSource = SourceInfo{Source: SourceDefault, Path: "built-in default"}

// SettingInfo is one effective leaf setting
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

// ConfigIntrospection lists every effective setting with where it came from.
// ConfigFile is the highest-precedence file present on disk, which is also
// the file `am set` and the reload watcher operate on.
type ConfigIntrospection struct {
	ConfigFile string        `json:"config_file"`
	Settings   []SettingInfo `json:"settings"`
}

// GetConfigIntrospection resolves the source of every key in the merged config
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	if len(ConfigSources) == 0 {
		if _, err := Load(); err != nil {
			return nil, errors.Wrap(err, "failed to load config for introspection")
		}
	}

	ci := &ConfigIntrospection{ConfigFile: activeConfigFile()}
	for key, value := range flatten(GetViper().AllSettings(), "") {
		src := resolveSource(key)
		ci.Settings = append(ci.Settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     src.Source,
			SourcePath: src.Path,
		})
	}
	sort.Slice(ci.Settings, func(i, j int) bool { return ci.Settings[i].Key < ci.Settings[j].Key })
	return ci, nil
}

// resolveSource applies the precedence env > tracked file > default
func resolveSource(key string) SourceInfo {
	if name := envName(key); os.Getenv(name) != "" {
		return SourceInfo{Source: SourceEnvironment, Path: name}
	}
	if src, ok := ConfigSources[key]; ok {
		return src
	}
	return defaultSource
}

// envName maps "cache.capacity" to NODEREG_CACHE_CAPACITY
func envName(key string) string {
	return "NODEREG_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// flatten turns viper's nested settings into dotted leaf keys
func flatten(settings map[string]interface{}, prefix string) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for k, v := range settings {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(nested, key) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func activeConfigFile() string {
	active := ""
	for _, candidate := range configCandidates() {
		if _, err := os.Stat(candidate.Path); err == nil {
			active = candidate.Path
		}
	}
	return active
}

// SourceCounts tallies settings per layer
func (ci *ConfigIntrospection) SourceCounts() map[ConfigSource]int {
	counts := make(map[ConfigSource]int)
	for _, s := range ci.Settings {
		counts[s.Source]++
	}
	return counts
}
