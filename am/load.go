package am

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/pulseline/errors"
)

// EnvPrefix namespaces environment overrides: PULSELINE_WORKER_WORKERS=4.
const EnvPrefix = "PULSELINE"

// ConfigSource records which layer supplied a setting.
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/pulseline/am.toml
	SourceUser        ConfigSource = "user"        // ~/.pulseline/am.toml
	SourceProject     ConfigSource = "project"     // am.toml found walking up from cwd
	SourceFile        ConfigSource = "file"        // explicit --config path
	SourceEnvironment ConfigSource = "environment" // PULSELINE_* env vars
)

// SettingInfo is one effective setting and where it came from.
type SettingInfo struct {
	Key        string       `json:"key"`
	Value      interface{}  `json:"value"`
	Source     ConfigSource `json:"source"`
	SourcePath string       `json:"source_path,omitempty"`
}

type sourceRecord struct {
	source ConfigSource
	path   string
}

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
	configSources map[string]sourceRecord
	configFiles   []string
)

// Load reads the configuration from defaults, config files and environment.
// The result is cached until Reset.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// LoadWithViper unmarshals and validates configuration from v.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path layered over
// the defaults. Environment variables still override file values.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	mu.Lock()
	configSources = trackSources(v, []layer{{SourceFile, configPath}})
	configFiles = []string{configPath}
	mu.Unlock()

	return LoadWithViper(v)
}

// Reset clears the cached configuration
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	configSources = nil
	configFiles = nil
}

// GetViper returns the Viper instance backing Load.
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// ConfigFiles returns the config files merged by the last load, lowest
// precedence first.
func ConfigFiles() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), configFiles...)
}

// Settings returns every effective setting with its source, sorted by key.
func Settings() []SettingInfo {
	mu.Lock()
	defer mu.Unlock()
	v := initViper()

	var out []SettingInfo
	for _, key := range v.AllKeys() {
		info := SettingInfo{Key: key, Value: v.Get(key), Source: SourceDefault}
		if rec, ok := configSources[key]; ok {
			info.Source = rec.source
			info.SourcePath = rec.path
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// initViper must be called with mu held.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)

	layers := configLayers()
	mergeConfigFiles(v, layers)
	configSources = trackSources(v, layers)

	viperInstance = v
	return v
}

type layer struct {
	source ConfigSource
	path   string
}

// configLayers lists candidate files in precedence order (lowest first).
func configLayers() []layer {
	layers := []layer{{SourceSystem, "/etc/pulseline/am.toml"}}
	if home, err := os.UserHomeDir(); err == nil {
		layers = append(layers, layer{SourceUser, filepath.Join(home, ".pulseline", "am.toml")})
	}
	if project := findProjectConfig(); project != "" {
		layers = append(layers, layer{SourceProject, project})
	}
	return layers
}

// findProjectConfig walks up from the working directory looking for am.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "am.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges existing layers into v.
// Precedence (lowest to highest): system < user < project < env vars
func mergeConfigFiles(v *viper.Viper, layers []layer) {
	configFiles = nil
	for _, l := range layers {
		if _, err := os.Stat(l.path); err != nil {
			continue
		}
		v.SetConfigFile(l.path)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			continue
		}
		configFiles = append(configFiles, l.path)
	}
}

// trackSources attributes each key to the highest layer that sets it, or to
// the environment when a PULSELINE_ variable is present.
func trackSources(v *viper.Viper, layers []layer) map[string]sourceRecord {
	sources := make(map[string]sourceRecord)
	for _, l := range layers {
		if _, err := os.Stat(l.path); err != nil {
			continue
		}
		fv := viper.New()
		fv.SetConfigFile(l.path)
		fv.SetConfigType("toml")
		if err := fv.ReadInConfig(); err != nil {
			continue
		}
		for _, key := range fv.AllKeys() {
			sources[key] = sourceRecord{source: l.source, path: l.path}
		}
	}
	for _, key := range v.AllKeys() {
		envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, ok := os.LookupEnv(envName); ok {
			sources[key] = sourceRecord{source: SourceEnvironment, path: envName}
		}
	}
	return sources
}

// GetDatabasePath returns the configured database path
func GetDatabasePath() (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return config.GetDatabasePath(), nil
}
