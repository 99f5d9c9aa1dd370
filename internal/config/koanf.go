package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks environment variables read as configuration.
const EnvPrefix = "FLEET_"

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/fleet-analytics/config.yaml",
}

// Load reads configuration with the following precedence, lowest first:
//  1. built-in defaults
//  2. the YAML file at path, or the first file found by findConfigFile
//     when path is empty
//  3. FLEET_* environment variables
//
// The result is validated before it is returned.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// FLEET_SEGMENTATION_MIN_MOVE_SPEED_KMH -> segmentation.min_move_speed_kmh
	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns CONFIG_PATH when it exists, else the first default
// path that exists, else "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envSections maps variable name prefixes to config paths. Nested sections
// come before their parents so the longest prefix wins.
var envSections = []struct {
	prefix string
	path   string
}{
	{"geocoding_nominatim_", "geocoding.nominatim."},
	{"geocoding_google_", "geocoding.google."},
	{"server_", "server."},
	{"database_", "database."},
	{"logging_", "logging."},
	{"segmentation_", "segmentation."},
	{"geocoding_", "geocoding."},
	{"report_", "report."},
}

// envAliases are short names for the settings changed most often.
var envAliases = map[string]string{
	"db":             "database.path",
	"addr":           "server.addr",
	"log_level":      "logging.level",
	"log_format":     "logging.format",
	"google_api_key": "geocoding.google.api_key",
}

// envTransformFunc maps FLEET_* variable names to koanf paths. Unknown names
// map to "" and are dropped, so unrelated variables never leak into the
// configuration.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))

	if mapped, ok := envAliases[key]; ok {
		return mapped
	}
	for _, s := range envSections {
		if rest, ok := strings.CutPrefix(key, s.prefix); ok && rest != "" {
			return s.path + rest
		}
	}
	return ""
}
