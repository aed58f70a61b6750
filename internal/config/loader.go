package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ConfigFileName is the name of the project config file.
const ConfigFileName = "flowline.yaml"

// ConfigFileNameAlt is the alternate name of the project config file.
const ConfigFileNameAlt = "flowline.yml"

// EnvPrefix is the prefix for environment variable overrides, e.g.
// FLOWLINE_TARGET_TYPE=postgres sets target.type.
const EnvPrefix = "FLOWLINE_"

// Defaults applied below the config file, environment, and flags.
var defaults = map[string]any{
	"models_dir":                     "models",
	"sources_file":                   "sources.yaml",
	"state_path":                     ".flowline/state.db",
	"target.type":                    "duckdb",
	"target.path":                    "flowline.duckdb",
	"target.schema":                  "main",
	"schedule.interval":              "@daily",
	"schedule.catchup":               false,
	"schedule.max_concurrent_models": 1,
	"listen":                         "127.0.0.1:8060",
}

// Load reads configuration with the usual precedence:
// flags > environment > config file > defaults.
// cfgFile may be empty, in which case flowline.yaml is searched from
// the working directory upward. flags may be nil.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if cfgFile == "" {
		if dir, err := os.Getwd(); err == nil {
			if root := FindProjectRoot(dir); root != "" {
				cfgFile = findConfigFile(root)
			}
		}
	}
	if cfgFile != "" {
		if err := k.Load(file.Provider(cfgFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	// FLOWLINE_SCHEDULE_INTERVAL -> schedule.interval. Underscores in
	// leaf keys survive because only known two-level prefixes use dots.
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if flags != nil {
		// --models-dir sets models_dir, --target.type sets target.type
		provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	return &cfg, nil
}

// envKey maps FLOWLINE_TARGET_PATH to target.path and
// FLOWLINE_MODELS_DIR to models_dir.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"target", "schedule"} {
		if strings.HasPrefix(s, section+"_") {
			return section + "." + strings.TrimPrefix(s, section+"_")
		}
	}
	return s
}

// findConfigFile returns the config file path in dir, or "".
func findConfigFile(dir string) string {
	for _, name := range []string{ConfigFileName, ConfigFileNameAlt} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// FindProjectRoot walks up from startDir to find a directory containing
// flowline.yaml or flowline.yml. Returns "" if not found.
func FindProjectRoot(startDir string) string {
	dir := startDir
	for {
		if findConfigFile(dir) != "" {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
