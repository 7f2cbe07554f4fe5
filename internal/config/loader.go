package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load builds the configuration in priority order:
// 1. Default values
// 2. Configuration file (alignd.toml)
// 3. Environment variables (ALIGND_ prefix, dots become underscores)
//
// An explicit path that does not exist is an error. With path == "" the
// default locations are tried and a missing file is fine: defaults plus
// environment make a complete configuration.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	loadedPath, err := loadFile(v, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	v.SetEnvPrefix("ALIGND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = loadedPath

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFile reads the config file into v and returns the path used, or ""
// when no file was read.
func loadFile(v *viper.Viper, path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return "", fmt.Errorf("config file does not exist: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return path, nil
	}

	for _, candidate := range defaultConfigPaths() {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.ReadInConfig(); err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", candidate, err)
		}
		return candidate, nil
	}
	return "", nil
}

// defaultConfigPaths lists the locations searched when no --conf is given.
func defaultConfigPaths() []string {
	paths := []string{"alignd.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".alignd", "alignd.toml"))
	}
	return paths
}
