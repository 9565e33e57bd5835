// Package config provides configuration loading for sentryd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sentryd.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension) -- same reasoning as the
// teacher's InitViper.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("sentryd")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("SENTRYD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a sentryd config file with
// an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sentryd"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sentryd"))
		}
	} else {
		paths = append(paths, "/etc/sentryd")
	}
	return findConfigFileInPaths(paths)
}

func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sentryd"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the config keys most likely to be overridden from
// the environment in a container deployment, mirroring the teacher's
// bindNestedEnvKeys (arrays like threat_intel.sources are config-file only).
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.transport")
	_ = viper.BindEnv("server.tcp_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("siem_store.base_url")
	_ = viper.BindEnv("siem_store.username")
	_ = viper.BindEnv("siem_store.password")

	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.global_rate")
	_ = viper.BindEnv("rate_limit.connection_rate")
	_ = viper.BindEnv("rate_limit.api_key_rate")

	_ = viper.BindEnv("auth.store_path")

	_ = viper.BindEnv("observability.metrics_addr")
	_ = viper.BindEnv("observability.exporter")
	_ = viper.BindEnv("observability.otlp_endpoint")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfigRaw reads the configuration file, applies environment overrides
// and defaults, but does not apply dev defaults or validate -- callers that
// need to override DevMode from a CLI flag before validation should use this.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// LoadConfig reads, defaults, and validates the configuration in one call.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (environment-only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
