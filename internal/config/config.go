// Package config loads taskwell server configuration.
//
// Settings are resolved in the usual precedence order: defaults, then an
// optional taskwell.yaml config file, then TASKWELL_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`

	CORS struct {
		Enabled bool   `mapstructure:"enabled"`
		Origin  string `mapstructure:"origin"`
	} `mapstructure:"cors"`

	Log struct {
		File       string `mapstructure:"file"`
		MaxSizeMB  int    `mapstructure:"max_size_mb"`
		MaxBackups int    `mapstructure:"max_backups"`
		MaxAgeDays int    `mapstructure:"max_age_days"`
	} `mapstructure:"log"`

	Events struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"events"`
}

// Loader wraps a viper instance so callers can watch for file changes.
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a Loader with defaults and env binding applied.
// If file is non-empty it names an explicit config file; otherwise
// taskwell.yaml is searched in the working directory.
func NewLoader(file string) *Loader {
	v := viper.New()

	v.SetDefault("port", 3000)
	v.SetDefault("database", "taskwell.db")
	v.SetDefault("cors.enabled", true)
	v.SetDefault("cors.origin", "*")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("events.enabled", true)

	v.SetEnvPrefix("taskwell")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("taskwell")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	return &Loader{v: v}
}

// Load reads the configuration. A missing config file is fine (defaults and
// environment apply); a malformed one is an error.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		_, searchMiss := err.(viper.ConfigFileNotFoundError)
		if !searchMiss && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes on disk and invokes
// onChange with the fresh configuration. Reload failures are reported via
// onError and the previous configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config), onError func(error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}
