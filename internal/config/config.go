// Copyright (c) 2026 Gatekeeper Team
// Gatekeeper - access allowlist cache
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads gatekeeper settings from defaults, a YAML config
// file, GATEKEEPER_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Sync modes.
const (
	ModeConditional = "conditional"
	ModeTwoEndpoint = "two-endpoint"
)

// Config is the full gatekeeper configuration.
type Config struct {
	Store struct {
		Dir      string `mapstructure:"dir" yaml:"dir"`
		File     string `mapstructure:"file" yaml:"file"`
		Capacity int    `mapstructure:"capacity" yaml:"capacity"`
	} `mapstructure:"store" yaml:"store"`

	Sync struct {
		Mode       string        `mapstructure:"mode" yaml:"mode"`
		URL        string        `mapstructure:"url" yaml:"url"`
		VersionURL string        `mapstructure:"version_url" yaml:"version_url"`
		Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
		TokenWidth int           `mapstructure:"token_width" yaml:"token_width"`
	} `mapstructure:"sync" yaml:"sync"`

	Journal struct {
		Type string `mapstructure:"type" yaml:"type"`
		Dsn  string `mapstructure:"dsn" yaml:"dsn"`
	} `mapstructure:"journal" yaml:"journal"`

	Telemetry struct {
		Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	} `mapstructure:"telemetry" yaml:"telemetry"`

	Log struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"log" yaml:"log"`

	Language string `mapstructure:"language" yaml:"language"`
}

// Defaults returns the built-in value of every key.
func Defaults() map[string]any {
	return map[string]any{
		"store.dir":          "./data",
		"store.file":         "allowlist.tbl",
		"store.capacity":     500,
		"sync.mode":          ModeConditional,
		"sync.url":           "",
		"sync.version_url":   "",
		"sync.timeout":       "30s",
		"sync.token_width":   32,
		"journal.type":       "sqlite",
		"journal.dsn":        "./journal.db",
		"telemetry.endpoint": "",
		"log.level":          "info",
		"language":           "en",
	}
}

// Validate checks values that would otherwise fail deep inside a sync.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Dir == "" {
		errs = append(errs, errors.New("store.dir must not be empty"))
	}
	if c.Store.File == "" || strings.ContainsAny(c.Store.File, `/\`) {
		errs = append(errs, fmt.Errorf("store.file %q must be a plain file name", c.Store.File))
	}
	if c.Store.Capacity < 1 || c.Store.Capacity > 1<<20 {
		errs = append(errs, fmt.Errorf("store.capacity %d out of range", c.Store.Capacity))
	}
	switch c.Sync.Mode {
	case ModeConditional:
	case ModeTwoEndpoint:
		if c.Sync.URL != "" && c.Sync.VersionURL == "" {
			errs = append(errs, errors.New("sync.version_url is required in two-endpoint mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sync.mode %q", c.Sync.Mode))
	}
	for key, raw := range map[string]string{"sync.url": c.Sync.URL, "sync.version_url": c.Sync.VersionURL} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an http(s) URL", key, raw))
		}
	}
	if c.Sync.Timeout < 0 {
		errs = append(errs, errors.New("sync.timeout must not be negative"))
	}
	if c.Sync.TokenWidth < 1 || c.Sync.TokenWidth > 47 {
		errs = append(errs, fmt.Errorf("sync.token_width %d out of range", c.Sync.TokenWidth))
	}
	switch c.Journal.Type {
	case "", "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("unsupported journal.type %q", c.Journal.Type))
	}
	return errors.Join(errs...)
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	var err error

	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "Gatekeeper")
		default:
			configDir = "/etc/gatekeeper"
		}
	} else {
		configDir, err = os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(configDir, "gatekeeper")
	}

	return filepath.Join(configDir, "gatekeeper.yaml"), nil
}

// LoadConfig layers defaults, the config file, environment and the flags of
// cmd into a T. A missing config file is reported as
// viper.ConfigFileNotFoundError alongside the otherwise usable result.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, configFilePath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("gatekeeper")
	v.SetConfigType("yaml")
	if configFilePath != nil {
		v.SetConfigFile(*configFilePath)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	var notFound error
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return c, err
		}
		notFound = err
	}

	v.SetEnvPrefix("gatekeeper")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, notFound
}

// WriteConfigFile stores c as YAML in the user or system config location and
// returns the path it wrote.
func WriteConfigFile[T any](c *T, system bool) (string, error) {
	path, err := GetConfigPath(system)
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}

	configDir := filepath.Dir(path)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return "", fmt.Errorf("could not create config directory %s: %w", configDir, err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
