// Copyright (c) 2026 Keymaster Team
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads keyfleet settings from defaults, keyfleet.yaml,
// KEYFLEET_* environment variables and command-line flags, in rising order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/toeirei/keyfleet/internal/core"
	"github.com/toeirei/keyfleet/internal/db"
	"github.com/toeirei/keyfleet/internal/deploy"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type SSHConfig struct {
	User                  string        `mapstructure:"user" yaml:"user"`
	Port                  int           `mapstructure:"port" yaml:"port"`
	ConnectionTimeout     time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	OperationTimeout      time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`
	AuthorizedKeysPath    string        `mapstructure:"authorized_keys_path" yaml:"authorized_keys_path"`
	KnownHostsFile        string        `mapstructure:"known_hosts" yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key" yaml:"insecure_ignore_host_key"`
	Identity              string        `mapstructure:"identity" yaml:"identity"`
	UseAgent              bool          `mapstructure:"use_agent" yaml:"use_agent"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

type HistoryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Limit   int  `mapstructure:"limit" yaml:"limit"`
}

// Config is the merged view of every source.
type Config struct {
	Inventory         string           `mapstructure:"inventory" yaml:"inventory"`
	Concurrency       int              `mapstructure:"concurrency" yaml:"concurrency"`
	RollbackOnFailure bool             `mapstructure:"rollback_on_failure" yaml:"rollback_on_failure"`
	Retry             core.RetryPolicy `mapstructure:"retry" yaml:"retry"`
	SSH               SSHConfig        `mapstructure:"ssh" yaml:"ssh"`
	Database          DatabaseConfig   `mapstructure:"database" yaml:"database"`
	History           HistoryConfig    `mapstructure:"history" yaml:"history"`
	Language          string           `mapstructure:"language" yaml:"language"`
	LogLevel          string           `mapstructure:"log_level" yaml:"log_level"`
	Output            string           `mapstructure:"output" yaml:"output"`
}

// FlagKeys maps command-line flag names onto nested configuration keys.
// Flags not listed bind under their own name.
var FlagKeys = map[string]string{
	"inventory":                "inventory",
	"concurrency":              "concurrency",
	"rollback-on-failure":      "rollback_on_failure",
	"retries":                  "retry.max_attempts",
	"user":                     "ssh.user",
	"port":                     "ssh.port",
	"identity":                 "ssh.identity",
	"known-hosts":              "ssh.known_hosts",
	"insecure-ignore-host-key": "ssh.insecure_ignore_host_key",
	"authorized-keys-path":     "ssh.authorized_keys_path",
	"db-type":                  "database.type",
	"db-dsn":                   "database.dsn",
	"lang":                     "language",
	"log-level":                "log_level",
	"output":                   "output",
	"limit":                    "history.limit",
}

// Defaults returns the values used when no other source sets a key.
func Defaults() map[string]any {
	conn := deploy.DefaultConnectionConfig()
	retry := core.DefaultRetryPolicy()
	dsn := "keyfleet.db"
	if dir, err := os.UserConfigDir(); err == nil {
		dsn = filepath.Join(dir, "keyfleet", "history.db")
	}
	return map[string]any{
		"concurrency":                  deploy.DefaultMaxSessions,
		"rollback_on_failure":          false,
		"retry.max_attempts":           retry.MaxAttempts,
		"retry.initial_backoff":        retry.InitialBackoff,
		"retry.max_backoff":            retry.MaxBackoff,
		"retry.multiplier":             retry.Multiplier,
		"ssh.user":                     "root",
		"ssh.port":                     22,
		"ssh.connection_timeout":       conn.ConnectionTimeout,
		"ssh.operation_timeout":        conn.OperationTimeout,
		"ssh.authorized_keys_path":     conn.AuthorizedKeysPath,
		"ssh.known_hosts":              conn.KnownHostsFile,
		"ssh.insecure_ignore_host_key": false,
		"ssh.use_agent":                true,
		"database.type":                db.TypeSQLite,
		"database.dsn":                 dsn,
		"history.enabled":              true,
		"history.limit":                20,
		"language":                     "en",
		"log_level":                    "info",
		"output":                       "text",
	}
}

// GetConfigPath returns the full path for the configuration file.
func GetConfigPath(system bool) (string, error) {
	var configDir string
	if system {
		switch runtime.GOOS {
		case "windows":
			configDir = filepath.Join(os.Getenv("ProgramData"), "keyfleet")
		default: // Linux, macOS, etc.
			configDir = "/etc/keyfleet"
		}
	} else {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		configDir = filepath.Join(dir, "keyfleet")
	}
	return filepath.Join(configDir, "keyfleet.yaml"), nil
}

// LoadConfig merges defaults, the first keyfleet.yaml found (or the file at
// explicitPath), KEYFLEET_* variables and the flags of cmd into T.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, explicitPath *string) (T, error) {
	var c T
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName("keyfleet")
	v.SetConfigType("yaml")
	if explicitPath != nil && *explicitPath != "" {
		v.SetConfigFile(*explicitPath)
	}
	if userConfigPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userConfigPath))
	}
	if systemConfigPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemConfigPath))
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless it was asked for explicitly.
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) || (explicitPath != nil && *explicitPath != "") {
			return c, err
		}
	}

	v.SetEnvPrefix("keyfleet")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			key, ok := FlagKeys[f.Name]
			if !ok {
				key = f.Name
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return c, bindErr
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks the values the orchestrator relies on.
func (c Config) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.SSH.Port < 1 || c.SSH.Port > 65535 {
		errs = append(errs, fmt.Errorf("ssh.port out of range: %d", c.SSH.Port))
	}
	switch c.Database.Type {
	case db.TypeSQLite, db.TypePostgres, db.TypeMySQL:
	default:
		errs = append(errs, fmt.Errorf("database.type must be sqlite, postgres or mysql, got %q", c.Database.Type))
	}
	switch c.Output {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("output must be text or json, got %q", c.Output))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ConnectionConfig converts the SSH section for the session pool.
func (c Config) ConnectionConfig() deploy.ConnectionConfig {
	return deploy.ConnectionConfig{
		ConnectionTimeout:     c.SSH.ConnectionTimeout,
		OperationTimeout:      c.SSH.OperationTimeout,
		AuthorizedKeysPath:    c.SSH.AuthorizedKeysPath,
		KnownHostsFile:        c.SSH.KnownHostsFile,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
		IdentityFile:          c.SSH.Identity,
		UseAgent:              c.SSH.UseAgent,
	}
}

// WriteConfigFile writes c as YAML to the user or system config path and
// returns that path.
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
	// 0600: the file may hold a database DSN with credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
