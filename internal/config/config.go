// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authcore settings from defaults, an optional YAML
// file, the DATABASE_URL environment variable and command flags, in that
// order of precedence (later wins).
package config

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/holomush/authcore/internal/auth"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// DatabaseURLEnv names the environment variable holding the DSN.
const DatabaseURLEnv = "DATABASE_URL"

// Config is the full authcore configuration.
type Config struct {
	HTTP     HTTPConfig     `koanf:"http" yaml:"http"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics"`
	Database DatabaseConfig `koanf:"database" yaml:"database"`
	Store    string         `koanf:"store" yaml:"store"`
	Auth     AuthConfig     `koanf:"auth" yaml:"auth"`
	Log      LogConfig      `koanf:"log" yaml:"log"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures the observability listener. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr"`
}

// DatabaseConfig configures the PostgreSQL store.
type DatabaseConfig struct {
	URL            string `koanf:"url" yaml:"url"`
	AutoMigrate    bool   `koanf:"auto_migrate" yaml:"auto_migrate"`
	MaxConns       int32  `koanf:"max_conns" yaml:"max_conns"`
	ConnectRetries uint64 `koanf:"connect_retries" yaml:"connect_retries"`
}

// AuthConfig selects and tunes the authentication scheme.
type AuthConfig struct {
	Scheme        string   `koanf:"scheme" yaml:"scheme"`
	ExcludedPaths []string `koanf:"excluded_paths" yaml:"excluded_paths"`
	SessionCookie string   `koanf:"session_cookie" yaml:"session_cookie"`
	Hasher        string   `koanf:"hasher" yaml:"hasher"`
	BcryptCost    int      `koanf:"bcrypt_cost" yaml:"bcrypt_cost"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Format string `koanf:"format" yaml:"format"`
	Level  string `koanf:"level" yaml:"level"`
}

// DefaultExcludedPaths are reachable without credentials.
var DefaultExcludedPaths = []string{
	"/api/v1/status/",
	"/api/v1/unauthorized/",
	"/api/v1/forbidden/",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":5000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9100"},
		Database: DatabaseConfig{
			MaxConns:       10,
			ConnectRetries: 6,
		},
		Store: StorePostgres,
		Auth: AuthConfig{
			Scheme:        auth.SchemeSession,
			ExcludedPaths: slices.Clone(DefaultExcludedPaths),
			SessionCookie: auth.DefaultSessionCookie,
			Hasher:        auth.HasherArgon2id,
			BcryptCost:    bcrypt.DefaultCost,
		},
		Log: LogConfig{Format: "json", Level: "info"},
	}
}

// flagKeys maps command flag names to configuration keys.
var flagKeys = map[string]string{
	"http-addr":      "http.addr",
	"metrics-addr":   "metrics.addr",
	"database-url":   "database.url",
	"auto-migrate":   "database.auto_migrate",
	"store":          "store",
	"auth-scheme":    "auth.scheme",
	"excluded-paths": "auth.excluded_paths",
	"session-cookie": "auth.session_cookie",
	"hasher":         "auth.hasher",
	"log-format":     "log.format",
	"log-level":      "log.level",
}

// RegisterFlags adds the overridable settings to fs. Defaults shown in help
// come from Default; unset flags never override the file.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("http-addr", d.HTTP.Addr, "API listen address")
	fs.String("metrics-addr", d.Metrics.Addr, "metrics and health listen address (empty disables)")
	fs.String("database-url", "", "PostgreSQL URL (default $"+DatabaseURLEnv+")")
	fs.Bool("auto-migrate", d.Database.AutoMigrate, "apply pending migrations at startup")
	fs.String("store", d.Store, "user store backend: postgres or memory")
	fs.String("auth-scheme", d.Auth.Scheme, "authentication scheme: none, basic or session")
	fs.StringSlice("excluded-paths", d.Auth.ExcludedPaths, "paths reachable without credentials")
	fs.String("session-cookie", d.Auth.SessionCookie, "session cookie name")
	fs.String("hasher", d.Auth.Hasher, "password hasher: argon2id or bcrypt")
	fs.String("log-format", d.Log.Format, "log format: json or text")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn or error")
}

// Load builds the effective configuration. path may be empty; fs may be nil.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := setDefaults(k); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrapf(err, "read config file")
		}
	}

	if dsn, ok := os.LookupEnv(DatabaseURLEnv); ok && dsn != "" {
		if err := k.Set("database.url", dsn); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
		}
	}

	if fs != nil {
		provider := posflag.ProviderWithFlag(fs, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			if sv, ok := f.Value.(pflag.SliceValue); ok {
				return key, sv.GetSlice()
			}
			return key, f.Value.String()
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").Wrapf(err, "read flags")
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults seeds k with every key of Default.
func setDefaults(k *koanf.Koanf) error {
	d := Default()
	defaults := map[string]any{
		"http.addr":                d.HTTP.Addr,
		"http.read_timeout":        d.HTTP.ReadTimeout,
		"http.write_timeout":       d.HTTP.WriteTimeout,
		"http.shutdown_timeout":    d.HTTP.ShutdownTimeout,
		"metrics.addr":             d.Metrics.Addr,
		"database.url":             d.Database.URL,
		"database.auto_migrate":    d.Database.AutoMigrate,
		"database.max_conns":       d.Database.MaxConns,
		"database.connect_retries": d.Database.ConnectRetries,
		"store":                    d.Store,
		"auth.scheme":              d.Auth.Scheme,
		"auth.excluded_paths":      d.Auth.ExcludedPaths,
		"auth.session_cookie":      d.Auth.SessionCookie,
		"auth.hasher":              d.Auth.Hasher,
		"auth.bcrypt_cost":         d.Auth.BcryptCost,
		"log.format":               d.Log.Format,
		"log.level":                d.Log.Level,
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrapf(err, "set default")
		}
	}
	return nil
}

// Validate checks enumerated settings and cross-field requirements.
func (c *Config) Validate() error {
	invalid := func(field string, value any, allowed ...string) error {
		return oops.Code("CONFIG_INVALID").
			With("field", field).
			With("value", value).
			Errorf("%s must be one of %s", field, strings.Join(allowed, ", "))
	}

	if !slices.Contains([]string{auth.SchemeNone, auth.SchemeBasic, auth.SchemeSession}, c.Auth.Scheme) {
		return invalid("auth.scheme", c.Auth.Scheme, auth.SchemeNone, auth.SchemeBasic, auth.SchemeSession)
	}
	if !slices.Contains([]string{auth.HasherArgon2id, auth.HasherBcrypt}, c.Auth.Hasher) {
		return invalid("auth.hasher", c.Auth.Hasher, auth.HasherArgon2id, auth.HasherBcrypt)
	}
	if !slices.Contains([]string{StorePostgres, StoreMemory}, c.Store) {
		return invalid("store", c.Store, StorePostgres, StoreMemory)
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return invalid("log.format", c.Log.Format, "json", "text")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(c.Log.Level)) {
		return invalid("log.level", c.Log.Level, "debug", "info", "warn", "error")
	}
	if c.Auth.Hasher == auth.HasherBcrypt &&
		(c.Auth.BcryptCost < bcrypt.MinCost || c.Auth.BcryptCost > bcrypt.MaxCost) {
		return oops.Code("CONFIG_INVALID").
			With("field", "auth.bcrypt_cost").
			With("value", c.Auth.BcryptCost).
			Errorf("auth.bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	if c.HTTP.Addr == "" {
		return oops.Code("CONFIG_INVALID").With("field", "http.addr").Errorf("http.addr is required")
	}
	if c.Store == StorePostgres && c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").
			With("field", "database.url").
			Errorf("database.url or %s is required for the postgres store", DatabaseURLEnv)
	}
	return nil
}

// MarshalYAML renders durations in their string form.
func (h HTTPConfig) MarshalYAML() (any, error) {
	return map[string]string{
		"addr":             h.Addr,
		"read_timeout":     h.ReadTimeout.String(),
		"write_timeout":    h.WriteTimeout.String(),
		"shutdown_timeout": h.ShutdownTimeout.String(),
	}, nil
}

// YAML renders the configuration as a YAML document.
func (c Config) YAML() ([]byte, error) {
	out, err := yamlv3.Marshal(c)
	if err != nil {
		return nil, oops.Code("CONFIG_ENCODE_FAILED").Wrap(err)
	}
	return out, nil
}

// Redacted returns a copy safe to print: the database password is masked.
func (c Config) Redacted() Config {
	out := c
	out.Auth.ExcludedPaths = slices.Clone(c.Auth.ExcludedPaths)
	out.Database.URL = redactURL(c.Database.URL)
	return out
}

func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return raw
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return raw
	}
	return scheme + "://" + user + ":xxxxx@" + host
}
