// Package config resolves the daemon's required dir/interval parameters
// from CLI flags and environment-variable fallbacks, and optionally layers
// in ambient/operational settings from a YAML overlay file for the
// optional history and status-server components.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError is returned for any problem resolving dir/interval from CLI
// flags and environment variables. Its Error() message is one of the fixed
// stderr strings listed on Load, or "invalid arguments: " followed by the
// flag parser's own error for an unknown or malformed flag.
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string { return e.msg }

func configError(msg string) *ConfigError { return &ConfigError{msg: msg} }

// Config holds the resolved, validated daemon configuration.
type Config struct {
	Dir      string
	Interval time.Duration

	// Ambient holds optional operational settings that never affect the
	// CLI/env contract above: they are consulted only by the domain-stack
	// components in internal/history and internal/statusserver.
	Ambient AmbientSettings
}

// AmbientSettings configures the domain-stack components. The zero value of
// every field except HistoryLog disables the corresponding component; the
// scan-history log is always written, to DefaultHistoryLog when HistoryLog
// is empty.
type AmbientSettings struct {
	// HistoryLog is the path to the tamper-evident scan-history log.
	// Defaults to DefaultHistoryLog when empty.
	HistoryLog string `yaml:"history_log"`

	// HistoryDB is the path to the local SQLite durable history queue.
	// Empty disables local history persistence.
	HistoryDB string `yaml:"history_db"`

	// HistoryDSN is a PostgreSQL connection string. When non-empty, a
	// background forwarder drains HistoryDB into this database. Requires
	// HistoryDB to also be set.
	HistoryDSN string `yaml:"history_dsn"`

	// StatusAddr is the listen address for the optional read-only status
	// HTTP server (e.g. "127.0.0.1:9100"). Empty disables it.
	StatusAddr string `yaml:"status_addr"`

	// StatusJWTPubKey is a path to a PEM-encoded RSA public key used to
	// require RS256 Bearer auth on the status server. Empty leaves the
	// status server unauthenticated.
	StatusJWTPubKey string `yaml:"status_jwt_pubkey"`
}

// DefaultHistoryLog is used when AmbientSettings.HistoryLog is unset.
const DefaultHistoryLog = ".integrityspy-history.jsonl"

// Load resolves Dir and Interval from args (as os.Args[1:] would be) and
// getenv (as os.Getenv would be), applying the following precedence and
// error contract:
//
//  1. A CLI flag (--dir/-d, --interval/-n) always wins over the
//     corresponding environment variable (dir, interval).
//  2. If neither source supplies dir, ConfigError("dir argument is
//     required").
//  3. If neither source supplies interval, ConfigError("interval argument
//     is required").
//  4. If interval is supplied but is not a positive integer,
//     ConfigError("invalid interval argument").
//
// An optional --config flag (or CONFIG_PATH environment variable) names a
// YAML file supplying AmbientSettings; it is consulted only for those
// fields and never for Dir/Interval.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("integrityspy", flag.ContinueOnError)
	fs.SetOutput(errDiscard{})

	var dirLong, dirShort, intervalLong, intervalShort, configPath string
	fs.StringVar(&dirLong, "dir", "", "path to the watched directory")
	fs.StringVar(&dirShort, "d", "", "path to the watched directory (shorthand)")
	fs.StringVar(&intervalLong, "interval", "", "scan period in seconds")
	fs.StringVar(&intervalShort, "n", "", "scan period in seconds (shorthand)")
	fs.StringVar(&configPath, "config", "", "optional path to an ambient-settings YAML overlay")

	if err := fs.Parse(args); err != nil {
		return nil, configError(fmt.Sprintf("invalid arguments: %v", err))
	}

	dirVal := firstNonEmpty(dirLong, dirShort)
	if dirVal == "" {
		dirVal = getenv("dir")
	}
	if dirVal == "" {
		return nil, configError("dir argument is required")
	}

	intervalVal := firstNonEmpty(intervalLong, intervalShort)
	if intervalVal == "" {
		intervalVal = getenv("interval")
	}
	if intervalVal == "" {
		return nil, configError("interval argument is required")
	}

	n, err := strconv.Atoi(intervalVal)
	if err != nil || n <= 0 {
		return nil, configError("invalid interval argument")
	}

	if configPath == "" {
		configPath = getenv("CONFIG_PATH")
	}
	ambient, err := loadAmbient(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: ambient overlay: %w", err)
	}

	return &Config{
		Dir:      dirVal,
		Interval: time.Duration(n) * time.Second,
		Ambient:  *ambient,
	}, nil
}

// loadAmbient reads and unmarshals the optional YAML overlay at path. An
// empty path is not an error: it simply yields zero-value (all disabled)
// AmbientSettings.
func loadAmbient(path string) (*AmbientSettings, error) {
	var a AmbientSettings
	if path == "" {
		return &a, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("cannot parse %q: %w", path, err)
	}
	return &a, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// errDiscard is an io.Writer that discards everything written to it. Used
// to silence the flag package's default "flag provided but not defined"
// usage dump to stderr, since Load composes its own ConfigError messages
// instead.
type errDiscard struct{}

func (errDiscard) Write(p []byte) (int, error) { return len(p), nil }

// IsConfigError reports whether err is a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
