package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/groupcrypt/limits"
)

// Validation bounds.
const (
	MinMissingKeyRetryDelay = 100 * time.Millisecond
	MaxMissingKeyRetryDelay = time.Hour

	MinDeviceKeyTTL = time.Minute
	MaxDeviceKeyTTL = 24 * time.Hour

	MaxSolicitationRespondDelay = time.Minute

	MinShareConcurrency = 1
	MaxShareConcurrency = 64

	MinShareMaxElapsed = time.Second
	MaxShareMaxElapsed = 10 * time.Minute
)

// DefaultDatabaseName is the store file created inside DataDir.
const DefaultDatabaseName = "groupcrypt.db"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration written as "1s" or "15m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the engine configuration.
type Config struct {
	// UserID is the local user.
	UserID string `toml:"user_id"`
	// DataDir holds the session store unless DatabasePath is set.
	DataDir      string `toml:"data_dir"`
	DatabasePath string `toml:"database_path"`
	// PickleSecret encrypts key material at rest. It is usually supplied by
	// GROUPCRYPT_PICKLE_SECRET rather than the file.
	PickleSecret string `toml:"pickle_secret,omitempty"`

	DeviceKeyTTL              Duration `toml:"device_key_ttl"`
	MissingKeyRetryDelay      Duration `toml:"missing_key_retry_delay"`
	MaxRequestedSessionIDs    int      `toml:"max_requested_session_ids"`
	SolicitationRespondDelay  Duration `toml:"solicitation_respond_delay"`
	ShareConcurrency          int      `toml:"share_concurrency"`
	ShareMaxElapsed           Duration `toml:"share_max_elapsed"`
	HighPriorityConversations []string `toml:"high_priority_conversations"`

	LogLevel string `toml:"log_level"`
}

// Default returns the default configuration.
//
// Default Value Rationale:
//   - DeviceKeyTTL: 15m - long enough to share to busy conversations from
//     cache, short enough to pick up new devices
//   - MissingKeyRetryDelay: 1s - batches the misses of one page of history
//     into a single key request
//   - MaxRequestedSessionIDs: 100 - keeps one request within an event
//   - ShareConcurrency: 8 - parallel per-device encryptions
//   - ShareMaxElapsed: 30s - retry budget of one bundle send
func Default() *Config {
	return &Config{
		DataDir:                "groupcrypt-data",
		DeviceKeyTTL:           Duration{15 * time.Minute},
		MissingKeyRetryDelay:   Duration{time.Second},
		MaxRequestedSessionIDs: limits.MaxRequestedSessionIDs,
		ShareConcurrency:       8,
		ShareMaxElapsed:        Duration{30 * time.Second},
		LogLevel:               "info",
	}
}

// LoadFile reads path over the defaults and applies environment overrides.
// An empty path skips the file. The result is not validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.ApplyEnvironment()
	return cfg, nil
}

// Load is LoadFile followed by Validate.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Log()
	return cfg, nil
}

// Save writes the configuration as TOML. The pickle secret is not written.
func (c *Config) Save(path string) error {
	out := *c
	out.PickleSecret = ""

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(out); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ResolveDatabasePath returns DatabasePath, or the default file in DataDir.
func (c *Config) ResolveDatabasePath() string {
	if c.DatabasePath != "" {
		return c.DatabasePath
	}
	return filepath.Join(c.DataDir, DefaultDatabaseName)
}

// Validate checks required fields and bounds.
func (c *Config) Validate() error {
	switch {
	case c.PickleSecret == "":
		return fmt.Errorf("%w: pickle secret is required", ErrInvalidConfig)
	case c.DataDir == "" && c.DatabasePath == "":
		return fmt.Errorf("%w: data_dir or database_path is required", ErrInvalidConfig)
	}
	if err := checkDuration("device_key_ttl", c.DeviceKeyTTL.Duration, MinDeviceKeyTTL, MaxDeviceKeyTTL); err != nil {
		return err
	}
	if err := checkDuration("missing_key_retry_delay", c.MissingKeyRetryDelay.Duration, MinMissingKeyRetryDelay, MaxMissingKeyRetryDelay); err != nil {
		return err
	}
	if err := checkDuration("solicitation_respond_delay", c.SolicitationRespondDelay.Duration, 0, MaxSolicitationRespondDelay); err != nil {
		return err
	}
	if err := checkDuration("share_max_elapsed", c.ShareMaxElapsed.Duration, MinShareMaxElapsed, MaxShareMaxElapsed); err != nil {
		return err
	}
	if err := checkInt("max_requested_session_ids", c.MaxRequestedSessionIDs, 1, limits.MaxRequestedSessionIDs); err != nil {
		return err
	}
	if err := checkInt("share_concurrency", c.ShareConcurrency, MinShareConcurrency, MaxShareConcurrency); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	return nil
}

func checkDuration(name string, v, min, max time.Duration) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %s %s outside [%s, %s]", ErrInvalidConfig, name, v, min, max)
	}
	return nil
}

func checkInt(name string, v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %s %d outside [%d, %d]", ErrInvalidConfig, name, v, min, max)
	}
	return nil
}

// ApplyLogging sets the logrus level.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	return nil
}

// Log records the effective configuration without secrets.
func (c *Config) Log() {
	logrus.WithFields(logrus.Fields{
		"function":                   "Config.Log",
		"user_id":                    c.UserID,
		"database_path":              c.ResolveDatabasePath(),
		"device_key_ttl":             c.DeviceKeyTTL.String(),
		"missing_key_retry_delay":    c.MissingKeyRetryDelay.String(),
		"max_requested_session_ids":  c.MaxRequestedSessionIDs,
		"solicitation_respond_delay": c.SolicitationRespondDelay.String(),
		"share_concurrency":          c.ShareConcurrency,
		"share_max_elapsed":          c.ShareMaxElapsed.String(),
		"high_priority":              len(c.HighPriorityConversations),
		"log_level":                  c.LogLevel,
	}).Info("Loaded group encryption configuration")
}
