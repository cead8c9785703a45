// Package config loads and validates drivemirror's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Default intervals.
const (
	defaultPollInterval = 8 * time.Second
	defaultDebounce     = 1 * time.Second
)

// Config is the full drivemirror configuration.
type Config struct {
	AccountID       string   `toml:"account_id"`
	LocalRoot       string   `toml:"local_root"`
	RemoteRoot      string   `toml:"remote_root"` // remote folder id; "root" mirrors My Drive
	CredentialsFile string   `toml:"credentials_file"`
	TokenFile       string   `toml:"token_file"`
	StateDB         string   `toml:"state_db"`
	PollInterval    duration `toml:"poll_interval"`
	Debounce        duration `toml:"debounce"`
}

// duration wraps time.Duration for TOML decoding of "8s"-style values.
type duration time.Duration

// UnmarshalText implements toml's text unmarshaling for durations.
func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = duration(parsed)

	return nil
}

// Std returns the standard-library duration.
func (d duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".config", "drivemirror")

	return &Config{
		AccountID:       "default",
		RemoteRoot:      "root",
		CredentialsFile: filepath.Join(base, "credentials.json"),
		TokenFile:       filepath.Join(base, "token.json"),
		StateDB:         filepath.Join(base, "state.db"),
		PollInterval:    duration(defaultPollInterval),
		Debounce:        duration(defaultDebounce),
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "drivemirror", "config.toml")
}

// Load reads and parses a TOML config file, validates it, and returns
// the resulting Config.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validating %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for missing or inconsistent values.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.AccountID == "" {
		errs = append(errs, errors.New("account_id must not be empty"))
	}

	if c.LocalRoot == "" {
		errs = append(errs, errors.New("local_root must be set"))
	} else if !filepath.IsAbs(c.LocalRoot) {
		errs = append(errs, fmt.Errorf("local_root must be absolute, got %q", c.LocalRoot))
	}

	if c.StateDB == "" {
		errs = append(errs, errors.New("state_db must be set"))
	}

	if c.PollInterval.Std() < time.Second {
		errs = append(errs, fmt.Errorf("poll_interval must be at least 1s, got %s", c.PollInterval.Std()))
	}

	if c.Debounce.Std() <= 0 {
		errs = append(errs, errors.New("debounce must be positive"))
	}

	return errors.Join(errs...)
}
