package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Backends a profile can sync against.
const (
	BackendNATS  = "nats"
	BackendLocal = "local"
)

const (
	DefaultShutdownTimeout = 3 * time.Second
	DefaultConnectTimeout  = 5 * time.Second
	DefaultBucket          = "chatsync"
	DefaultLogLevel        = "info"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Duration is a time.Duration written as a string such as "3s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// NATS configures the NATS JetStream backend.
type NATS struct {
	URL            string   `toml:"url"`
	Bucket         string   `toml:"bucket"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

// Local configures the SQLite backend. An empty DBPath uses the profile's data.db.
type Local struct {
	DBPath string `toml:"db_path"`
}

// Profile represents ~/.chatsync/profiles/<name>/config.toml.
type Profile struct {
	UserID          string   `toml:"user_id"`
	DisplayName     string   `toml:"display_name"`
	Backend         string   `toml:"backend"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	LogLevel        string   `toml:"log_level"`
	// MetricsAddr, when set, also serves /metrics over TCP.
	MetricsAddr string `toml:"metrics_addr"`
	NATS        NATS   `toml:"nats"`
	Local       Local  `toml:"local"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return write(path, cfg)
}

// LoadProfile reads a profile config and applies defaults. A missing file
// yields the defaults; validation errors are returned.
func LoadProfile(path string) (*Profile, error) {
	var p Profile
	_, err := toml.DecodeFile(path, &p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load profile config: %w", err)
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile writes a profile config with 0600 permissions.
func SaveProfile(path string, p *Profile) error {
	return write(path, p)
}

// ApplyDefaults fills unset fields.
func (p *Profile) ApplyDefaults() {
	if p.Backend == "" {
		p.Backend = BackendLocal
	}
	if p.ShutdownTimeout.Duration <= 0 {
		p.ShutdownTimeout.Duration = DefaultShutdownTimeout
	}
	if p.LogLevel == "" {
		p.LogLevel = DefaultLogLevel
	}
	if p.NATS.Bucket == "" {
		p.NATS.Bucket = DefaultBucket
	}
	if p.NATS.ConnectTimeout.Duration <= 0 {
		p.NATS.ConnectTimeout.Duration = DefaultConnectTimeout
	}
}

// Validate checks the fields that have no sensible default.
func (p *Profile) Validate() error {
	switch p.Backend {
	case BackendNATS, BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q (want %q or %q)", p.Backend, BackendNATS, BackendLocal)
	}
	return nil
}

func write(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
