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

// Config represents ~/.wpphub/config.toml.
type Config struct {
	HTTP      HTTPConfig      `toml:"http"`
	Health    HealthConfig    `toml:"health"`
	Store     StoreConfig     `toml:"store"`
	Directory DirectoryConfig `toml:"directory"`
	Notify    NotifyConfig    `toml:"notify"`
	Inbound   InboundConfig   `toml:"inbound"`
	Reconnect ReconnectConfig `toml:"reconnect"`
	Cache     CacheConfig     `toml:"cache"`
	Log       LogConfig       `toml:"log"`
	Device    DeviceConfig    `toml:"device"`
}

type HTTPConfig struct {
	Listen string `toml:"listen"`
}

type HealthConfig struct {
	// Socket is the Unix socket the gRPC health service listens on. Empty disables it.
	Socket string `toml:"socket"`
}

type StoreConfig struct {
	// Dialect is "sqlite3" or "postgres".
	Dialect string `toml:"dialect"`
	// DSN is a file path for sqlite3 or a connection string for postgres.
	DSN string `toml:"dsn"`
}

type DirectoryConfig struct {
	// Driver is "sql" (the credential database) or "mongo".
	Driver     string `toml:"driver"`
	MongoURI   string `toml:"mongo_uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
	Field      string `toml:"field"`
}

type NotifyConfig struct {
	URL       string   `toml:"url"`
	Timeout   Duration `toml:"timeout"`
	QueueSize int      `toml:"queue_size"`
}

type InboundConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

type ReconnectConfig struct {
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
	Parallelism int      `toml:"parallelism"`
}

type CacheConfig struct {
	MessageTTL Duration `toml:"message_ttl"`
	SentTTL    Duration `toml:"sent_ttl"`
	Size       int      `toml:"size"` // per session
}

type LogConfig struct {
	Level string `toml:"level"`
	// LibraryLevel filters the protocol library's own log output.
	LibraryLevel string `toml:"library_level"`
	Path         string `toml:"path"`
}

type DeviceConfig struct {
	// Name is shown in the phone's linked devices list.
	Name string `toml:"name"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		HTTP:      HTTPConfig{Listen: "127.0.0.1:8787"},
		Health:    HealthConfig{Socket: HealthSocketPath()},
		Store:     StoreConfig{Dialect: "sqlite3", DSN: DBPath()},
		Directory: DirectoryConfig{Driver: "sql", Database: "app", Collection: "users", Field: "whatsapp_connected"},
		Notify:    NotifyConfig{Timeout: Duration{5 * time.Second}, QueueSize: 256},
		Inbound:   InboundConfig{Timeout: Duration{2 * time.Minute}},
		Reconnect: ReconnectConfig{
			BaseDelay:   Duration{5 * time.Second},
			MaxDelay:    Duration{30 * time.Second},
			MaxAttempts: 5,
			Parallelism: 8,
		},
		Cache: CacheConfig{
			MessageTTL: Duration{30 * time.Minute},
			SentTTL:    Duration{time.Minute},
			Size:       5000,
		},
		Log:    LogConfig{Level: "info", LibraryLevel: "warn", Path: LogPath()},
		Device: DeviceConfig{Name: "wpphub"},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Dialect {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("store.dialect %q: want sqlite3 or postgres", c.Store.Dialect)
	}
	if c.Store.DSN == "" {
		return errors.New("store.dsn is required")
	}
	switch c.Directory.Driver {
	case "sql":
	case "mongo":
		if c.Directory.MongoURI == "" {
			return errors.New("directory.mongo_uri is required for the mongo driver")
		}
	default:
		return fmt.Errorf("directory.driver %q: want sql or mongo", c.Directory.Driver)
	}
	if c.Reconnect.MaxAttempts < 1 {
		return errors.New("reconnect.max_attempts must be at least 1")
	}
	if c.Reconnect.BaseDelay.Duration <= 0 || c.Reconnect.MaxDelay.Duration < c.Reconnect.BaseDelay.Duration {
		return errors.New("reconnect delays must satisfy 0 < base_delay <= max_delay")
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
