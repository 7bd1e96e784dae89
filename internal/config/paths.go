package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "WPPHUB_CONFIG"

// BaseDir returns ~/.wpphub.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpphub")
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// DBPath returns the default sqlite database holding credentials and device keys.
func DBPath() string {
	return filepath.Join(BaseDir(), "wpphub.db")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// HealthSocketPath returns the UDS path of the gRPC health service.
func HealthSocketPath() string {
	return filepath.Join(BaseDir(), "health.sock")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(BaseDir(), "logs", "wpphubd.log")
}

// Resolve determines the config file path using precedence:
// 1. flagOverride (--config flag)
// 2. $WPPHUB_CONFIG
// 3. ~/.wpphub/config.toml
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return ConfigPath()
}
