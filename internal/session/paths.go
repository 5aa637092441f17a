// Package session owns the on-disk layout and naming rules for gateway
// sessions. All state lives under one base directory so a whole deployment
// can be moved or wiped as a unit.
package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wppgw, or the override when set.
func BaseDir() string {
	if dir := os.Getenv("WPPGW_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wppgw")
}

// DataDir returns the directory backing the file document store.
func DataDir() string {
	return filepath.Join(BaseDir(), "data")
}

// Dir returns the session-specific directory.
func Dir(key string) string {
	return filepath.Join(BaseDir(), "sessions", key)
}

// DeviceDBPath returns the protocol library's device database path for a
// session.
func DeviceDBPath(key string) string {
	return filepath.Join(Dir(key), "device.db")
}

// StoreDBPath returns the sqlite document store path, shared by all
// sessions.
func StoreDBPath() string {
	return filepath.Join(BaseDir(), "wppgw.db")
}

// LockPath returns the daemon lock file path.
func LockPath() string {
	return filepath.Join(BaseDir(), "LOCK")
}

// LogDir returns the gateway log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "wppgwd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureBase creates the gateway directory tree with proper permissions.
func EnsureBase() error {
	dirs := []string{
		BaseDir(),
		DataDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates one session's directory.
func EnsureDir(key string) error {
	return os.MkdirAll(Dir(key), 0700)
}
