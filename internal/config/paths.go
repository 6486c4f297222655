package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

const appDir = "tend"

// DefaultPath returns the default config file location
// ($XDG_CONFIG_HOME/tend/config.yaml).
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, appDir, "config.yaml")
}

// DefaultDBPath returns the default SQLite location
// ($XDG_DATA_HOME/tend/tend.db).
func DefaultDBPath() string {
	return filepath.Join(xdg.DataHome, appDir, "tend.db")
}

// DefaultLogPath returns the default log file location
// ($XDG_STATE_HOME/tend/tend.log).
func DefaultLogPath() string {
	return filepath.Join(xdg.StateHome, appDir, "tend.log")
}
