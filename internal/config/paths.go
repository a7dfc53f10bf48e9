package config

import (
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
)

const appName = "assistd"

// DataDir is the per-user data directory ($XDG_DATA_HOME/assistd).
func DataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

// DefaultStoragePath returns where a driver keeps its state when storage.path
// is empty. Drivers without a local path return "".
func DefaultStoragePath(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file":
		return filepath.Join(DataDir(), "store")
	case "sqlite", "sqlite3":
		return filepath.Join(DataDir(), "state.db")
	case "badger":
		return filepath.Join(DataDir(), "badger")
	default:
		return ""
	}
}
