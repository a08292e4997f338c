package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "mcp-router"

// DataDir returns the OS-specific user-data directory for the router.
// All persisted state (store, key material, audit log, backups) lives under it.
func DataDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return defaultDataDir()
			}
			localAppData = filepath.Join(userProfile, "AppData", "Local")
		}
		return filepath.Join(localAppData, appDirName), nil
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return defaultDataDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support", appDirName), nil
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return defaultDataDir()
			}
			dataHome = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataHome, appDirName), nil
	}
}

func defaultDataDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, "."+appDirName), nil
}

// EnsureDataDir resolves the data directory (or uses the override) and creates
// it if missing.
func EnsureDataDir(override string) (string, error) {
	dir := override
	if dir == "" {
		var err error
		dir, err = DataDir()
		if err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// Well-known file names under the data directory.
const (
	StoreFileName          = "store.db"
	KeyFileName            = ".oauth-key"
	KeyMetadataFileName    = "oauth-keys.json"
	AuditLogFileName       = "oauth-audit.log"
	BackupDirName          = "oauth-backups"
	MigrationStateFileName = "oauth-migration-state.json"
)
