package platform

import (
	"os"
	"path/filepath"
)

func dataDir() string {
	if appData := os.Getenv("APPDATA"); appData != "" {
		return filepath.Join(appData, AppDisplayName)
	}
	return filepath.Join(UserHomeDir(), "."+AppName)
}

func ensureExecutable(string) error { return nil }
