// Package platform resolves per-OS directories and library naming for the
// gazefield server and its tools.
package platform

import (
	"os"
	"runtime"
)

const (
	// AppName names the data directory on Linux.
	AppName = "gazefield"
	// AppDisplayName names the data directory on Windows and macOS.
	AppDisplayName = "Gazefield"
	// HomeEnv, when set, replaces the per-OS data directory.
	HomeEnv = "GAZEFIELD_HOME"
)

// GetDataDir returns the directory holding config.json, the cache database,
// logs and downloaded models.
//
//	Windows: %APPDATA%\Gazefield
//	macOS:   ~/Library/Application Support/Gazefield
//	other:   $XDG_DATA_HOME/gazefield or ~/.local/share/gazefield
func GetDataDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	return dataDir()
}

// SharedLibExtension returns ".dll", ".dylib" or ".so".
func SharedLibExtension() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	}
	return ".so"
}

// EnsureExecutable sets the executable bits where the OS uses them.
func EnsureExecutable(path string) error {
	return ensureExecutable(path)
}

// UserHomeDir returns the user's home directory, or "." when unknown.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
