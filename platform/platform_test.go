package platform

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestGetDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	if got := GetDataDir(); got != dir {
		t.Errorf("GetDataDir() = %q; want %q", got, dir)
	}
}

func TestGetDataDirXDG(t *testing.T) {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		t.Skip("XDG layout only")
	}
	t.Setenv(HomeEnv, "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	if got, want := GetDataDir(), filepath.Join("/xdg", AppName); got != want {
		t.Errorf("GetDataDir() = %q; want %q", got, want)
	}
}

func TestEnsureExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no exec bit")
	}
	path := filepath.Join(t.TempDir(), "tool")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureExecutable(path); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(path)
	if info.Mode()&0111 != 0111 {
		t.Errorf("mode = %v", info.Mode())
	}
	if err := EnsureExecutable(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
