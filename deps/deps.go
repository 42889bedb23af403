package deps

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stevecastle/gazefield/downloads"
)

// DependencyStatus represents the current state of a dependency.
type DependencyStatus string

const (
	StatusNotInstalled DependencyStatus = "not_installed"
	StatusInstalled    DependencyStatus = "installed"
	StatusOutdated     DependencyStatus = "outdated"
	StatusDownloading  DependencyStatus = "downloading"
)

// Dependency is a file set the server can fetch on demand: the depth model
// and the ONNX Runtime shared library.
type Dependency struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	TargetDir     string `json:"targetDir"`
	LatestVersion string `json:"latestVersion"`
	DownloadURL   string `json:"downloadUrl"`
	ExpectedSize  int64  `json:"expectedSize"`

	// Optional dependencies don't block startup checks.
	Optional bool `json:"optional"`

	// Check verifies the dependency exists and returns its version.
	Check func(ctx context.Context) (exists bool, version string, err error) `json:"-"`

	// DownloadFn installs the dependency, reporting progress as it goes.
	DownloadFn downloads.FetchFunc `json:"-"`
}

// DependencyRegistry stores all registered dependencies.
type DependencyRegistry map[string]*Dependency

var (
	registry DependencyRegistry = make(DependencyRegistry)
	mu       sync.RWMutex
)

// Register adds a dependency to the global registry, replacing any with the same ID.
func Register(dep *Dependency) {
	mu.Lock()
	defer mu.Unlock()
	registry[dep.ID] = dep
}

// GetAll returns all registered dependencies sorted by ID.
func GetAll() []*Dependency {
	mu.RLock()
	defer mu.RUnlock()

	deps := make([]*Dependency, 0, len(registry))
	for _, d := range registry {
		deps = append(deps, d)
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].ID < deps[j].ID })
	return deps
}

// Get retrieves a dependency by its ID.
func Get(id string) (*Dependency, bool) {
	mu.RLock()
	defer mu.RUnlock()

	dep, ok := registry[id]
	return dep, ok
}

// GetFilePath returns the path of fileName within a dependency, preferring
// the path recorded at install time.
func GetFilePath(depID, fileName string) (string, error) {
	meta, ok := GetMetadataStore().Get(depID)
	if ok && meta.Files != nil {
		if fileInfo, exists := meta.Files[fileName]; exists && fileInfo.Path != "" {
			return fileInfo.Path, nil
		}
	}

	dep, ok := Get(depID)
	if !ok {
		return "", fmt.Errorf("unknown dependency: %s", depID)
	}
	return filepath.Join(dep.TargetDir, fileName), nil
}

// GetMissingRequired returns the non-optional dependencies that are not installed.
func GetMissingRequired(ctx context.Context) []*Dependency {
	var missing []*Dependency
	for _, d := range GetAll() {
		if d.Optional {
			continue
		}
		exists, _, err := d.Check(ctx)
		if err != nil || !exists {
			missing = append(missing, d)
		}
	}
	return missing
}

// Install runs dep's download through m and records the outcome in the
// metadata store. observe, if non-nil, sees every progress report too.
func Install(ctx context.Context, m *downloads.Manager, depID string, observe downloads.ProgressCallback) error {
	dep, ok := Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}
	if dep.DownloadFn == nil {
		return fmt.Errorf("dependency %s cannot be downloaded", depID)
	}

	store := GetMetadataStore()
	store.UpdateStatus(depID, StatusDownloading)
	store.Save()

	download := dep.DownloadFn
	if observe != nil {
		download = func(ctx context.Context, progress downloads.ProgressCallback) error {
			return dep.DownloadFn(ctx, func(p downloads.Progress) {
				progress(p)
				observe(p)
			})
		}
	}
	if err := m.Fetch(ctx, dep.ID, dep.Name, download); err != nil {
		store.UpdateStatus(depID, StatusNotInstalled)
		store.ClearJobID(depID)
		store.Save()
		return err
	}

	store.UpdateStatus(depID, StatusInstalled)
	store.ClearJobID(depID)
	return store.Save()
}
