package deps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stevecastle/gazefield/platform"
)

// FileInfo describes one file an install produced.
type FileInfo struct {
	Path string `json:"path"`
	Hash string `json:"hash,omitempty"`
	Size int64  `json:"size"`
}

// Record is what the store remembers about one dependency.
type Record struct {
	InstalledVersion string              `json:"installedVersion"`
	Status           DependencyStatus    `json:"status"`
	InstallPath      string              `json:"installPath"`
	LastChecked      time.Time           `json:"lastChecked"`
	LastUpdated      time.Time           `json:"lastUpdated"`
	Files            map[string]FileInfo `json:"files"`
	JobID            string              `json:"jobId,omitempty"`
}

const metadataVersion = 1

// metadataFile is the on-disk layout of dependencies.json.
type metadataFile struct {
	Version      int               `json:"version"`
	Dependencies map[string]Record `json:"dependencies"`
}

// MetadataStore persists install records to dependencies.json so the server
// can find installed models and report download jobs across restarts.
type MetadataStore struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

var (
	metadataStore *MetadataStore
	metadataOnce  sync.Once
	metadataMu    sync.RWMutex
)

// GetMetadataStore returns the process-wide store, loading it from the data
// directory on first use. A corrupt file is replaced by an empty store.
func GetMetadataStore() *MetadataStore {
	metadataOnce.Do(func() {
		path := filepath.Join(platform.GetDataDir(), "dependencies.json")
		store, err := LoadMetadataFrom(path)
		if err != nil {
			store = newMetadataStore(path)
		}
		metadataMu.Lock()
		if metadataStore == nil {
			metadataStore = store
		}
		metadataMu.Unlock()
	})
	metadataMu.RLock()
	defer metadataMu.RUnlock()
	return metadataStore
}

// UseMetadataStore replaces the process-wide store.
func UseMetadataStore(m *MetadataStore) {
	metadataOnce.Do(func() {})
	metadataMu.Lock()
	metadataStore = m
	metadataMu.Unlock()
}

func newMetadataStore(path string) *MetadataStore {
	return &MetadataStore{path: path, records: make(map[string]Record)}
}

// LoadMetadataFrom reads the store at path. A missing file yields an empty
// store that saves there.
func LoadMetadataFrom(path string) (*MetadataStore, error) {
	store := newMetadataStore(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, nil
	}
	if err != nil {
		return nil, err
	}
	var f metadataFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Version > metadataVersion {
		return nil, fmt.Errorf("%s: unsupported version %d", path, f.Version)
	}
	for id, rec := range f.Dependencies {
		store.records[id] = rec
	}
	return store, nil
}

// Save writes the store to disk, replacing the previous file atomically.
func (m *MetadataStore) Save() error {
	m.mu.RLock()
	data, err := json.MarshalIndent(metadataFile{Version: metadataVersion, Dependencies: m.records}, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Get returns the record for depID.
func (m *MetadataStore) Get(depID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[depID]
	return rec, ok
}

// GetStatus returns depID's recorded status, StatusNotInstalled if unknown.
func (m *MetadataStore) GetStatus(depID string) DependencyStatus {
	if rec, ok := m.Get(depID); ok {
		return rec.Status
	}
	return StatusNotInstalled
}

// GetJobID returns the download job recorded for depID.
func (m *MetadataStore) GetJobID(depID string) string {
	rec, _ := m.Get(depID)
	return rec.JobID
}

// Update replaces depID's record.
func (m *MetadataStore) Update(depID string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[depID] = rec
	return nil
}

// modify applies fn to depID's record, creating it if create is set.
func (m *MetadataStore) modify(depID string, create bool, fn func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[depID]
	if !ok {
		if !create {
			return
		}
		rec.Files = make(map[string]FileInfo)
	}
	fn(&rec)
	m.records[depID] = rec
}

// UpdateStatus sets depID's status.
func (m *MetadataStore) UpdateStatus(depID string, status DependencyStatus) error {
	m.modify(depID, true, func(r *Record) {
		r.Status = status
		r.LastChecked = time.Now()
	})
	return nil
}

// SetJobID records the job downloading depID.
func (m *MetadataStore) SetJobID(depID, jobID string) error {
	m.modify(depID, true, func(r *Record) {
		r.JobID = jobID
		r.LastChecked = time.Now()
	})
	return nil
}

// ClearJobID forgets depID's download job.
func (m *MetadataStore) ClearJobID(depID string) error {
	m.modify(depID, false, func(r *Record) { r.JobID = "" })
	return nil
}

// Missing lists the recorded files of depID that are no longer on disk.
func (m *MetadataStore) Missing(depID string) []string {
	rec, ok := m.Get(depID)
	if !ok {
		return nil
	}
	var gone []string
	for name, fi := range rec.Files {
		if _, err := os.Stat(fi.Path); err != nil {
			gone = append(gone, name)
		}
	}
	return gone
}
