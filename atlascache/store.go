package atlascache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a generated atlas reference is kept.
const DefaultTTL = 30 * 24 * time.Hour

// Entry is the value stored for one (fingerprint, coordinate) pair.
type Entry struct {
	ImageURL  string `json:"imageUrl"`
	PX        int    `json:"px"`
	PY        int    `json:"py"`
	Timestamp int64  `json:"timestamp"` // unix millis
	ImageHash string `json:"imageHash"`
}

// Store is a key/value store with per-key expiry. Pattern deletes are not
// part of the contract.
type Store interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// SQLiteStore persists entries in the atlas_cache table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the atlas_cache table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.createTable(); err != nil {
		return nil, fmt.Errorf("create atlas_cache table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS atlas_cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL, -- JSON Entry
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}
	_, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_atlas_cache_expires ON atlas_cache(expires_at)")
	return err
}

// Get returns the entry for key. Expired rows are deleted and reported absent.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var raw string
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM atlas_cache WHERE key = ?", key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	if expiresAt <= s.now().Unix() {
		_, _ = s.db.ExecContext(ctx, "DELETE FROM atlas_cache WHERE key = ?", key)
		return Entry{}, false, nil
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", key, err)
	}
	return e, true, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, e Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	now := s.now()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO atlas_cache (key, value, created_at, expires_at) VALUES (?, ?, ?, ?)",
		key, string(raw), now.Unix(), now.Add(ttl).Unix())
	return err
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM atlas_cache WHERE key = ?", key)
	return err
}

// Purge removes every expired row and returns how many were dropped.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM atlas_cache WHERE expires_at <= ?", s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type memoryItem struct {
	entry     Entry
	expiresAt time.Time
}

// MemoryStore is an in-process Store, used when no database is configured.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return Entry{}, false, nil
	}
	if !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return Entry{}, false, nil
	}
	return it.entry, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, e Entry, ttl time.Duration) error {
	m.mu.Lock()
	m.items[key] = memoryItem{entry: e, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored items, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
