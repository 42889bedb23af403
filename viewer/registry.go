package viewer

import (
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info summarizes a session for listings.
type Info struct {
	ID          string      `json:"id"`
	Fingerprint string      `json:"imageHash"`
	Width       int         `json:"width"`
	Height      int         `json:"height"`
	Mode        Mode        `json:"mode"`
	AtlasImages int         `json:"atlasImages"`
	Depth       DepthStatus `json:"depth"`
	Created     time.Time   `json:"created"`
	LastSeen    time.Time   `json:"lastSeen"`
}

// Info summarizes s.
func (s *Session) Info() Info {
	b := s.Bounds()
	return Info{
		ID:          s.ID,
		Fingerprint: s.Fingerprint(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Mode:        s.Settings().Mode,
		AtlasImages: s.AtlasSize(),
		Depth:       s.Depth(),
		Created:     s.Created,
		LastSeen:    s.LastSeen(),
	}
}

// Registry owns the active sessions, one per viewer.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry creating sessions with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, sessions: make(map[string]*Session)}
}

// Options returns the options new sessions are built with.
func (r *Registry) Options() Options { return r.opts }

// Create registers a new session for portrait under a fresh ID.
func (r *Registry) Create(portrait *image.RGBA) (*Session, error) {
	s, err := NewSession(uuid.NewString(), portrait, r.opts)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	n := len(r.sessions)
	r.mu.Unlock()
	slog.Info("viewer session created", "component", "viewer", "session", s.ID,
		"size", portrait.Bounds().Size(), "active", n)
	return s, nil
}

// Get returns the session with id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove closes and forgets the session with id.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// List returns every session, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep closes sessions idle for longer than maxIdle and returns how many
// were removed.
func (r *Registry) Sweep(now time.Time, maxIdle time.Duration) int {
	var stale []*Session
	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastSeen()) > maxIdle {
			stale = append(stale, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()
	for _, s := range stale {
		s.Close()
	}
	if len(stale) > 0 {
		slog.Info("swept idle viewer sessions", "component", "viewer", "count", len(stale))
	}
	return len(stale)
}

// CloseAll closes every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}
