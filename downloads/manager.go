package downloads

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle state of one asset fetch.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
	StatusCancelled   Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Progress is a snapshot of one asset fetch (the depth model or the ONNX
// Runtime library).
type Progress struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Status  Status  `json:"status"`
	Message string  `json:"message,omitempty"`
	Bytes   int64   `json:"bytes"`
	Total   int64   `json:"total"`
	Percent float64 `json:"percent"`
	Speed   int64   `json:"speed"` // bytes/sec
	Error   string  `json:"error,omitempty"`
}

// Summary is what /api/downloads and the download-progress event carry.
type Summary struct {
	Assets  []Progress `json:"assets"`
	Active  int        `json:"active"`
	Done    int        `json:"done"`
	Percent float64    `json:"percent"`
}

// ProgressCallback receives status reports from a fetch.
type ProgressCallback func(Progress)

// ByteProgressCallback receives raw byte counts while a body streams in.
type ByteProgressCallback func(downloaded, total int64)

// FetchFunc performs one fetch, reporting through progress.
type FetchFunc func(ctx context.Context, progress ProgressCallback) error

// EventProgress is the event type published with a Summary payload.
const EventProgress = "download-progress"

// Publisher receives progress summaries. *stream.Hub implements it.
type Publisher interface {
	Publish(eventType string, v any)
}

// publishEvery bounds how often byte-level updates reach the publisher.
// Status changes are always published.
const publishEvery = 250 * time.Millisecond

// Manager tracks asset fetches and fans their progress out to a publisher.
type Manager struct {
	pub Publisher

	mu          sync.RWMutex
	assets      map[string]*Progress
	cancels     map[string]context.CancelFunc
	lastPublish time.Time
}

// NewManager returns a manager publishing to pub, which may be nil.
func NewManager(pub Publisher) *Manager {
	return &Manager{
		pub:     pub,
		assets:  make(map[string]*Progress),
		cancels: make(map[string]context.CancelFunc),
	}
}

// ErrBusy is returned by Fetch when id is already being fetched.
var ErrBusy = errors.New("download already in progress")

// Fetch runs fn for asset id and records its progress until it returns.
// Only one fetch per id runs at a time.
func (m *Manager) Fetch(ctx context.Context, id, name string, fn FetchFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if _, running := m.cancels[id]; running {
		m.mu.Unlock()
		return ErrBusy
	}
	m.cancels[id] = cancel
	m.assets[id] = &Progress{ID: id, Name: name, Status: StatusPending}
	m.mu.Unlock()

	report := func(p Progress) {
		p.ID, p.Name = id, name
		m.set(p)
	}
	report(Progress{Status: StatusDownloading, Message: "Starting download..."})

	err := fn(ctx, report)

	m.mu.Lock()
	delete(m.cancels, id)
	m.mu.Unlock()

	switch {
	case err == nil:
		report(Progress{Status: StatusComplete, Message: "Installation complete", Percent: 100})
	case errors.Is(ctx.Err(), context.Canceled):
		report(Progress{Status: StatusCancelled, Message: "Download cancelled"})
	default:
		report(Progress{Status: StatusError, Message: "Download failed", Error: err.Error()})
	}
	return err
}

// Cancel stops the fetch for id, if one is running.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[id]
	if ok {
		cancel()
	}
	return ok
}

// CancelAll stops every running fetch.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
}

// Progress returns the last report for id.
func (m *Manager) Progress(id string) (Progress, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.assets[id]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// GetProgress summarizes every asset seen so far, sorted by ID.
func (m *Manager) GetProgress() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.summaryLocked()
}

func (m *Manager) summaryLocked() Summary {
	s := Summary{Assets: make([]Progress, 0, len(m.assets))}
	var sum float64
	for _, p := range m.assets {
		s.Assets = append(s.Assets, *p)
		switch {
		case p.Status == StatusComplete:
			s.Done++
		case !p.Status.terminal():
			s.Active++
		}
		sum += p.Percent
	}
	sort.Slice(s.Assets, func(i, j int) bool { return s.Assets[i].ID < s.Assets[j].ID })
	if len(s.Assets) > 0 {
		s.Percent = sum / float64(len(s.Assets))
	}
	return s
}

func (m *Manager) set(p Progress) {
	m.mu.Lock()
	prev, had := m.assets[p.ID]
	changed := !had || prev.Status != p.Status
	m.assets[p.ID] = &p
	now := time.Now()
	if m.pub == nil || (!changed && now.Sub(m.lastPublish) < publishEvery) {
		m.mu.Unlock()
		return
	}
	m.lastPublish = now
	summary := m.summaryLocked()
	m.mu.Unlock()
	m.pub.Publish(EventProgress, summary)
}

// Rate estimates transfer speed over a short sliding window.
type Rate struct {
	mu      sync.Mutex
	last    int64
	at      time.Time
	samples []int64
}

const rateWindow = 10

// NewRate starts measuring from now.
func NewRate() *Rate {
	return &Rate{at: time.Now(), samples: make([]int64, 0, rateWindow)}
}

// Update records that total bytes have arrived and returns the smoothed rate
// in bytes per second.
func (r *Rate) Update(total int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.at).Seconds()
	if elapsed < 0.1 {
		return r.mean()
	}
	r.samples = append(r.samples, int64(float64(total-r.last)/elapsed))
	if len(r.samples) > rateWindow {
		r.samples = r.samples[1:]
	}
	r.last, r.at = total, now
	return r.mean()
}

func (r *Rate) mean() int64 {
	if len(r.samples) == 0 {
		return 0
	}
	var sum int64
	for _, v := range r.samples {
		sum += v
	}
	return sum / int64(len(r.samples))
}
