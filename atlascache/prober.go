package atlascache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Prober reports whether a stored image reference still resolves.
type Prober interface {
	Alive(ctx context.Context, ref string) (bool, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, ref string) (bool, error)

func (f ProberFunc) Alive(ctx context.Context, ref string) (bool, error) { return f(ctx, ref) }

// ObjectChecker is satisfied by blobstore.S3Store.
type ObjectChecker interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// HTTPProber issues a HEAD request for http(s) references and asks Objects
// about s3:// references.
type HTTPProber struct {
	Client  *http.Client
	Objects ObjectChecker
}

func NewHTTPProber(objects ObjectChecker) *HTTPProber {
	return &HTTPProber{
		Client:  &http.Client{Timeout: 10 * time.Second},
		Objects: objects,
	}
}

func (p *HTTPProber) Alive(ctx context.Context, ref string) (bool, error) {
	if key, ok := strings.CutPrefix(ref, "s3://"); ok {
		if p.Objects == nil {
			return false, fmt.Errorf("no object store configured for %s", ref)
		}
		// s3://bucket/key; the store is already bound to its bucket.
		if i := strings.IndexByte(key, '/'); i >= 0 {
			key = key[i+1:]
		}
		return p.Objects.Exists(ctx, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return false, err
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

type probeResult struct {
	alive bool
	err   error
}

// memoProber caches probe outcomes for the lifetime of one status query.
type memoProber struct {
	inner Prober
	mu    sync.Mutex
	seen  map[string]probeResult
}

func newMemoProber(inner Prober) *memoProber {
	return &memoProber{inner: inner, seen: make(map[string]probeResult)}
}

func (m *memoProber) Alive(ctx context.Context, ref string) (bool, error) {
	m.mu.Lock()
	r, ok := m.seen[ref]
	m.mu.Unlock()
	if ok {
		return r.alive, r.err
	}
	alive, err := m.inner.Alive(ctx, ref)
	// A cancelled context says nothing about the reference.
	if ctx.Err() == nil {
		m.mu.Lock()
		m.seen[ref] = probeResult{alive: alive, err: err}
		m.mu.Unlock()
	}
	return alive, err
}
