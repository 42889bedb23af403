package atlascache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stevecastle/gazefield/atlas"
)

// ErrInvalidRange is returned for a cache-status grid outside the accepted bounds.
var ErrInvalidRange = errors.New("invalid range parameters")

// DefaultAngleLimit bounds |min| and |max| of a status query.
const DefaultAngleLimit = 15

// probeWorkers bounds concurrent liveness probes within one status query.
const probeWorkers = 8

// CacheKey builds the store key for one lattice coordinate of a portrait.
func CacheKey(fingerprint string, px, py int) string {
	return fmt.Sprintf("atlas:%s:px%d_py%d", fingerprint, px, py)
}

// ValidateSpec rejects grids with min<-limit, max>limit, min>=max or step<=0.
func ValidateSpec(min, max, step, limit int) (atlas.GridSpec, error) {
	if min < -limit || max > limit || min >= max || step <= 0 {
		return atlas.GridSpec{}, fmt.Errorf("%w: min=%d max=%d step=%d", ErrInvalidRange, min, max, step)
	}
	return atlas.GridSpec{Min: min, Max: max, Step: step}, nil
}

// Missing is a lattice coordinate with no live cached reference.
type Missing struct {
	PX  int    `json:"px"`
	PY  int    `json:"py"`
	Key string `json:"key"`
}

// Found is a lattice coordinate with a live cached reference.
type Found struct {
	PX  int    `json:"px"`
	PY  int    `json:"py"`
	Key string `json:"key"`
	URL string `json:"url"`
}

// Status partitions a lattice into cached and missing coordinates.
type Status struct {
	Total   int       `json:"total"`
	Cached  int       `json:"cached"`
	Missing []Missing `json:"missing"`
	Found   []Found   `json:"found"`
}

// Index answers which (fingerprint, coordinate) pairs already have a live
// generated image.
type Index struct {
	store  Store
	prober Prober
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger
}

// NewIndex builds an Index. A nil prober trusts every stored reference.
func NewIndex(store Store, prober Prober, ttl time.Duration) *Index {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Index{
		store:  store,
		prober: prober,
		ttl:    ttl,
		now:    time.Now,
		log:    slog.Default().With("component", "atlascache"),
	}
}

// Get returns the cached reference for coord, or "" and false. A stored
// reference that fails its liveness probe is evicted and reported absent.
func (ix *Index) Get(ctx context.Context, fingerprint string, c atlas.Coord) (string, bool) {
	return ix.get(ctx, fingerprint, c, ix.prober)
}

func (ix *Index) get(ctx context.Context, fingerprint string, c atlas.Coord, prober Prober) (string, bool) {
	key := CacheKey(fingerprint, c.PX, c.PY)
	e, ok, err := ix.store.Get(ctx, key)
	if err != nil {
		ix.log.Error("cache get failed", "key", key, "error", err)
		return "", false
	}
	if !ok || e.ImageURL == "" {
		return "", false
	}
	if prober == nil {
		return e.ImageURL, true
	}

	alive, err := prober.Alive(ctx, e.ImageURL)
	if ctx.Err() != nil {
		return "", false
	}
	if err != nil || !alive {
		ix.log.Warn("cached reference expired", "key", key, "error", err)
		if derr := ix.store.Delete(ctx, key); derr != nil {
			ix.log.Error("cache evict failed", "key", key, "error", derr)
		}
		return "", false
	}
	return e.ImageURL, true
}

// Set stores ref for coord. Failures are logged and never returned.
func (ix *Index) Set(ctx context.Context, fingerprint string, c atlas.Coord, ref string) {
	key := CacheKey(fingerprint, c.PX, c.PY)
	e := Entry{
		ImageURL:  ref,
		PX:        c.PX,
		PY:        c.PY,
		Timestamp: ix.now().UnixMilli(),
		ImageHash: fingerprint,
	}
	if err := ix.store.Set(ctx, key, e, ix.ttl); err != nil {
		ix.log.Error("cache set failed", "key", key, "error", err)
		return
	}
	ix.log.Debug("cache stored", "key", key)
}

// Status checks every coordinate of g. Probe results are shared across the
// query so a reference is probed at most once.
func (ix *Index) Status(ctx context.Context, fingerprint string, g atlas.GridSpec) (Status, error) {
	if err := g.Validate(); err != nil {
		return Status{}, err
	}
	var prober Prober
	if ix.prober != nil {
		prober = newMemoProber(ix.prober)
	}

	coords := g.Lattice()
	urls := make([]string, len(coords))
	hits := make([]bool, len(coords))

	sem := make(chan struct{}, probeWorkers)
	var wg sync.WaitGroup
	for i, c := range coords {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, c atlas.Coord) {
			defer wg.Done()
			defer func() { <-sem }()
			urls[i], hits[i] = ix.get(ctx, fingerprint, c, prober)
		}(i, c)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}

	st := Status{Total: len(coords), Missing: []Missing{}, Found: []Found{}}
	for i, c := range coords {
		key := CacheKey(fingerprint, c.PX, c.PY)
		if hits[i] {
			st.Found = append(st.Found, Found{PX: c.PX, PY: c.PY, Key: key, URL: urls[i]})
		} else {
			st.Missing = append(st.Missing, Missing{PX: c.PX, PY: c.PY, Key: key})
		}
	}
	st.Cached = len(st.Found)
	return st, nil
}

// StatusMany runs Status for several grid configurations concurrently.
func (ix *Index) StatusMany(ctx context.Context, fingerprint string, specs []atlas.GridSpec) ([]Status, error) {
	out := make([]Status, len(specs))
	errs := make([]error, len(specs))
	var wg sync.WaitGroup
	for i, g := range specs {
		wg.Add(1)
		go func(i int, g atlas.GridSpec) {
			defer wg.Done()
			out[i], errs[i] = ix.Status(ctx, fingerprint, g)
		}(i, g)
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// Clear would drop every entry for a fingerprint. The store has no prefix
// scan so this removes nothing and returns 0.
func (ix *Index) Clear(_ context.Context, fingerprint string) int {
	short := fingerprint
	if len(short) > 8 {
		short = short[:8]
	}
	ix.log.Warn("clear cache not implemented", "fingerprint", short+"...")
	return 0
}
