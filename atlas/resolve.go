package atlas

import (
	"sort"
	"sync"
	"time"
)

// Resolve looks key up in images, then fallbackKey, then CenterKey. It
// returns false when none resolve; callers keep the current image.
func Resolve(images map[string]string, key, fallbackKey string) (string, bool) {
	for _, k := range []string{key, fallbackKey, CenterKey} {
		if k == "" {
			continue
		}
		if ref, ok := images[k]; ok && ref != "" {
			return ref, true
		}
	}
	return "", false
}

// DetectGrid recovers lattice parameters from the keys of a sparse atlas.
// Step is the smallest gap between distinct values on an axis, taking the
// larger of the two axes; Min and Max span both axes. Unparseable keys are
// ignored, and def is returned when nothing usable remains.
func DetectGrid(images map[string]string, def GridSpec) GridSpec {
	xs := map[int]struct{}{}
	ys := map[int]struct{}{}
	for k := range images {
		c, err := ParseKey(k)
		if err != nil {
			continue
		}
		xs[c.PX] = struct{}{}
		ys[c.PY] = struct{}{}
	}
	if len(xs) == 0 {
		return def
	}

	step := max(minGap(xs), minGap(ys))
	if step <= 0 {
		return def
	}

	lo, hi := 0, 0
	first := true
	for _, set := range []map[int]struct{}{xs, ys} {
		for v := range set {
			if first || v < lo {
				lo = v
			}
			if first || v > hi {
				hi = v
			}
			first = false
		}
	}
	g := GridSpec{Min: lo, Max: hi, Step: step}
	if g.Validate() != nil {
		return def
	}
	return g
}

func minGap(set map[int]struct{}) int {
	vals := make([]int, 0, len(set))
	for v := range set {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	gap := 0
	for i := 1; i < len(vals); i++ {
		if d := vals[i] - vals[i-1]; d > 0 && (gap == 0 || d < gap) {
			gap = d
		}
	}
	return gap
}

// Throttle accepts at most one update per Interval.
type Throttle struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
	seen bool
}

// NewThrottle returns a throttle admitting perSecond updates. perSecond <= 0
// admits everything.
func NewThrottle(perSecond float64) *Throttle {
	if perSecond <= 0 {
		return &Throttle{}
	}
	return &Throttle{Interval: time.Duration(float64(time.Second) / perSecond)}
}

// Allow reports whether an update at now should be applied.
func (t *Throttle) Allow(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen && now.Sub(t.last) < t.Interval {
		return false
	}
	t.seen = true
	t.last = now
	return true
}
