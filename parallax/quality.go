package parallax

import "time"

// QualityLevel is the mesh density tier.
type QualityLevel int

const (
	QualityFull QualityLevel = iota
	QualityReduced
)

func (l QualityLevel) String() string {
	if l == QualityReduced {
		return "reduced"
	}
	return "full"
}

// QualityPolicy downgrades mesh subdivisions once a sampled frame time goes
// over the threshold. The transition is one way; there is no recovery to full.
type QualityPolicy struct {
	FullSegments    int
	ReducedSegments int
	Threshold       time.Duration

	level QualityLevel
}

// NewQualityPolicy returns a policy at full quality. thresholdMs is the frame
// time in milliseconds above which the mesh is reduced.
func NewQualityPolicy(full, reduced int, thresholdMs float64) *QualityPolicy {
	if reduced > full {
		reduced = full
	}
	return &QualityPolicy{
		FullSegments:    full,
		ReducedSegments: reduced,
		Threshold:       time.Duration(thresholdMs * float64(time.Millisecond)),
	}
}

// Level returns the current tier.
func (p *QualityPolicy) Level() QualityLevel { return p.level }

// Segments returns the subdivision count for the current tier.
func (p *QualityPolicy) Segments() int {
	if p.level == QualityReduced {
		return p.ReducedSegments
	}
	return p.FullSegments
}

// Observe feeds one sampled frame time. It reports true when the tier
// changed and the mesh must be rebuilt.
func (p *QualityPolicy) Observe(frameTime time.Duration) bool {
	if p.level == QualityReduced || p.Threshold <= 0 {
		return false
	}
	if frameTime > p.Threshold && p.FullSegments > p.ReducedSegments {
		p.level = QualityReduced
		return true
	}
	return false
}

// frameClock counts frames and samples the frame rate once per second.
type frameClock struct {
	started bool
	last    time.Time
	window  time.Time
	frames  int
	fps     int
}

// tick records a frame at now. It returns the time since the previous frame
// and whether this frame closed a one-second sampling window.
func (c *frameClock) tick(now time.Time) (delta time.Duration, sampled bool) {
	if !c.started {
		c.started = true
		c.last, c.window = now, now
	}
	delta = now.Sub(c.last)
	c.last = now
	c.frames++
	if now.Sub(c.window) > time.Second {
		c.fps = c.frames
		c.frames = 0
		c.window = now
		sampled = true
	}
	return delta, sampled
}
