// Package cursor turns raw pointer samples into the smoothed head-rotation
// angles that drive the parallax viewer.
package cursor

import "math"

// DeadZoneDecay is applied to the accumulated rotation on every sample that
// lands inside the dead zone, giving a soft return to center.
const DeadZoneDecay = 0.95

// PointerSample is a pointer position in container-local pixels.
type PointerSample struct {
	X, Y          float64
	Width, Height float64
}

// RotationState is yaw and pitch in degrees.
type RotationState struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// Config holds the mapper's tunables.
type Config struct {
	YawRange   float64
	PitchRange float64
	// AlphaMin and AlphaMax bound the EMA factor. Smoothing 0% selects
	// AlphaMin (sluggish), 100% selects AlphaMax (snappy).
	AlphaMin float64
	AlphaMax float64
	// SmoothingPercent and DeadZonePercent are in [0,100].
	SmoothingPercent float64
	DeadZonePercent  float64
}

// DefaultConfig matches the viewer's shipped defaults.
func DefaultConfig() Config {
	return Config{
		YawRange:         12,
		PitchRange:       8,
		AlphaMin:         0.1,
		AlphaMax:         0.35,
		SmoothingPercent: 40,
		DeadZonePercent:  8,
	}
}

// RotationMapper holds the smoothing accumulator for one viewer. It is not
// safe for concurrent use; callers own one per session.
type RotationMapper struct {
	yawRange   float64
	pitchRange float64
	alphaMin   float64
	alphaMax   float64
	alpha      float64
	deadZone   float64

	current RotationState
}

// NewRotationMapper returns a mapper at rest.
func NewRotationMapper(cfg Config) *RotationMapper {
	m := &RotationMapper{
		alphaMin: cfg.AlphaMin,
		alphaMax: cfg.AlphaMax,
	}
	m.SetRanges(cfg.YawRange, cfg.PitchRange)
	m.SetSmoothing(cfg.SmoothingPercent)
	m.SetDeadZone(cfg.DeadZonePercent)
	return m
}

// SetSmoothing maps a percent in [0,100] linearly onto [AlphaMin, AlphaMax].
// The accumulated rotation is kept.
func (m *RotationMapper) SetSmoothing(percent float64) {
	p := clamp(percent, 0, 100)
	m.alpha = m.alphaMin + (p/100)*(m.alphaMax-m.alphaMin)
}

// SetRanges changes the clamp ranges. Negative values are taken by magnitude.
func (m *RotationMapper) SetRanges(yawRange, pitchRange float64) {
	m.yawRange = math.Abs(yawRange)
	m.pitchRange = math.Abs(pitchRange)
}

// SetDeadZone sets the dead-zone radius as a percent of the normalized
// [-1,1] half-extent.
func (m *RotationMapper) SetDeadZone(percent float64) {
	m.deadZone = clamp(percent, 0, 100) / 100
}

// Alpha returns the EMA factor currently in effect.
func (m *RotationMapper) Alpha() float64 { return m.alpha }

// State returns the accumulated rotation without advancing it.
func (m *RotationMapper) State() RotationState { return m.current }

// Reset zeroes the accumulator.
func (m *RotationMapper) Reset() { m.current = RotationState{} }

// Map advances the accumulator with one pointer sample and returns the new
// rotation. A sample with a non-positive container size leaves the state
// untouched.
func (m *RotationMapper) Map(s PointerSample) RotationState {
	if !(s.Width > 0) || !(s.Height > 0) {
		return m.current
	}

	// Continuous mode keeps screen orientation: cursor below center is
	// positive pitch. The atlas resolver inverts y; the two are not unified.
	nx := 2*s.X/s.Width - 1
	ny := 2*s.Y/s.Height - 1
	if math.IsNaN(nx) || math.IsNaN(ny) {
		return m.current
	}

	if math.Hypot(nx, ny) < m.deadZone {
		m.current.Yaw *= DeadZoneDecay
		m.current.Pitch *= DeadZoneDecay
		return m.current
	}

	targetYaw := nx * m.yawRange
	targetPitch := ny * m.pitchRange

	m.current.Yaw = m.current.Yaw*(1-m.alpha) + targetYaw*m.alpha
	m.current.Pitch = m.current.Pitch*(1-m.alpha) + targetPitch*m.alpha

	m.current.Yaw = clamp(m.current.Yaw, -m.yawRange, m.yawRange)
	m.current.Pitch = clamp(m.current.Pitch, -m.pitchRange, m.pitchRange)
	return m.current
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
