// Package parallax implements the depth-displaced portrait plane: the
// per-vertex displacement rule, the subdivided mesh, the adaptive quality
// policy and a CPU rasterizer used for previews.
package parallax

import "math"

// Uniforms are the per-frame inputs to the displacement rule.
type Uniforms struct {
	Yaw        float64 `json:"yaw"`   // degrees
	Pitch      float64 `json:"pitch"` // degrees
	DepthScale float64 `json:"depthScale"`
	// Enabled false renders the portrait flat while rotation is still tracked.
	Enabled bool `json:"enabled"`
}

// EffectiveScale is DepthScale, or 0 when displacement is disabled.
func (u Uniforms) EffectiveScale() float64 {
	if !u.Enabled {
		return 0
	}
	return u.DepthScale
}

// DepthScale maps an intensity percent onto [min, max]. Intensity 0 still
// yields min, so the surface only goes flat when displacement is disabled.
func DepthScale(intensityPercent, min, max float64) float64 {
	p := intensityPercent
	if p < 0 || math.IsNaN(p) {
		p = 0
	} else if p > 100 {
		p = 100
	}
	return p/100*(max-min) + min
}

// Displace returns the lateral offset for a vertex whose depth sample is d.
// Mid depth does not move; near and far move in opposite directions.
// Positive pitch moves near content down on screen, hence the subtraction.
// There is no z displacement.
func Displace(d, yawDeg, pitchDeg, depthScale float64) (dx, dy float64) {
	strength := (d - 0.5) * 2
	yawRad := yawDeg * math.Pi / 180
	pitchRad := pitchDeg * math.Pi / 180
	dx = math.Sin(yawRad) * strength * depthScale * 2
	dy = -math.Sin(pitchRad) * strength * depthScale * 2
	return dx, dy
}
