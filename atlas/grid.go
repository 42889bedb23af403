// Package atlas quantizes pointer positions onto the gaze atlas lattice and
// resolves lattice coordinates to pre-rendered images.
package atlas

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CenterKey is the neutral pose, used when nothing better resolves.
const CenterKey = "px0_py0"

// Coord is a lattice coordinate in degrees of gaze.
type Coord struct {
	PX int `json:"px"`
	PY int `json:"py"`
}

// Key returns the coordinate's atlas key.
func (c Coord) Key() string { return Key(c.PX, c.PY) }

// GridSpec describes the lattice {Min, Min+Step, ...} <= Max on both axes.
type GridSpec struct {
	Min  int `json:"min"`
	Max  int `json:"max"`
	Step int `json:"step"`
}

// DefaultGrid is -15..15 in steps of 3, an 11x11 lattice.
func DefaultGrid() GridSpec { return GridSpec{Min: -15, Max: 15, Step: 3} }

// ErrInvalidGrid is returned by Validate.
var ErrInvalidGrid = errors.New("invalid atlas grid")

// Validate checks min < max and step > 0.
func (g GridSpec) Validate() error {
	if g.Step <= 0 {
		return fmt.Errorf("%w: step must be positive, got %d", ErrInvalidGrid, g.Step)
	}
	if g.Min >= g.Max {
		return fmt.Errorf("%w: min %d must be below max %d", ErrInvalidGrid, g.Min, g.Max)
	}
	return nil
}

// PerAxis is the number of lattice values on one axis.
func (g GridSpec) PerAxis() int {
	if g.Step <= 0 || g.Max < g.Min {
		return 0
	}
	return (g.Max-g.Min)/g.Step + 1
}

// Count is the total number of lattice coordinates.
func (g GridSpec) Count() int {
	n := g.PerAxis()
	return n * n
}

// last is the largest lattice value not above Max.
func (g GridSpec) last() int {
	return g.Min + (g.PerAxis()-1)*g.Step
}

// Contains reports whether c is a lattice member.
func (g GridSpec) Contains(c Coord) bool {
	on := func(v int) bool {
		return v >= g.Min && v <= g.Max && (v-g.Min)%g.Step == 0
	}
	return g.Step > 0 && on(c.PX) && on(c.PY)
}

// Lattice enumerates every coordinate, px-major then py, ascending.
func (g GridSpec) Lattice() []Coord {
	n := g.PerAxis()
	out := make([]Coord, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, Coord{PX: g.Min + i*g.Step, PY: g.Min + j*g.Step})
		}
	}
	return out
}

// snap maps a continuous angle onto the nearest lattice value, clamped to
// the lattice. NaN snaps as if it were 0.
func (g GridSpec) snap(v float64) int {
	if math.IsNaN(v) {
		v = 0
	}
	// Half rounds up, matching browser Math.round.
	steps := math.Floor((v-float64(g.Min))/float64(g.Step) + 0.5)
	maxSteps := float64(g.PerAxis() - 1)
	if steps < 0 || math.IsNaN(steps) {
		steps = 0
	} else if steps > maxSteps {
		steps = maxSteps
	}
	return g.Min + int(steps)*g.Step
}

// CursorToGridCoords quantizes a pointer position onto the lattice. X runs
// left to right; y is inverted so the top of the container is Max. A
// non-positive container or an invalid grid yields {0,0}.
func CursorToGridCoords(x, y, width, height float64, g GridSpec) Coord {
	if !(width > 0) || !(height > 0) || g.Validate() != nil {
		return Coord{}
	}
	nx := x / width
	ny := 1 - y/height
	span := float64(g.Max - g.Min)
	return Coord{
		PX: g.snap(nx*span + float64(g.Min)),
		PY: g.snap(ny*span + float64(g.Min)),
	}
}

// CoordToCursor is the inverse mapping: the container position that
// quantizes to c.
func CoordToCursor(c Coord, width, height float64, g GridSpec) (x, y float64) {
	span := float64(g.Max - g.Min)
	if span == 0 {
		return width / 2, height / 2
	}
	x = float64(c.PX-g.Min) / span * width
	y = (1 - float64(c.PY-g.Min)/span) * height
	return x, y
}

// Key formats px/py as "px{px}_py{py}", e.g. "px-15_py3".
func Key(px, py int) string {
	return "px" + strconv.Itoa(px) + "_py" + strconv.Itoa(py)
}

// ParseKey is the inverse of Key. It also accepts the "m" negative prefix
// used in atlas filenames.
func ParseKey(key string) (Coord, error) {
	rest, ok := strings.CutPrefix(key, "px")
	if !ok {
		return Coord{}, fmt.Errorf("atlas key %q: missing px prefix", key)
	}
	pxs, pys, ok := strings.Cut(rest, "_py")
	if !ok {
		return Coord{}, fmt.Errorf("atlas key %q: missing _py", key)
	}
	px, err := parseAngle(pxs)
	if err != nil {
		return Coord{}, fmt.Errorf("atlas key %q: %w", key, err)
	}
	py, err := parseAngle(pys)
	if err != nil {
		return Coord{}, fmt.Errorf("atlas key %q: %w", key, err)
	}
	return Coord{PX: px, PY: py}, nil
}

func parseAngle(s string) (int, error) {
	if v, ok := strings.CutPrefix(s, "m"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad angle %q", s)
		}
		return -n, nil
	}
	return strconv.Atoi(s)
}

// Filename is the on-disk name of a generated atlas image, with negative
// values written as "m15": gaze_pxm15_py0_1024.webp.
func Filename(px, py, size int) string {
	return fmt.Sprintf("gaze_px%s_py%s_%d.webp", fileAngle(px), fileAngle(py), size)
}

func fileAngle(v int) string {
	if v < 0 {
		return "m" + strconv.Itoa(-v)
	}
	return strconv.Itoa(v)
}

// ParseFilename extracts the coordinate and size from a Filename.
func ParseFilename(name string) (Coord, int, error) {
	base, ok := strings.CutSuffix(name, ".webp")
	if !ok {
		return Coord{}, 0, fmt.Errorf("atlas filename %q: not .webp", name)
	}
	base, ok = strings.CutPrefix(base, "gaze_")
	if !ok {
		return Coord{}, 0, fmt.Errorf("atlas filename %q: missing gaze_ prefix", name)
	}
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return Coord{}, 0, fmt.Errorf("atlas filename %q: missing size", name)
	}
	size, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return Coord{}, 0, fmt.Errorf("atlas filename %q: %w", name, err)
	}
	c, err := ParseKey(base[:i])
	return c, size, err
}
