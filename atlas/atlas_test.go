package atlas

import (
	"math"
	"testing"
	"time"
)

func TestCursorToGridCoordsCenter(t *testing.T) {
	got := CursorToGridCoords(100, 100, 200, 200, GridSpec{Min: -15, Max: 15, Step: 3})
	if got != (Coord{0, 0}) {
		t.Errorf("center = %+v; want {0 0}", got)
	}
}

func TestCursorToGridCoordsTable(t *testing.T) {
	g := DefaultGrid()
	tests := []struct {
		name string
		x, y float64
		want Coord
	}{
		{"top-left", 0, 0, Coord{-15, 15}},
		{"bottom-right", 200, 200, Coord{15, -15}},
		{"top-right", 200, 0, Coord{15, 15}},
		{"outside clamps", -500, 900, Coord{-15, -15}},
		{"near center right", 110, 100, Coord{3, 0}},
		{"cursor down is negative py", 100, 160, Coord{0, -9}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CursorToGridCoords(tt.x, tt.y, 200, 200, g); got != tt.want {
				t.Errorf("got %+v; want %+v", got, tt.want)
			}
		})
	}
}

func TestCursorToGridCoordsDegenerate(t *testing.T) {
	g := DefaultGrid()
	cases := []struct{ x, y, w, h float64 }{
		{10, 10, 0, 200},
		{10, 10, 200, 0},
		{10, 10, -1, -1},
		{math.NaN(), 10, 200, 200},
		{math.Inf(1), math.Inf(-1), 200, 200},
		{10, 10, math.NaN(), 200},
	}
	for _, c := range cases {
		got := CursorToGridCoords(c.x, c.y, c.w, c.h, g)
		if !g.Contains(got) {
			t.Errorf("CursorToGridCoords(%v) = %+v not on lattice", c, got)
		}
	}
	if got := CursorToGridCoords(10, 10, 0, 200, g); got != (Coord{}) {
		t.Errorf("zero width = %+v; want {0 0}", got)
	}
}

func TestCursorToGridCoordsAlwaysOnLattice(t *testing.T) {
	grids := []GridSpec{DefaultGrid(), {Min: -10, Max: 10, Step: 3}, {Min: 0, Max: 30, Step: 5}, {Min: -7, Max: 8, Step: 4}}
	for _, g := range grids {
		for x := -50.0; x <= 350; x += 7.3 {
			for y := -50.0; y <= 250; y += 11.1 {
				c := CursorToGridCoords(x, y, 300, 200, g)
				if !g.Contains(c) {
					t.Fatalf("grid %+v: (%v,%v) -> %+v off lattice", g, x, y, c)
				}
			}
		}
	}
}

func TestCursorToGridCoordsIdempotent(t *testing.T) {
	g := DefaultGrid()
	for x := 0.0; x <= 640; x += 13 {
		for y := 0.0; y <= 480; y += 17 {
			c := CursorToGridCoords(x, y, 640, 480, g)
			bx, by := CoordToCursor(c, 640, 480, g)
			if again := CursorToGridCoords(bx, by, 640, 480, g); again != c {
				t.Fatalf("(%v,%v) -> %+v -> (%v,%v) -> %+v", x, y, c, bx, by, again)
			}
		}
	}
}

func TestLattice(t *testing.T) {
	g := DefaultGrid()
	l := g.Lattice()
	if len(l) != 121 || g.Count() != 121 || g.PerAxis() != 11 {
		t.Fatalf("len=%d count=%d perAxis=%d", len(l), g.Count(), g.PerAxis())
	}
	if l[0] != (Coord{-15, -15}) || l[1] != (Coord{-15, -12}) || l[120] != (Coord{15, 15}) {
		t.Errorf("order: %v %v %v", l[0], l[1], l[120])
	}
	seen := map[string]bool{}
	for _, c := range l {
		if seen[c.Key()] {
			t.Fatalf("duplicate key %s", c.Key())
		}
		seen[c.Key()] = true
	}
	uneven := GridSpec{Min: 0, Max: 10, Step: 4}
	if uneven.PerAxis() != 3 || uneven.last() != 8 {
		t.Errorf("uneven perAxis=%d last=%d", uneven.PerAxis(), uneven.last())
	}
}

func TestGridValidate(t *testing.T) {
	if err := DefaultGrid().Validate(); err != nil {
		t.Error(err)
	}
	for _, g := range []GridSpec{{0, 0, 3}, {5, -5, 3}, {-15, 15, 0}, {-15, 15, -3}} {
		if g.Validate() == nil {
			t.Errorf("%+v accepted", g)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, c := range DefaultGrid().Lattice() {
		back, err := ParseKey(c.Key())
		if err != nil || back != c {
			t.Fatalf("ParseKey(%q) = %+v, %v", c.Key(), back, err)
		}
	}
	if Key(-15, 3) != "px-15_py3" {
		t.Errorf("Key(-15,3) = %q", Key(-15, 3))
	}
	if c, err := ParseKey("pxm15_py0"); err != nil || c != (Coord{-15, 0}) {
		t.Errorf("m-prefix parse = %+v, %v", c, err)
	}
	for _, bad := range []string{"", "px1", "py1_px2", "pxa_py1", "px1_pyb", "pxm-1_py0"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) accepted", bad)
		}
	}
}

func TestFilename(t *testing.T) {
	if got := Filename(-15, 0, 1024); got != "gaze_pxm15_py0_1024.webp" {
		t.Errorf("Filename = %q", got)
	}
	if got := Filename(3, -6, 512); got != "gaze_px3_pym6_512.webp" {
		t.Errorf("Filename = %q", got)
	}
	c, size, err := ParseFilename("gaze_pxm15_py12_1024.webp")
	if err != nil || c != (Coord{-15, 12}) || size != 1024 {
		t.Errorf("ParseFilename = %+v %d %v", c, size, err)
	}
	if _, _, err := ParseFilename("portrait.png"); err == nil {
		t.Error("non-atlas filename accepted")
	}
}

func TestResolveOrder(t *testing.T) {
	images := map[string]string{
		"px3_py3": "exact.webp",
		"px6_py0": "fallback.webp",
		CenterKey: "center.webp",
	}
	tests := []struct {
		key, fallback, want string
		ok                  bool
	}{
		{"px3_py3", "px6_py0", "exact.webp", true},
		{"px9_py9", "px6_py0", "fallback.webp", true},
		{"px9_py9", "px12_py12", "center.webp", true},
		{"px9_py9", "", "center.webp", true},
	}
	for _, tt := range tests {
		got, ok := Resolve(images, tt.key, tt.fallback)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Resolve(%q,%q) = %q,%v; want %q,%v", tt.key, tt.fallback, got, ok, tt.want, tt.ok)
		}
	}
	if _, ok := Resolve(map[string]string{"px3_py3": "a"}, "px9_py9", "px6_py0"); ok {
		t.Error("expected no resolution")
	}
	if _, ok := Resolve(nil, "px0_py0", ""); ok {
		t.Error("nil map resolved")
	}
}

func TestDetectGrid(t *testing.T) {
	images := map[string]string{}
	for _, c := range (GridSpec{Min: -10, Max: 10, Step: 5}).Lattice() {
		if c.PX == 5 && c.PY == 5 {
			continue
		}
		images[c.Key()] = "u"
	}
	images["garbage"] = "x"
	if got := DetectGrid(images, DefaultGrid()); got != (GridSpec{Min: -10, Max: 10, Step: 5}) {
		t.Errorf("DetectGrid = %+v", got)
	}

	// Axes with different spacing take the larger step.
	mixed := map[string]string{"px0_py0": "a", "px2_py0": "a", "px4_py6": "a", "px0_py-6": "a"}
	if got := DetectGrid(mixed, DefaultGrid()); got.Step != 6 || got.Min != -6 || got.Max != 6 {
		t.Errorf("mixed DetectGrid = %+v", got)
	}

	for _, in := range []map[string]string{nil, {"nope": "x"}, {"px0_py0": "a"}} {
		if got := DetectGrid(in, DefaultGrid()); got != DefaultGrid() {
			t.Errorf("DetectGrid(%v) = %+v; want default", in, got)
		}
	}
}

func TestThrottle(t *testing.T) {
	th := NewThrottle(30)
	start := time.Unix(0, 0)
	accepted := 0
	for i := 0; i < 1000; i++ {
		if th.Allow(start.Add(time.Duration(i) * time.Millisecond)) {
			accepted++
		}
	}
	// One second of 1kHz events at 30/s.
	if accepted < 29 || accepted > 31 {
		t.Errorf("accepted %d; want ~30", accepted)
	}
	open := NewThrottle(0)
	for i := 0; i < 5; i++ {
		if !open.Allow(start) {
			t.Fatal("zero-rate throttle should admit everything")
		}
	}
}
