package parallax

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/depth"
	"golang.org/x/image/webp"
)

func TestDepthScale(t *testing.T) {
	tests := []struct {
		intensity, want float64
	}{
		{0, 0.01},
		{100, 0.025},
		{50, 0.0175},
		{-10, 0.01},
		{250, 0.025},
	}
	for _, tt := range tests {
		if got := DepthScale(tt.intensity, 0.01, 0.025); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("DepthScale(%v) = %v; want %v", tt.intensity, got, tt.want)
		}
	}
}

func TestDisplace(t *testing.T) {
	// Mid depth never moves.
	if dx, dy := Displace(0.5, 12, 8, 0.025); dx != 0 || dy != 0 {
		t.Errorf("mid depth displaced by (%v,%v)", dx, dy)
	}
	// Near and far move in opposite directions.
	nx, ny := Displace(1, 12, 8, 0.025)
	fx, fy := Displace(0, 12, 8, 0.025)
	if nx <= 0 || fx >= 0 || math.Abs(nx+fx) > 1e-15 {
		t.Errorf("near dx=%v far dx=%v", nx, fx)
	}
	// Positive pitch moves near content down (negative y).
	if ny >= 0 || fy <= 0 {
		t.Errorf("near dy=%v far dy=%v", ny, fy)
	}
	want := math.Sin(12*math.Pi/180) * 1 * 0.025 * 2
	if math.Abs(nx-want) > 1e-15 {
		t.Errorf("dx = %v; want %v", nx, want)
	}
	if dx, dy := Displace(1, 0, 0, 0.025); dx != 0 || dy != 0 {
		t.Errorf("zero rotation displaced by (%v,%v)", dx, dy)
	}
}

func TestUniformsEffectiveScale(t *testing.T) {
	u := Uniforms{DepthScale: 0.02, Enabled: true}
	if u.EffectiveScale() != 0.02 {
		t.Error("enabled scale wrong")
	}
	u.Enabled = false
	if u.EffectiveScale() != 0 {
		t.Error("disabled scale should be 0")
	}
}

func TestNewMeshAspect(t *testing.T) {
	tests := []struct {
		aspect float64
		sx, sy float64
	}{
		{2, 2, 1},
		{0.5, 1, 2},
		{1, 1, 1},
		{0, 1, 1},
	}
	for _, tt := range tests {
		m := NewMesh(4, tt.aspect)
		if m.ScaleX != tt.sx || m.ScaleY != tt.sy {
			t.Errorf("aspect %v: scale (%v,%v); want (%v,%v)", tt.aspect, m.ScaleX, m.ScaleY, tt.sx, tt.sy)
		}
		if m.VertexCount() != 25 || len(m.Indices) != 32 {
			t.Errorf("aspect %v: %d vertices %d triangles", tt.aspect, m.VertexCount(), len(m.Indices))
		}
	}
	m := NewMesh(2, 2)
	if m.Positions[0] != [2]float64{-1, 0.5} || m.UVs[0] != [2]float64{0, 0} {
		t.Errorf("top-left vertex %v uv %v", m.Positions[0], m.UVs[0])
	}
	last := len(m.Positions) - 1
	if m.Positions[last] != [2]float64{1, -0.5} || m.UVs[last] != [2]float64{1, 1} {
		t.Errorf("bottom-right vertex %v uv %v", m.Positions[last], m.UVs[last])
	}
}

func TestMeshDisplaceDisabledIsFlat(t *testing.T) {
	m := NewMesh(8, 1)
	field := &depth.Field{Width: 2, Height: 1, Values: []float32{0, 1}}
	pos, _ := m.Displace(field, Uniforms{Yaw: 12, Pitch: 8, DepthScale: 0.025, Enabled: false}, nil, nil)
	for i := range pos {
		if pos[i] != m.Positions[i] {
			t.Fatalf("vertex %d moved to %v while disabled", i, pos[i])
		}
	}
	pos, depths := m.Displace(field, Uniforms{Yaw: 12, DepthScale: 0.025, Enabled: true}, pos, nil)
	if pos[len(pos)-1][0] <= m.Positions[len(pos)-1][0] {
		t.Error("near right edge should move right under positive yaw")
	}
	if depths[0] != 0 {
		t.Errorf("left edge depth = %v", depths[0])
	}
}

func TestQualityPolicyOneWay(t *testing.T) {
	p := NewQualityPolicy(128, 64, 16.7)
	if p.Observe(10*time.Millisecond) || p.Segments() != 128 {
		t.Fatal("fast frame should not downgrade")
	}
	if !p.Observe(20*time.Millisecond) {
		t.Fatal("slow frame should downgrade")
	}
	if p.Level() != QualityReduced || p.Segments() != 64 {
		t.Errorf("level %v segments %d", p.Level(), p.Segments())
	}
	for i := 0; i < 10; i++ {
		if p.Observe(time.Millisecond) {
			t.Fatal("policy recovered to full quality")
		}
	}
	if p.Segments() != 64 {
		t.Errorf("segments = %d after fast frames", p.Segments())
	}
}

func TestFrameClockSamplesOncePerSecond(t *testing.T) {
	var c frameClock
	start := time.Unix(0, 0)
	samples := 0
	for i := 0; i <= 120; i++ {
		if _, sampled := c.tick(start.Add(time.Duration(i) * 20 * time.Millisecond)); sampled {
			samples++
		}
	}
	// 2.4s of 50fps frames closes two windows.
	if samples != 2 {
		t.Errorf("samples = %d; want 2", samples)
	}
	if c.fps < 50 || c.fps > 52 {
		t.Errorf("fps = %d; want ~51", c.fps)
	}
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Segments = 16
	cfg.FallbackSegments = 8
	return cfg
}

func TestRendererFrameDowngrades(t *testing.T) {
	r, err := NewRenderer(solid(8, 8, color.RGBA{R: 255, A: 255}), nil, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Dispose()

	start := time.Unix(100, 0)
	r.Frame(start)
	// One long frame that also closes the sampling window.
	stats := r.Frame(start.Add(1100 * time.Millisecond))
	if !stats.Downgraded || stats.Segments != 8 || r.Segments() != 8 {
		t.Errorf("stats %+v segments %d", stats, r.Segments())
	}
}

func TestRendererSwapPortraitFailureKeepsTexture(t *testing.T) {
	r, _ := NewRenderer(solid(4, 4, color.RGBA{G: 200, A: 255}), nil, testConfig())
	defer r.Dispose()

	boom := errors.New("network down")
	if r.SwapPortrait(func() (*image.RGBA, error) { return nil, boom }) {
		t.Fatal("failed load reported as swapped")
	}
	select {
	case err := <-r.Errors():
		if !errors.Is(err, boom) {
			t.Errorf("error = %v", err)
		}
	default:
		t.Fatal("failure not surfaced on Errors()")
	}

	frame, err := r.RenderFrame(16, 16)
	if err != nil {
		t.Fatal(err)
	}
	if c := frame.RGBAAt(8, 8); c.G != 200 {
		t.Errorf("center pixel %v; old texture should still render", c)
	}

	if !r.SwapPortrait(func() (*image.RGBA, error) { return solid(4, 4, color.RGBA{B: 90, A: 255}), nil }) {
		t.Fatal("good load rejected")
	}
	frame, _ = r.RenderFrame(16, 16)
	if c := frame.RGBAAt(8, 8); c.B != 90 {
		t.Errorf("center pixel %v after swap", c)
	}
}

func TestRendererSwapPortraitRebuildsMeshForAspect(t *testing.T) {
	r, _ := NewRenderer(solid(4, 4, color.RGBA{A: 255}), nil, testConfig())
	defer r.Dispose()
	r.SwapPortrait(func() (*image.RGBA, error) { return solid(8, 4, color.RGBA{A: 255}), nil })
	frame, _ := r.RenderFrame(40, 40)
	// A 2:1 plane letterboxes a square frame.
	if c := frame.RGBAAt(20, 2); c != Background {
		t.Errorf("top row %v; want background", c)
	}
}

func TestRenderFrameFlatMatchesTexture(t *testing.T) {
	tex := image.NewRGBA(image.Rect(0, 0, 2, 2))
	tex.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	tex.SetRGBA(1, 0, color.RGBA{G: 255, A: 255})
	tex.SetRGBA(0, 1, color.RGBA{B: 255, A: 255})
	tex.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, A: 255})
	r, _ := NewRenderer(tex, nil, testConfig())
	defer r.Dispose()

	frame, err := r.RenderFrame(20, 20)
	if err != nil {
		t.Fatal(err)
	}
	if c := frame.RGBAAt(0, 0); c.R < 200 || c.G > 50 {
		t.Errorf("top-left %v; want red", c)
	}
	if c := frame.RGBAAt(19, 19); c.R < 200 || c.G < 200 {
		t.Errorf("bottom-right %v; want yellow", c)
	}
}

func TestRenderFrameParallaxShiftsNearContent(t *testing.T) {
	// Left half far (0), right half near (1).
	field := &depth.Field{Width: 2, Height: 1, Values: []float32{0, 1}}
	tex := solid(64, 64, color.RGBA{R: 250, G: 250, B: 250, A: 255})
	cfg := testConfig()
	cfg.DepthScaleMin, cfg.DepthScaleMax = 0.1, 0.1
	r, _ := NewRenderer(tex, field, cfg)
	defer r.Dispose()

	r.SetRotation(cursor.RotationState{Yaw: 12})
	frame, _ := r.RenderFrame(100, 100)
	// Positive yaw pushes the far left edge outward, so it stays covered.
	if c := frame.RGBAAt(0, 50); c == Background {
		t.Errorf("left edge pixel is background; far content should have moved outward")
	}

	r.SetDepthEnabled(false)
	flat, _ := r.RenderFrame(100, 100)
	r.SetDepthEnabled(true)
	r.SetRotation(cursor.RotationState{Yaw: -12})
	moved, _ := r.RenderFrame(100, 100)
	if bytes.Equal(flat.Pix, moved.Pix) {
		t.Error("negative yaw produced an identical frame to the flat render")
	}
}

func TestRendererDepthImage(t *testing.T) {
	r, _ := NewRenderer(solid(4, 4, color.RGBA{A: 255}), nil, testConfig())
	defer r.Dispose()
	if r.DepthImage() != nil {
		t.Error("no depth loaded yet")
	}
	field := &depth.Field{Width: 2, Height: 1, Values: []float32{0, 1}}
	if err := r.SetDepth(field); err != nil {
		t.Fatal(err)
	}
	img := r.DepthImage()
	if img == nil || img.Pix[0] != 0 || img.Pix[4] != 255 {
		t.Errorf("depth image %v", img)
	}
}

func TestRendererDispose(t *testing.T) {
	r, _ := NewRenderer(solid(4, 4, color.RGBA{A: 255}), &depth.Field{Width: 1, Height: 1, Values: []float32{0.5}}, testConfig())
	r.Dispose()
	r.Dispose()
	if !r.Disposed() {
		t.Fatal("not disposed")
	}
	if _, ok := <-r.Errors(); ok {
		t.Error("Errors() should be closed")
	}
	if _, err := r.RenderFrame(4, 4); !errors.Is(err, ErrDisposed) {
		t.Errorf("RenderFrame after Dispose = %v", err)
	}
	if r.SwapPortrait(func() (*image.RGBA, error) { return solid(2, 2, color.RGBA{}), nil }) {
		t.Error("swap after Dispose succeeded")
	}
	if err := r.SetDepth(nil); !errors.Is(err, ErrDisposed) {
		t.Errorf("SetDepth after Dispose = %v", err)
	}
}

func TestTextureRelease(t *testing.T) {
	tex := NewTexture(solid(1, 1, color.RGBA{}))
	if err := tex.Release(); err != nil {
		t.Fatal(err)
	}
	if err := tex.Release(); !errors.Is(err, ErrTextureReleased) {
		t.Errorf("second Release = %v", err)
	}
	if tex.Image() != nil {
		t.Error("Image() after Release should be nil")
	}
}

func TestEncodeWebPRoundTrip(t *testing.T) {
	img := solid(6, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	var buf bytes.Buffer
	if err := EncodeWebP(&buf, img); err != nil {
		t.Fatal(err)
	}
	back, err := webp.Decode(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.Bounds().Dx() != 6 || back.Bounds().Dy() != 4 {
		t.Errorf("bounds %v", back.Bounds())
	}
	r, g, b, _ := back.At(3, 2).RGBA()
	if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
		t.Errorf("pixel = %d,%d,%d", r>>8, g>>8, b>>8)
	}
}

func TestNewRendererRejectsEmpty(t *testing.T) {
	if _, err := NewRenderer(nil, nil, testConfig()); err == nil {
		t.Error("nil portrait accepted")
	}
	if _, err := NewRenderer(image.NewRGBA(image.Rect(0, 0, 0, 3)), nil, testConfig()); err == nil {
		t.Error("empty portrait accepted")
	}
}
