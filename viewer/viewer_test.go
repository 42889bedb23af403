package viewer

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/depth"
)

func portraitRGBA(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s, err := NewSession("test", portraitRGBA(40, 40, color.RGBA{200, 150, 100, 255}), opts)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestContinuousPointerIsNotThrottled(t *testing.T) {
	opts := DefaultOptions()
	opts.Cursor.SmoothingPercent = 50
	s := newTestSession(t, opts)

	now := time.Unix(0, 0)
	var last VisualState
	for i := 0; i < 200; i++ {
		st, err := s.Pointer(cursor.PointerSample{X: 200, Y: 100, Width: 200, Height: 200}, now)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && st.Rotation.Yaw < last.Rotation.Yaw {
			t.Fatalf("yaw decreased at step %d: %v -> %v", i, last.Rotation.Yaw, st.Rotation.Yaw)
		}
		last = st
	}
	if math.Abs(last.Rotation.Yaw-12) > 1e-3 || last.Rotation.Pitch != 0 {
		t.Errorf("rotation = %+v; want yaw 12 pitch 0", last.Rotation)
	}
	if u := s.renderer.Uniforms(); u.Yaw != last.Rotation.Yaw {
		t.Errorf("renderer yaw = %v; want %v", u.Yaw, last.Rotation.Yaw)
	}
}

func TestAtlasPointerResolvesAndThrottles(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	set := s.Settings()
	set.Mode = ModeAtlas
	if err := s.ApplySettings(set); err != nil {
		t.Fatal(err)
	}
	if _, err := s.LoadAtlas(map[string]string{
		"px0_py0":   "center.webp",
		"px15_py15": "corner.webp",
	}, &atlas.GridSpec{Min: -15, Max: 15, Step: 3}); err != nil {
		t.Fatal(err)
	}

	now := time.Unix(100, 0)
	// Top-right corner: x right, y inverted so the top row is py=max.
	st, _ := s.Pointer(cursor.PointerSample{X: 200, Y: 0, Width: 200, Height: 200}, now)
	if st.AtlasKey != "px15_py15" || st.ImageURL != "corner.webp" {
		t.Fatalf("state = %+v", st)
	}

	// Within the throttle interval nothing changes.
	st, _ = s.Pointer(cursor.PointerSample{X: 100, Y: 100, Width: 200, Height: 200}, now.Add(5*time.Millisecond))
	if st.AtlasKey != "px15_py15" {
		t.Errorf("throttled sample changed state: %+v", st)
	}

	// A missing key falls back to the center image.
	st, _ = s.Pointer(cursor.PointerSample{X: 0, Y: 200, Width: 200, Height: 200}, now.Add(time.Second))
	if st.AtlasKey != "px-15_py-15" || st.ImageURL != "center.webp" {
		t.Errorf("fallback state = %+v", st)
	}
}

func TestAtlasUnresolvedKeepsState(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	set := s.Settings()
	set.Mode = ModeAtlas
	s.ApplySettings(set)
	s.LoadAtlas(map[string]string{"px3_py3": "a.webp"}, &atlas.GridSpec{Min: -15, Max: 15, Step: 3})

	now := time.Unix(0, 0)
	before := s.State()
	st, err := s.Pointer(cursor.PointerSample{X: 0, Y: 0, Width: 200, Height: 200}, now)
	if err != nil {
		t.Fatal(err)
	}
	if st.ImageURL != before.ImageURL || st.Coord != nil {
		t.Errorf("unresolved key changed state: %+v", st)
	}
}

func TestLoadAtlasDetectsGrid(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	g, err := s.LoadAtlas(map[string]string{
		"px-10_py-10": "a", "px0_py0": "b", "px10_py10": "c", "px-5_py5": "d",
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if g != (atlas.GridSpec{Min: -10, Max: 10, Step: 5}) {
		t.Errorf("grid = %+v", g)
	}
	if _, err := s.LoadAtlas(nil, &atlas.GridSpec{Min: 5, Max: 1, Step: 1}); err == nil {
		t.Error("invalid explicit grid accepted")
	}
}

func TestApplySettings(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	now := time.Unix(0, 0)
	for i := 0; i < 20; i++ {
		s.Pointer(cursor.PointerSample{X: 200, Y: 100, Width: 200, Height: 200}, now)
	}
	yaw := s.State().Rotation.Yaw

	set := s.Settings()
	set.Intensity = 0
	set.DepthEnabled = false
	if err := s.ApplySettings(set); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.DepthEnabled || st.DepthScale != 0 {
		t.Errorf("depth disabled state = %+v", st)
	}
	if st.Rotation.Yaw != yaw {
		t.Errorf("settings reset rotation: %v -> %v", yaw, st.Rotation.Yaw)
	}

	set.Mode = "sideways"
	if err := s.ApplySettings(set); err == nil {
		t.Error("unknown mode accepted")
	}

	s.ResetRotation()
	if s.State().Rotation != (cursor.RotationState{}) {
		t.Errorf("ResetRotation left %+v", s.State().Rotation)
	}
}

func TestBuildDepth(t *testing.T) {
	opts := DefaultOptions()
	opts.Pipeline = depth.NewPipeline(depth.EstimatorFunc(func(context.Context, *image.RGBA) ([]float32, int, int, error) {
		return nil, 0, 0, errors.New("no model")
	}))
	s := newTestSession(t, opts)
	if s.DepthImage() != nil {
		t.Fatal("depth texture present before build")
	}
	st, err := s.BuildDepth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !st.Ready || !st.Fallback || st.Cause != "no model" {
		t.Errorf("status = %+v", st)
	}
	if img := s.DepthImage(); img == nil || img.Bounds().Dx() != 40 {
		t.Errorf("depth image = %v", img)
	}
}

func TestBuildDepthWithoutPipeline(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	if _, err := s.BuildDepth(context.Background()); !errors.Is(err, depth.ErrEstimatorUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestReplacePortraitDiscardsInFlightDepth(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	opts := DefaultOptions()
	opts.Pipeline = depth.NewPipeline(depth.EstimatorFunc(func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
		once.Do(func() { close(started) })
		<-release
		return make([]float32, 4), 2, 2, nil
	}))
	s := newTestSession(t, opts)
	oldFP := s.Fingerprint()

	done := make(chan error, 1)
	go func() {
		_, err := s.BuildDepth(context.Background())
		done <- err
	}()
	<-started

	ok := s.ReplacePortrait(func() (*image.RGBA, error) {
		return portraitRGBA(20, 30, color.RGBA{1, 2, 3, 255}), nil
	})
	if !ok {
		t.Fatal("ReplacePortrait failed")
	}
	close(release)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("stale build err = %v; want canceled", err)
	}
	if s.DepthImage() != nil || s.Depth().Ready {
		t.Error("stale depth result was installed")
	}
	if s.Fingerprint() == oldFP || s.Bounds().Dy() != 30 {
		t.Errorf("portrait not replaced: %s %v", s.Fingerprint(), s.Bounds())
	}
}

func TestSwapAfterCommitDiscardsDepth(t *testing.T) {
	release := make(chan struct{})
	opts := DefaultOptions()
	opts.Pipeline = depth.NewPipeline(depth.EstimatorFunc(func(ctx context.Context, img *image.RGBA) ([]float32, int, int, error) {
		<-release
		return []float32{0, 1, 0, 1}, 2, 2, nil
	}))
	s := newTestSession(t, opts)

	// Hold the session while the build commits so the swap lands in between.
	s.mu.Lock()
	done := make(chan DepthStatus, 1)
	errc := make(chan error, 1)
	go func() {
		st, err := s.BuildDepth(context.Background())
		done <- st
		errc <- err
	}()
	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for s.tracker.Current() == nil {
		if time.Now().After(deadline) {
			s.mu.Unlock()
			t.Fatal("build never committed")
		}
		time.Sleep(time.Millisecond)
	}
	next := portraitRGBA(20, 30, color.RGBA{9, 9, 9, 255})
	if !s.renderer.SwapPortrait(func() (*image.RGBA, error) { return next, nil }) {
		s.mu.Unlock()
		t.Fatal("SwapPortrait failed")
	}
	s.adoptPortraitLocked(next)
	s.mu.Unlock()

	st := <-done
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("BuildDepth err = %v; want canceled", err)
	}
	if st.Ready {
		t.Errorf("BuildDepth status = %+v", st)
	}
	if s.DepthImage() != nil || s.Depth().Ready {
		t.Error("depth field of the replaced portrait was installed")
	}
}

func TestReplacePortraitFailureKeepsPortrait(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	fp := s.Fingerprint()
	if s.ReplacePortrait(func() (*image.RGBA, error) { return nil, errors.New("decode failed") }) {
		t.Fatal("failed load reported success")
	}
	if s.Fingerprint() != fp {
		t.Error("fingerprint changed after failed swap")
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.LastError() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.LastError() == nil {
		t.Error("texture error not surfaced")
	}
}

func TestFrameAndClose(t *testing.T) {
	s := newTestSession(t, DefaultOptions())
	img, stats, err := s.Frame(64, 48, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 || stats.Segments != 128 {
		t.Errorf("frame %v stats %+v", img.Bounds(), stats)
	}

	s.Close()
	s.Close()
	if _, _, err := s.Frame(64, 48, time.Unix(1, 0)); !errors.Is(err, ErrClosed) {
		t.Errorf("Frame after close err = %v", err)
	}
	if _, err := s.Pointer(cursor.PointerSample{X: 1, Y: 1, Width: 2, Height: 2}, time.Now()); !errors.Is(err, ErrClosed) {
		t.Errorf("Pointer after close err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(DefaultOptions())
	a, err := r.Create(portraitRGBA(10, 10, color.RGBA{255, 0, 0, 255}))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := r.Create(portraitRGBA(10, 20, color.RGBA{0, 255, 0, 255}))
	if a.ID == b.ID || r.Len() != 2 {
		t.Fatalf("ids %s %s len %d", a.ID, b.ID, r.Len())
	}
	if got, ok := r.Get(a.ID); !ok || got != a {
		t.Error("Get(a) failed")
	}
	list := r.List()
	if len(list) != 2 || list[0].Height+list[1].Height != 30 {
		t.Errorf("List() = %+v", list)
	}

	if !r.Remove(a.ID) || r.Remove(a.ID) {
		t.Error("Remove should succeed once")
	}
	if _, _, err := a.Frame(8, 8, time.Now()); !errors.Is(err, ErrClosed) {
		t.Error("removed session not closed")
	}

	if n := r.Sweep(time.Now().Add(time.Hour), time.Minute); n != 1 || r.Len() != 0 {
		t.Errorf("Sweep removed %d, %d left", n, r.Len())
	}
	if _, err := r.Create(image.NewRGBA(image.Rect(0, 0, 0, 0))); err == nil {
		t.Error("empty portrait accepted")
	}
	r.CloseAll()
}
