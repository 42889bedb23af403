package parallax

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/depth"
)

// ErrDisposed is returned by operations on a disposed renderer.
var ErrDisposed = errors.New("renderer disposed")

// Config holds the renderer's tunables.
type Config struct {
	DepthScaleMin    float64
	DepthScaleMax    float64
	Segments         int
	FallbackSegments int
	// FrameTimeThresholdMs triggers the reduced mesh; 0 disables the policy.
	FrameTimeThresholdMs float64
}

// DefaultConfig is 128 segments, falling back to 64 below 60fps.
func DefaultConfig() Config {
	return Config{
		DepthScaleMin:        0.01,
		DepthScaleMax:        0.025,
		Segments:             128,
		FallbackSegments:     64,
		FrameTimeThresholdMs: 16.7,
	}
}

// FrameStats is reported by Frame.
type FrameStats struct {
	FPS      int          `json:"fps"`
	Segments int          `json:"segments"`
	Quality  QualityLevel `json:"-"`
	// Downgraded is set on the frame that switched to the reduced mesh.
	Downgraded bool `json:"downgraded"`
}

// Renderer owns one viewer's portrait and depth textures, mesh and uniforms.
// It is safe for concurrent use.
type Renderer struct {
	cfg Config

	mu       sync.Mutex
	portrait *Texture
	depthTex *Texture
	field    *depth.Field
	mesh     *Mesh
	quality  *QualityPolicy
	clock    frameClock
	uniforms Uniforms
	disposed bool

	// scratch buffers reused across frames
	pos    [][2]float64
	depths []float64

	errs chan error
}

// NewRenderer takes ownership of portrait. field may be nil until depth is
// ready; the plane is drawn flat meanwhile.
func NewRenderer(portrait *image.RGBA, field *depth.Field, cfg Config) (*Renderer, error) {
	if portrait == nil || portrait.Bounds().Empty() {
		return nil, errors.New("renderer needs a non-empty portrait")
	}
	if cfg.Segments <= 0 {
		cfg.Segments = DefaultConfig().Segments
	}
	if cfg.FallbackSegments <= 0 {
		cfg.FallbackSegments = cfg.Segments
	}
	r := &Renderer{
		cfg:      cfg,
		portrait: NewTexture(portrait),
		quality:  NewQualityPolicy(cfg.Segments, cfg.FallbackSegments, cfg.FrameTimeThresholdMs),
		uniforms: Uniforms{
			DepthScale: DepthScale(50, cfg.DepthScaleMin, cfg.DepthScaleMax),
			Enabled:    true,
		},
		errs: make(chan error, 8),
	}
	r.mesh = NewMesh(r.quality.Segments(), aspectOf(portrait))
	if field != nil {
		r.setDepthLocked(field)
	}
	return r, nil
}

func aspectOf(img *image.RGBA) float64 {
	b := img.Bounds()
	return float64(b.Dx()) / float64(b.Dy())
}

// Errors delivers texture load failures. It is closed by Dispose.
func (r *Renderer) Errors() <-chan error { return r.errs }

// report pushes err without blocking; the oldest pending error wins if the
// channel is full. Caller holds r.mu.
func (r *Renderer) report(err error) {
	if r.disposed {
		return
	}
	select {
	case r.errs <- err:
	default:
		slog.Warn("renderer error dropped", "component", "parallax", "error", err)
	}
}

// SetRotation updates yaw and pitch.
func (r *Renderer) SetRotation(st cursor.RotationState) {
	r.mu.Lock()
	r.uniforms.Yaw, r.uniforms.Pitch = st.Yaw, st.Pitch
	r.mu.Unlock()
}

// SetIntensity maps an intensity percent onto the configured depth scale range.
func (r *Renderer) SetIntensity(percent float64) {
	r.mu.Lock()
	r.uniforms.DepthScale = DepthScale(percent, r.cfg.DepthScaleMin, r.cfg.DepthScaleMax)
	r.mu.Unlock()
}

// SetDepthEnabled toggles displacement.
func (r *Renderer) SetDepthEnabled(on bool) {
	r.mu.Lock()
	r.uniforms.Enabled = on
	r.mu.Unlock()
}

// Uniforms returns the current per-frame inputs.
func (r *Renderer) Uniforms() Uniforms {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.uniforms
}

// SwapPortrait loads a replacement portrait outside the lock and installs it
// only once loaded; the previous texture is released afterwards. On failure
// the current texture stays and the error goes to Errors.
func (r *Renderer) SwapPortrait(load func() (*image.RGBA, error)) bool {
	img, err := load()
	if err == nil && (img == nil || img.Bounds().Empty()) {
		err = errors.New("loaded portrait is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return false
	}
	if err != nil {
		r.report(fmt.Errorf("portrait texture: %w", err))
		return false
	}
	old := r.portrait
	r.portrait = NewTexture(img)
	if a := aspectOf(img); a != aspectOf(old.Image()) {
		r.mesh = NewMesh(r.quality.Segments(), a)
	}
	if rerr := old.Release(); rerr != nil {
		slog.Warn("release portrait texture", "component", "parallax", "error", rerr)
	}
	return true
}

// SetDepth installs a new depth field, replacing the depth texture.
func (r *Renderer) SetDepth(field *depth.Field) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.setDepthLocked(field)
	return nil
}

func (r *Renderer) setDepthLocked(field *depth.Field) {
	old := r.depthTex
	r.field = field
	if field.Empty() {
		r.depthTex = nil
	} else {
		r.depthTex = NewTexture(depth.ToDisplayable(field.Values, field.Width, field.Height))
	}
	if old != nil {
		if err := old.Release(); err != nil {
			slog.Warn("release depth texture", "component", "parallax", "error", err)
		}
	}
}

// DepthImage returns the grayscale depth texture, or nil if none is loaded.
func (r *Renderer) DepthImage() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.depthTex.Image()
}

// Segments returns the current mesh subdivision count.
func (r *Renderer) Segments() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mesh.Segments
}

// Frame advances the frame counter. Once per second the frame rate is
// sampled and the frame time checked against the quality threshold.
func (r *Renderer) Frame(now time.Time) FrameStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	delta, sampled := r.clock.tick(now)
	stats := FrameStats{FPS: r.clock.fps}
	if sampled && !r.disposed && r.quality.Observe(delta) {
		r.mesh = NewMesh(r.quality.Segments(), r.mesh.ScaleX/r.mesh.ScaleY)
		stats.Downgraded = true
		slog.Info("reduced mesh subdivisions for performance", "component", "parallax",
			"frameTime", delta, "segments", r.mesh.Segments)
	}
	stats.Segments = r.mesh.Segments
	stats.Quality = r.quality.Level()
	return stats
}

// RenderFrame rasterizes the displaced, textured plane at width x height.
func (r *Renderer) RenderFrame(width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return nil, ErrDisposed
	}
	u := r.uniforms
	if r.field.Empty() {
		u.Enabled = false
	}
	r.pos, r.depths = r.mesh.Displace(r.field, u, r.pos, r.depths)
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	rasterize(dst, r.mesh, r.pos, r.depths, r.portrait.Image())
	return dst, nil
}

// Dispose releases both textures and closes Errors. Release failures are
// logged, never returned; later calls are no-ops.
func (r *Renderer) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return
	}
	r.disposed = true
	for name, tex := range map[string]*Texture{"portrait": r.portrait, "depth": r.depthTex} {
		if err := tex.Release(); err != nil {
			slog.Warn("texture cleanup failed", "component", "parallax", "texture", name, "error", err)
		}
	}
	r.portrait, r.depthTex, r.field = nil, nil, nil
	r.pos, r.depths = nil, nil
	close(r.errs)
}

// Disposed reports whether Dispose has run.
func (r *Renderer) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}
