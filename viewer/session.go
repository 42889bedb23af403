// Package viewer holds the per-viewer state that turns pointer samples into
// visual state: the rotation mapper and parallax renderer in continuous mode,
// the quantized atlas lookup in atlas mode.
package viewer

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/depth"
	"github.com/stevecastle/gazefield/parallax"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("viewer session closed")

// Mode selects what drives the visual state.
type Mode string

const (
	ModeContinuous Mode = "continuous"
	ModeAtlas      Mode = "atlas"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool { return m == ModeContinuous || m == ModeAtlas }

// Settings are the user-adjustable controls of a session. Percentages are in
// [0,100].
type Settings struct {
	Mode         Mode    `json:"mode"`
	Intensity    float64 `json:"intensity"`
	Smoothing    float64 `json:"smoothing"`
	DeadZone     float64 `json:"deadZone"`
	YawRange     float64 `json:"yawRange"`
	PitchRange   float64 `json:"pitchRange"`
	DepthEnabled bool    `json:"depthEnabled"`
}

// Options configure new sessions.
type Options struct {
	Cursor   cursor.Config
	Renderer parallax.Config
	// Pipeline builds depth fields. Nil leaves every session flat.
	Pipeline *depth.Pipeline

	Grid             atlas.GridSpec
	FallbackKey      string
	UpdatesPerSecond float64

	// OnError, if set, is told about texture failures as they happen.
	OnError func(sessionID string, err error)
}

// DefaultOptions returns the shipped defaults with no depth pipeline.
func DefaultOptions() Options {
	return Options{
		Cursor:           cursor.DefaultConfig(),
		Renderer:         parallax.DefaultConfig(),
		Grid:             atlas.DefaultGrid(),
		FallbackKey:      atlas.CenterKey,
		UpdatesPerSecond: 30,
	}
}

// VisualState is what the viewer should currently show.
type VisualState struct {
	Mode         Mode                 `json:"mode"`
	Rotation     cursor.RotationState `json:"rotation"`
	DepthScale   float64              `json:"depthScale"`
	DepthEnabled bool                 `json:"depthEnabled"`

	// Atlas mode only. Coord is the quantized pointer position; ImageURL may
	// belong to a fallback key when Coord has no image.
	Coord    *atlas.Coord `json:"coord,omitempty"`
	AtlasKey string       `json:"atlasKey,omitempty"`
	ImageURL string       `json:"imageUrl,omitempty"`
}

// DepthStatus describes the session's depth field.
type DepthStatus struct {
	Ready    bool   `json:"ready"`
	Fallback bool   `json:"fallback"`
	Cause    string `json:"cause,omitempty"`
}

// Session is one active viewer. It is safe for concurrent use.
type Session struct {
	ID      string
	Created time.Time

	mu          sync.Mutex
	portrait    *image.RGBA
	fingerprint string
	settings    Settings
	mapper      *cursor.RotationMapper
	renderer    *parallax.Renderer
	pipeline    *depth.Pipeline
	onError     func(string, error)
	tracker     depth.Tracker
	depthStatus DepthStatus

	grid        atlas.GridSpec
	fallbackKey string
	images      map[string]string
	throttle    *atlas.Throttle

	state    VisualState
	lastSeen time.Time
	lastErr  error
	closed   bool

	log *slog.Logger
}

// NewSession builds a session around portrait. The depth field is not built
// until BuildDepth or StartDepth is called; frames render flat meanwhile.
func NewSession(id string, portrait *image.RGBA, opts Options) (*Session, error) {
	r, err := parallax.NewRenderer(portrait, nil, opts.Renderer)
	if err != nil {
		return nil, err
	}
	if opts.Grid.Validate() != nil {
		opts.Grid = atlas.DefaultGrid()
	}
	if opts.FallbackKey == "" {
		opts.FallbackKey = atlas.CenterKey
	}
	now := time.Now()
	s := &Session{
		ID:          id,
		Created:     now,
		portrait:    portrait,
		fingerprint: atlascache.Fingerprint(portrait),
		mapper:      cursor.NewRotationMapper(opts.Cursor),
		renderer:    r,
		pipeline:    opts.Pipeline,
		onError:     opts.OnError,
		grid:        opts.Grid,
		fallbackKey: opts.FallbackKey,
		images:      map[string]string{},
		throttle:    atlas.NewThrottle(opts.UpdatesPerSecond),
		lastSeen:    now,
		settings: Settings{
			Mode:         ModeContinuous,
			Intensity:    50,
			Smoothing:    opts.Cursor.SmoothingPercent,
			DeadZone:     opts.Cursor.DeadZonePercent,
			YawRange:     opts.Cursor.YawRange,
			PitchRange:   opts.Cursor.PitchRange,
			DepthEnabled: true,
		},
		log: slog.Default().With("component", "viewer", "session", id),
	}
	s.refreshUniformsLocked()
	go s.watchErrors(r.Errors())
	return s, nil
}

// watchErrors surfaces texture failures out of band until the renderer is
// disposed.
func (s *Session) watchErrors(errs <-chan error) {
	for err := range errs {
		s.log.Warn("texture load failed", "error", err)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		if s.onError != nil {
			s.onError(s.ID, err)
		}
	}
}

// Fingerprint is the atlas cache fingerprint of the current portrait.
func (s *Session) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fingerprint
}

// Bounds returns the portrait size.
func (s *Session) Bounds() image.Rectangle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portrait.Bounds()
}

// Portrait returns the current portrait. Callers must not modify it.
func (s *Session) Portrait() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.portrait
}

// Settings returns the current settings.
func (s *Session) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// State returns the last visual state without applying a sample.
func (s *Session) State() VisualState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the most recent out-of-band texture error, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// LastSeen is when the session last handled a sample or frame.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Grid returns the atlas lattice in use.
func (s *Session) Grid() atlas.GridSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grid
}

// Pointer applies one pointer sample. Continuous mode feeds every sample to
// the rotation mapper. Atlas mode drops samples beyond the throttle rate and
// keeps the current image when the quantized key resolves to nothing.
func (s *Session) Pointer(sample cursor.PointerSample, now time.Time) (VisualState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.state, ErrClosed
	}
	s.lastSeen = now

	if s.settings.Mode == ModeAtlas {
		if !s.throttle.Allow(now) {
			return s.state, nil
		}
		c := atlas.CursorToGridCoords(sample.X, sample.Y, sample.Width, sample.Height, s.grid)
		key := c.Key()
		ref, ok := atlas.Resolve(s.images, key, s.fallbackKey)
		if !ok {
			return s.state, nil
		}
		s.state.Coord = &c
		s.state.AtlasKey = key
		s.state.ImageURL = ref
		return s.state, nil
	}

	st := s.mapper.Map(sample)
	s.renderer.SetRotation(st)
	s.state.Rotation = st
	return s.state, nil
}

// ApplySettings reconfigures the session without resetting the rotation
// accumulator.
func (s *Session) ApplySettings(set Settings) error {
	if set.Mode == "" {
		set.Mode = ModeContinuous
	}
	if !set.Mode.Valid() {
		return errors.New("unknown viewer mode: " + string(set.Mode))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.mapper.SetSmoothing(set.Smoothing)
	s.mapper.SetDeadZone(set.DeadZone)
	s.mapper.SetRanges(set.YawRange, set.PitchRange)
	s.renderer.SetIntensity(set.Intensity)
	s.renderer.SetDepthEnabled(set.DepthEnabled)
	if set.Mode != s.settings.Mode {
		s.state.Coord, s.state.AtlasKey, s.state.ImageURL = nil, "", ""
	}
	s.settings = set
	s.refreshUniformsLocked()
	return nil
}

func (s *Session) refreshUniformsLocked() {
	u := s.renderer.Uniforms()
	s.state.Mode = s.settings.Mode
	s.state.DepthScale = u.EffectiveScale()
	s.state.DepthEnabled = u.Enabled
}

// ResetRotation returns the view to center.
func (s *Session) ResetRotation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapper.Reset()
	s.renderer.SetRotation(cursor.RotationState{})
	s.state.Rotation = cursor.RotationState{}
}

// LoadAtlas replaces the atlas image map. A nil grid is detected from the
// keys, falling back to the session's current lattice.
func (s *Session) LoadAtlas(images map[string]string, grid *atlas.GridSpec) (atlas.GridSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return atlas.GridSpec{}, ErrClosed
	}
	g := s.grid
	if grid != nil {
		if err := grid.Validate(); err != nil {
			return atlas.GridSpec{}, err
		}
		g = *grid
	} else {
		g = atlas.DetectGrid(images, s.grid)
	}
	m := make(map[string]string, len(images))
	for k, v := range images {
		m[k] = v
	}
	s.images = m
	s.grid = g
	return g, nil
}

// AtlasSize returns how many atlas images are loaded.
func (s *Session) AtlasSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// BuildDepth runs the depth pipeline on the current portrait and installs
// the result unless a newer build or a portrait swap superseded it.
func (s *Session) BuildDepth(ctx context.Context) (DepthStatus, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return DepthStatus{}, ErrClosed
	}
	pipeline, img := s.pipeline, s.portrait
	s.mu.Unlock()
	if pipeline == nil {
		return DepthStatus{}, depth.ErrEstimatorUnavailable
	}

	ctx, tok := s.tracker.Begin(ctx)
	res, err := pipeline.Build(ctx, img)
	if err != nil {
		if s.tracker.Stale(tok) {
			return DepthStatus{}, context.Canceled
		}
		return DepthStatus{}, err
	}
	if !s.tracker.Commit(tok, res.Field) {
		s.log.Debug("discarded stale depth result")
		return DepthStatus{}, context.Canceled
	}

	st := DepthStatus{Ready: true, Fallback: res.Fallback}
	if res.Cause != nil {
		st.Cause = res.Cause.Error()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return DepthStatus{}, ErrClosed
	}
	// A portrait swap can land between Commit and here.
	if s.tracker.Stale(tok) {
		s.log.Debug("discarded depth result for replaced portrait")
		return DepthStatus{}, context.Canceled
	}
	if err := s.renderer.SetDepth(res.Field); err != nil {
		return DepthStatus{}, err
	}
	s.depthStatus = st
	if res.Fallback {
		s.log.Info("using synthetic depth field", "cause", st.Cause)
	}
	return st, nil
}

// StartDepth runs BuildDepth in the background.
func (s *Session) StartDepth(ctx context.Context) {
	go func() {
		if _, err := s.BuildDepth(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrClosed) {
			s.log.Warn("depth build failed", "error", err)
		}
	}()
}

// Depth returns the status of the installed depth field.
func (s *Session) Depth() DepthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depthStatus
}

// ReplacePortrait swaps in a new portrait once it has loaded. On success any
// in-flight depth build is invalidated and the atlas is cleared, since both
// belong to the old image. On failure the previous portrait stays.
func (s *Session) ReplacePortrait(load func() (*image.RGBA, error)) bool {
	var loaded *image.RGBA
	ok := s.renderer.SwapPortrait(func() (*image.RGBA, error) {
		img, err := load()
		loaded = img
		return img, err
	})
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adoptPortraitLocked(loaded)
	return true
}

// adoptPortraitLocked makes loaded the session portrait after the renderer
// swapped it in. Any depth build still running belongs to the old image and
// is invalidated while s.mu is held, so BuildDepth cannot install it after.
func (s *Session) adoptPortraitLocked(loaded *image.RGBA) {
	s.tracker.Stop()
	s.portrait = loaded
	s.fingerprint = atlascache.Fingerprint(loaded)
	s.images = map[string]string{}
	s.depthStatus = DepthStatus{}
	s.state.Coord, s.state.AtlasKey, s.state.ImageURL = nil, "", ""
	if err := s.renderer.SetDepth(nil); err != nil {
		s.log.Warn("clear depth texture", "error", err)
	}
}

// Frame advances the frame clock and rasterizes the current view.
func (s *Session) Frame(width, height int, now time.Time) (*image.RGBA, parallax.FrameStats, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, parallax.FrameStats{}, ErrClosed
	}
	s.lastSeen = now
	s.mu.Unlock()

	stats := s.renderer.Frame(now)
	img, err := s.renderer.RenderFrame(width, height)
	return img, stats, err
}

// DepthImage returns the grayscale depth texture, or nil before depth is ready.
func (s *Session) DepthImage() *image.RGBA {
	return s.renderer.DepthImage()
}

// Close cancels pending depth work and releases the renderer's textures.
// Cleanup failures are logged by the renderer; Close never fails.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.images = nil
	s.mu.Unlock()

	s.tracker.Stop()
	s.renderer.Dispose()
	s.log.Debug("session closed")
}
