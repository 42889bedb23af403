package gaze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/portrait"
)

// ErrInvalidRequest marks a request rejected before any backend call.
var ErrInvalidRequest = errors.New("invalid generation request")

// Output is a finished generation.
type Output struct {
	URL   string
	JobID string
}

// Generator produces one gaze-shifted image. *Client implements it.
type Generator interface {
	Generate(ctx context.Context, in Input) (Output, error)
}

// Mirror stores a copy of a generated image. *blobstore.S3Store implements it.
type Mirror interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Request asks for the portrait in Image looking towards (PX, PY).
type Request struct {
	Image       string `json:"image"`
	PX          int    `json:"px"`
	PY          int    `json:"py"`
	Fingerprint string `json:"imageHash,omitempty"`
}

// Response is the result of Generate.
type Response struct {
	Success  bool   `json:"success"`
	ImageURL string `json:"imageUrl"`
	PX       int    `json:"px"`
	PY       int    `json:"py"`
	Cached   bool   `json:"cached"`
}

// Service checks the atlas cache before paying for a generation and records
// every fresh result.
type Service struct {
	gen        Generator
	cache      *atlascache.Index
	angleLimit int

	// Mirror, when set, receives a copy of every generated image and the
	// cache stores the mirrored reference instead of the backend's.
	Mirror       Mirror
	MirrorPrefix string
	// PublicURL rewrites stored references for callers, e.g. s3:// refs to
	// a URL served by this process. Nil leaves references untouched.
	PublicURL func(ref string) string

	fetch *http.Client
	log   *slog.Logger
}

func NewService(gen Generator, cache *atlascache.Index, angleLimit int) *Service {
	if angleLimit <= 0 {
		angleLimit = atlascache.DefaultAngleLimit
	}
	return &Service{
		gen:          gen,
		cache:        cache,
		angleLimit:   angleLimit,
		MirrorPrefix: "atlas/",
		fetch:        &http.Client{Timeout: 60 * time.Second},
		log:          slog.Default().With("component", "gaze"),
	}
}

// Validate checks the request shape and angle bounds.
func (s *Service) Validate(req Request) error {
	if req.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidRequest)
	}
	lim := s.angleLimit
	if req.PX < -lim || req.PX > lim || req.PY < -lim || req.PY > lim {
		return fmt.Errorf("%w: gaze angles must be between %d and %d", ErrInvalidRequest, -lim, lim)
	}
	return nil
}

// Fingerprint returns req.Fingerprint or derives it from the decoded image.
func (s *Service) Fingerprint(req Request) (string, error) {
	if req.Fingerprint != "" {
		return req.Fingerprint, nil
	}
	img, _, err := portrait.DecodeDataURI(req.Image)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return atlascache.Fingerprint(img), nil
}

// DataURI returns image as a data URI, assuming JPEG for bare base64.
func DataURI(image string) string {
	if strings.HasPrefix(image, "data:") {
		return image
	}
	return "data:image/jpeg;base64," + image
}

// Public maps a stored reference to the URL handed to callers.
func (s *Service) Public(ref string) string {
	if s.PublicURL == nil {
		return ref
	}
	return s.PublicURL(ref)
}

// Generate serves (PX, PY) from the cache or generates it.
func (s *Service) Generate(ctx context.Context, req Request) (Response, error) {
	if err := s.Validate(req); err != nil {
		return Response{}, err
	}
	fp, err := s.Fingerprint(req)
	if err != nil {
		return Response{}, err
	}
	return s.generate(ctx, fp, req.Image, atlas.Coord{PX: req.PX, PY: req.PY})
}

func (s *Service) generate(ctx context.Context, fp, image string, c atlas.Coord) (Response, error) {
	short := fp
	if len(short) > 8 {
		short = short[:8]
	}
	log := s.log.With("px", c.PX, "py", c.PY, "fingerprint", short)

	if s.cache != nil {
		if ref, ok := s.cache.Get(ctx, fp, c); ok {
			log.Info("cache hit")
			return Response{Success: true, ImageURL: s.Public(ref), PX: c.PX, PY: c.PY, Cached: true}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	log.Info("cache miss, generating")
	out, err := s.gen.Generate(ctx, Input{Image: DataURI(image), PX: c.PX, PY: c.PY})
	if err != nil {
		return Response{}, err
	}

	ref := out.URL
	if s.Mirror != nil {
		if mirrored, err := s.mirror(ctx, fp, c, out.URL); err != nil {
			log.Warn("mirror failed, caching backend reference", "error", err)
		} else {
			ref = mirrored
		}
	}
	if s.cache != nil {
		s.cache.Set(ctx, fp, c, ref)
	}
	return Response{Success: true, ImageURL: s.Public(ref), PX: c.PX, PY: c.PY}, nil
}

func (s *Service) mirror(ctx context.Context, fp string, c atlas.Coord, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.fetch.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, portrait.MaxDecodeBytes))
	if err != nil {
		return "", err
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var ext string
	switch ct {
	case "image/png":
		ext = ".png"
	case "image/jpeg":
		ext = ".jpg"
	default:
		ct, ext = "image/webp", ".webp"
	}
	key := s.MirrorPrefix + fp + "/" + c.Key() + ext
	return s.Mirror.Put(ctx, key, data, ct)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, in Input) (Output, error)

func (f GeneratorFunc) Generate(ctx context.Context, in Input) (Output, error) { return f(ctx, in) }
