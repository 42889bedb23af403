package server

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/cursor"
	"github.com/stevecastle/gazefield/parallax"
	"github.com/stevecastle/gazefield/portrait"
	"github.com/stevecastle/gazefield/tasks"
	"github.com/stevecastle/gazefield/viewer"
)

// maxFrameSide bounds preview frame dimensions.
const maxFrameSide = 2048

type sessionResponse struct {
	viewer.Info
	Settings viewer.Settings    `json:"settings"`
	State    viewer.VisualState `json:"state"`
	Grid     atlas.GridSpec     `json:"grid"`
}

func describe(s *viewer.Session) sessionResponse {
	return sessionResponse{
		Info:     s.Info(),
		Settings: s.Settings(),
		State:    s.State(),
		Grid:     s.Grid(),
	}
}

// readPortrait accepts a multipart "portrait" file or a JSON {"image": base64}
// body and returns the decoded image downscaled to the configured width.
func readPortrait(d *Dependencies, w http.ResponseWriter, r *http.Request) (*image.RGBA, error) {
	var img image.Image
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, portrait.MaxDecodeBytes)
		f, _, err := r.FormFile("portrait")
		if err != nil {
			return nil, invalid("portrait file is required: %v", err)
		}
		defer f.Close()
		if img, _, err = portrait.Decode(f); err != nil {
			return nil, invalid("%v", err)
		}
	} else {
		var body struct {
			Image string `json:"image"`
		}
		if err := readJSONBody(w, r, &body); err != nil {
			return nil, err
		}
		if body.Image == "" {
			return nil, invalid("image is required")
		}
		decoded, _, err := portrait.DecodeDataURI(body.Image)
		if err != nil {
			return nil, invalid("%v", err)
		}
		img = decoded
	}
	return portrait.Prepare(img, d.Config.Viewer.MaxImageWidth), nil
}

func lookupSession(d *Dependencies, w http.ResponseWriter, r *http.Request) (*viewer.Session, bool) {
	s, ok := d.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
	}
	return s, ok
}

func sessionsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, d.Sessions.List())
		case http.MethodPost:
			img, err := readPortrait(d, w, r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			s, err := d.Sessions.Create(img)
			if err != nil {
				writeError(w, r, invalid("%v", err))
				return
			}
			s.StartDepth(d.ctx())
			writeJSON(w, http.StatusCreated, describe(s))
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	}
}

func sessionHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			s, ok := lookupSession(d, w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, describe(s))
		case http.MethodPut:
			s, ok := lookupSession(d, w, r)
			if !ok {
				return
			}
			img, err := readPortrait(d, w, r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if !s.ReplacePortrait(func() (*image.RGBA, error) { return img, nil }) {
				writeError(w, r, viewer.ErrClosed)
				return
			}
			s.StartDepth(d.ctx())
			writeJSON(w, http.StatusOK, describe(s))
		case http.MethodDelete:
			if !d.Sessions.Remove(r.PathValue("id")) {
				writeJSON(w, http.StatusNotFound, errorBody{Error: "session not found"})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPut, http.MethodDelete)
		}
	}
}

type pointerRequest struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func pointerHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		var req pointerRequest
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		st, err := s.Pointer(cursor.PointerSample{X: req.X, Y: req.Y, Width: req.Width, Height: req.Height}, time.Now())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func settingsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, s.Settings())
		case http.MethodPut:
			// Decode over the current settings so partial updates work.
			set := s.Settings()
			if err := readJSONBody(w, r, &set); err != nil {
				writeError(w, r, err)
				return
			}
			if err := s.ApplySettings(set); err != nil {
				if !errors.Is(err, viewer.ErrClosed) {
					err = invalid("%v", err)
				}
				writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, describe(s))
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	}
}

func depthBuildHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		st, err := s.BuildDepth(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

type sessionAtlasRequest struct {
	// Images maps atlas keys to URLs. When absent the atlas is read from the
	// cache for the session's portrait.
	Images map[string]string `json:"images,omitempty"`
	gridRequest
}

func sessionAtlasHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		var req sessionAtlasRequest
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}

		var grid *atlas.GridSpec
		if req.Min != nil || req.Max != nil || req.Step != nil {
			g, err := req.gridRequest.spec(d.angleLimit())
			if err != nil {
				writeError(w, r, err)
				return
			}
			grid = &g
		}

		images := req.Images
		total, cached := 0, 0
		if images == nil {
			g := s.Grid()
			if grid != nil {
				g = *grid
			}
			st, err := d.Cache.Status(r.Context(), s.Fingerprint(), g)
			if err != nil {
				writeError(w, r, err)
				return
			}
			st = publicStatus(d, st)
			images = make(map[string]string, len(st.Found))
			for _, f := range st.Found {
				images[atlas.Key(f.PX, f.PY)] = f.URL
			}
			total, cached, grid = st.Total, st.Cached, &g
		}

		g, err := s.LoadAtlas(images, grid)
		if err != nil {
			writeError(w, r, invalid("%v", err))
			return
		}
		if total == 0 {
			total, cached = g.Count(), len(images)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"grid":    g,
			"loaded":  len(images),
			"total":   total,
			"cached":  cached,
		})
	}
}

func sessionAtlasJobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		var req gridRequest
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		g := s.Grid()
		if req.Min != nil {
			g.Min = *req.Min
		}
		if req.Max != nil {
			g.Max = *req.Max
		}
		if req.Step != nil {
			g.Step = *req.Step
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, s.Portrait()); err != nil {
			writeError(w, r, err)
			return
		}
		id, err := enqueueAtlas(d, tasks.AtlasInput{
			Image:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
			ImageHash: s.Fingerprint(),
			Min:       g.Min,
			Max:       g.Max,
			Step:      g.Step,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id, "imageHash": s.Fingerprint(), "grid": g})
	}
}

func frameSize(r *http.Request, bounds image.Rectangle) (int, int, error) {
	w, h := bounds.Dx(), bounds.Dy()
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  *int
	}{{"w", &w}, {"h", &h}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > maxFrameSide {
			return 0, 0, invalid("%s must be between 1 and %d", p.name, maxFrameSide)
		}
		*p.dst = v
	}
	if w > maxFrameSide {
		h = h * maxFrameSide / w
		w = maxFrameSide
	}
	if h > maxFrameSide {
		w = w * maxFrameSide / h
		h = maxFrameSide
	}
	return max(w, 1), max(h, 1), nil
}

func frameHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		fw, fh, err := frameSize(r, s.Bounds())
		if err != nil {
			writeError(w, r, err)
			return
		}
		img, stats, err := s.Frame(fw, fh, time.Now())
		if err != nil {
			writeError(w, r, err)
			return
		}
		var buf bytes.Buffer
		if err := parallax.EncodeWebP(&buf, img); err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/webp")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-Frame-Segments", strconv.Itoa(stats.Segments))
		w.Header().Set("X-Frame-FPS", strconv.Itoa(stats.FPS))
		w.Write(buf.Bytes())
	}
}

func depthImageHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		s, ok := lookupSession(d, w, r)
		if !ok {
			return
		}
		img := s.DepthImage()
		if img == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "depth not ready"})
			return
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}
}
