package server

import (
	"encoding/json"
	"net/http"

	"github.com/stevecastle/gazefield/atlas"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/gaze"
	"github.com/stevecastle/gazefield/tasks"
)

type gridRequest struct {
	Min  *int `json:"min"`
	Max  *int `json:"max"`
	Step *int `json:"step"`
}

// spec validates a grid where every field is required.
func (g gridRequest) spec(limit int) (atlas.GridSpec, error) {
	if g.Min == nil || g.Max == nil || g.Step == nil {
		return atlas.GridSpec{}, invalid("min, max and step are required")
	}
	return atlascache.ValidateSpec(*g.Min, *g.Max, *g.Step, limit)
}

type checkAtlasCacheRequest struct {
	ImageHash string `json:"imageHash"`
	gridRequest
	// Grids, when present, checks several atlas configurations at once.
	Grids []gridRequest `json:"grids,omitempty"`
}

type checkAtlasCacheResponse struct {
	Success bool `json:"success"`
	atlascache.Status
}

func checkAtlasCacheHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req checkAtlasCacheRequest
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.ImageHash == "" {
			writeError(w, r, invalid("imageHash is required"))
			return
		}
		limit := d.angleLimit()

		if len(req.Grids) > 0 {
			specs := make([]atlas.GridSpec, len(req.Grids))
			for i, g := range req.Grids {
				spec, err := g.spec(limit)
				if err != nil {
					writeError(w, r, err)
					return
				}
				specs[i] = spec
			}
			statuses, err := d.Cache.StatusMany(r.Context(), req.ImageHash, specs)
			if err != nil {
				writeError(w, r, err)
				return
			}
			results := make([]checkAtlasCacheResponse, len(statuses))
			for i, st := range statuses {
				results[i] = checkAtlasCacheResponse{Success: true, Status: publicStatus(d, st)}
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
			return
		}

		spec, err := req.gridRequest.spec(limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		st, err := d.Cache.Status(r.Context(), req.ImageHash, spec)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, checkAtlasCacheResponse{Success: true, Status: publicStatus(d, st)})
	}
}

// publicStatus rewrites stored references into URLs callers can fetch.
func publicStatus(d *Dependencies, st atlascache.Status) atlascache.Status {
	if d.Gaze == nil {
		return st
	}
	found := make([]atlascache.Found, len(st.Found))
	for i, f := range st.Found {
		f.URL = d.Gaze.Public(f.URL)
		found[i] = f
	}
	st.Found = found
	return st
}

func generateGazeHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req gaze.Request
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		resp, err := d.Gaze.Generate(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func clearAtlasCacheHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, http.MethodDelete)
			return
		}
		n := d.Cache.Clear(r.Context(), r.PathValue("hash"))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "cleared": n})
	}
}

// enqueueAtlas validates in and queues an atlas-generate job.
func enqueueAtlas(d *Dependencies, in tasks.AtlasInput) (string, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	if _, _, err := tasks.ParseAtlasInput(string(raw), d.angleLimit()); err != nil {
		return "", err
	}
	return d.Queue.AddJob(tasks.AtlasGenerateCommand, string(raw), nil)
}

func createAtlasJobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var in tasks.AtlasInput
		if err := readJSONBody(w, r, &in); err != nil {
			writeError(w, r, err)
			return
		}
		id, err := enqueueAtlas(d, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}
