// Package server exposes the atlas cache, gaze generation, job queue and
// viewer sessions over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/stevecastle/gazefield/appconfig"
	"github.com/stevecastle/gazefield/atlascache"
	"github.com/stevecastle/gazefield/downloads"
	"github.com/stevecastle/gazefield/gaze"
	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/portrait"
	"github.com/stevecastle/gazefield/renderer"
	"github.com/stevecastle/gazefield/stream"
	"github.com/stevecastle/gazefield/tasks"
	"github.com/stevecastle/gazefield/viewer"
)

// maxJSONBody bounds JSON request bodies, which may carry a base64 portrait.
const maxJSONBody = portrait.MaxDecodeBytes * 3 / 2

// BlobReader serves stored objects. *blobstore.S3Store implements it.
type BlobReader interface {
	Get(ctx context.Context, key string) (body io.ReadCloser, size int64, contentType string, err error)
}

// Dependencies is everything the handlers need.
type Dependencies struct {
	Config appconfig.Config
	// ConfigPath is where config updates are saved; empty uses the default.
	ConfigPath string

	Cache     *atlascache.Index
	Gaze      *gaze.Service
	Sessions  *viewer.Registry
	Queue     *jobqueue.Queue
	Tasks     *tasks.Registry
	Hub       *stream.Hub
	Downloads *downloads.Manager
	// Blob is nil when no bucket is configured.
	Blob BlobReader

	// Context outlives requests; background depth builds run under it.
	Context context.Context
}

func (d *Dependencies) ctx() context.Context {
	if d.Context != nil {
		return d.Context
	}
	return context.Background()
}

func (d *Dependencies) angleLimit() int {
	if d.Config.Atlas.AngleLimit > 0 {
		return d.Config.Atlas.AngleLimit
	}
	return atlascache.DefaultAngleLimit
}

// NewMux registers every route.
func NewMux(d *Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	api := renderer.ApplyMiddlewares

	mux.HandleFunc("/{$}", api(homeHandler(d)))
	mux.HandleFunc("/jobs", api(jobsPageHandler(d)))
	mux.Handle("/stream", d.Hub)
	mux.HandleFunc("/health", api(healthHandler(d)))

	mux.HandleFunc("/api/check-atlas-cache", api(checkAtlasCacheHandler(d)))
	mux.HandleFunc("/api/generate-gaze", api(generateGazeHandler(d)))
	mux.HandleFunc("/api/atlas-cache/{hash}", api(clearAtlasCacheHandler(d)))
	mux.HandleFunc("/api/atlas/jobs", api(createAtlasJobHandler(d)))

	mux.HandleFunc("/api/jobs", api(jobsListHandler(d)))
	mux.HandleFunc("/api/jobs/clear", api(clearNonRunningJobsHandler(d)))
	mux.HandleFunc("/api/jobs/{id}", api(jobHandler(d)))
	mux.HandleFunc("/api/jobs/{id}/cancel", api(cancelHandler(d)))
	mux.HandleFunc("/api/jobs/{id}/copy", api(copyHandler(d)))
	mux.HandleFunc("/api/tasks", api(tasksHandler(d)))

	mux.HandleFunc("/api/sessions", api(sessionsHandler(d)))
	mux.HandleFunc("/api/sessions/{id}", api(sessionHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/pointer", api(pointerHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/settings", api(settingsHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/depth", api(depthBuildHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/atlas", api(sessionAtlasHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/atlas/jobs", api(sessionAtlasJobHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/frame.webp", api(frameHandler(d)))
	mux.HandleFunc("/api/sessions/{id}/depth.png", api(depthImageHandler(d)))

	mux.HandleFunc("/api/config", api(configHandler(d)))
	mux.HandleFunc("/api/model", api(modelHandler(d)))
	mux.HandleFunc("/api/blob/{key...}", api(blobHandler(d)))
	mux.HandleFunc("/api/dependencies", api(dependenciesHandler(d)))
	mux.HandleFunc("/api/dependencies/download", api(downloadDependencyHandler(d)))
	mux.HandleFunc("/api/downloads", api(downloadsHandler(d)))
	return mux
}

// ValidationError is a malformed or out-of-range request. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// errorBody is the JSON shape of every API error.
type errorBody struct {
	Error        string `json:"error"`
	PredictionID string `json:"predictionId,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var ve *ValidationError
	var te *gaze.TimeoutError
	var ae *gaze.APIError
	var je *gaze.JobError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, atlascache.ErrInvalidRange),
		errors.Is(err, gaze.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &ae):
		if ae.StatusCode >= 400 && ae.StatusCode < 600 {
			return ae.StatusCode
		}
		return http.StatusBadGateway
	case errors.As(err, &je):
		return http.StatusBadGateway
	case errors.Is(err, viewer.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), PredictionID: gaze.JobID(err)}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "component", "server", "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("request rejected", "component", "server", "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "component", "server", "error", err)
	}
}

func readJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return invalid("bad json: %v", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func logCopyError(r *http.Request, err error) {
	slog.Warn("response copy failed", "component", "server", "path", r.URL.Path, "error", err)
}
