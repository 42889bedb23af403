// Package renderer holds the embedded HTML pages and the HTTP middleware
// shared by every route.
package renderer

import (
	"bytes"
	"embed"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
)

//go:embed templates/*.go.html
var templatesFS embed.FS

var (
	templates *template.Template
	once      sync.Once
)

var funcs = template.FuncMap{
	"formatTime": func(t time.Time) string { return t.Format("Jan 2, 2006 15:04:05") },
	"json": func(v any) (template.JS, error) {
		b, err := json.Marshal(v)
		return template.JS(b), err
	},
}

// Templates returns the parsed pages. A parse failure is a build defect, so
// it panics.
func Templates() *template.Template {
	once.Do(func() {
		templates = template.Must(template.New("").Funcs(funcs).ParseFS(templatesFS, "templates/*.go.html"))
	})
	return templates
}

// Page renders template name into a buffer first so a failed execution
// yields a clean 500 instead of half a page.
func Page(w http.ResponseWriter, r *http.Request, name string, data any) {
	var buf bytes.Buffer
	if err := Templates().ExecuteTemplate(&buf, name, data); err != nil {
		slog.Error("render page", "component", "http", "template", name, "request", RequestID(r), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	buf.WriteTo(w)
}

// RequestIDHeader carries the ID Logger assigns to every request.
const RequestIDHeader = "X-Request-ID"

// RequestID returns the request's ID, or "" outside Logger.
func RequestID(r *http.Request) string {
	return r.Header.Get(RequestIDHeader)
}

// statusRecorder remembers the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps SSE and chunked responses working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Logger tags the request with an ID and writes one access log line. Server
// errors log at Warn, everything else at Debug.
func Logger(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "http request", "component", "http", "request", id,
			"method", r.Method, "path", r.URL.Path, "status", rec.status,
			"bytes", rec.bytes, "duration", time.Since(start))
	}
}

// Recover turns a handler panic into a 500 and logs the stack.
func Recover(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			slog.Error("handler panic", "component", "http", "request", RequestID(r),
				"path", r.URL.Path, "panic", v, "stack", string(debug.Stack()))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	}
}

var corsHeaders = [][2]string{
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE"},
	{"Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, " + RequestIDHeader},
	{"Access-Control-Expose-Headers", "Content-Length, X-Frame-Segments, X-Frame-FPS, " + RequestIDHeader},
}

// CORS lets the viewer be embedded from any origin and answers preflights.
func CORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range corsHeaders {
			h.Set(kv[0], kv[1])
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	}
}

// ApplyMiddlewares wraps handler with request logging, panic recovery and CORS.
func ApplyMiddlewares(handler http.HandlerFunc) http.HandlerFunc {
	return Logger(Recover(CORS(handler)))
}
