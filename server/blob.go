package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/stevecastle/gazefield/blobstore"
	"github.com/stevecastle/gazefield/deps"
)

// modelHandler serves the depth model, from blob storage when configured and
// otherwise from the local install.
func modelHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		if d.Blob != nil && d.Config.Blob.ModelKey != "" {
			err := serveBlob(w, r, d.Blob, d.Config.Blob.ModelKey, "application/octet-stream")
			if err == nil {
				return
			}
			if !errors.Is(err, blobstore.ErrNotFound) {
				writeError(w, r, err)
				return
			}
		}

		path := d.Config.DepthModel.ModelPath
		if p, err := deps.GetFilePath(deps.DepthModelID, deps.DefaultModelFile); err == nil {
			if _, statErr := os.Stat(p); statErr == nil {
				path = p
			}
		}
		if path == "" {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "model not found"})
			return
		}
		if _, err := os.Stat(path); err != nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "model not found"})
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		http.ServeFile(w, r, path)
	}
}

// blobHandler serves mirrored atlas images.
func blobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			methodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		if d.Blob == nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "blob storage not configured"})
			return
		}
		if err := serveBlob(w, r, d.Blob, r.PathValue("key"), ""); err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, errorBody{Error: "not found"})
				return
			}
			writeError(w, r, err)
		}
	}
}

// serveBlob copies key to w. Nothing is written when an error is returned.
func serveBlob(w http.ResponseWriter, r *http.Request, blob BlobReader, key, contentType string) error {
	body, size, ct, err := blob.Get(r.Context(), key)
	if err != nil {
		return err
	}
	defer body.Close()
	if contentType == "" {
		contentType = ct
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; all that is left is to log.
		logCopyError(r, fmt.Errorf("stream %s: %w", key, err))
	}
	return nil
}
