package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stevecastle/gazefield/deps"
	"github.com/stevecastle/gazefield/tasks"
)

type dependencyStatusInfo struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Description      string                `json:"description"`
	Status           deps.DependencyStatus `json:"status"`
	InstalledVersion string                `json:"installedVersion,omitempty"`
	LatestVersion    string                `json:"latestVersion"`
	Size             string                `json:"size"`
	TargetDir        string                `json:"targetDir"`
	Optional         bool                  `json:"optional"`
	JobID            string                `json:"jobId,omitempty"`
	MissingFiles     []string              `json:"missingFiles,omitempty"`
	Error            string                `json:"error,omitempty"`
}

func dependenciesHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		metadata := deps.GetMetadataStore()
		out := []dependencyStatusInfo{}
		for _, dep := range deps.GetAll() {
			info := dependencyStatusInfo{
				ID:            dep.ID,
				Name:          dep.Name,
				Description:   dep.Description,
				Status:        deps.StatusNotInstalled,
				LatestVersion: dep.LatestVersion,
				Size:          formatBytes(dep.ExpectedSize),
				TargetDir:     dep.TargetDir,
				Optional:      dep.Optional,
				JobID:         metadata.GetJobID(dep.ID),
			}
			if dep.Check == nil {
				out = append(out, info)
				continue
			}
			exists, version, err := dep.Check(r.Context())
			switch {
			case err != nil:
				info.Error = err.Error()
			case exists:
				info.Status = deps.StatusInstalled
				info.InstalledVersion = version
				info.MissingFiles = metadata.Missing(dep.ID)
				if dep.LatestVersion != "" && version != "" && version != "unknown" && version != dep.LatestVersion {
					info.Status = deps.StatusOutdated
				}
			}
			if metadata.GetStatus(dep.ID) == deps.StatusDownloading {
				info.Status = deps.StatusDownloading
			}
			out = append(out, info)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func downloadDependencyHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req struct {
			DependencyID string `json:"dependency_id"`
		}
		if err := readJSONBody(w, r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.DependencyID == "" {
			writeError(w, r, invalid("dependency_id is required"))
			return
		}
		if _, ok := deps.Get(req.DependencyID); !ok {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown dependency"})
			return
		}

		jobID, err := d.Queue.AddJob(tasks.DownloadDependencyCommand, req.DependencyID, nil)
		if err != nil {
			writeError(w, r, err)
			return
		}
		metadata := deps.GetMetadataStore()
		err = metadata.SetJobID(req.DependencyID, jobID)
		if err == nil {
			err = metadata.Save()
		}
		if err != nil {
			slog.Warn("failed to record dependency job", "component", "server", "dependency", req.DependencyID, "error", err)
		}

		writeJSON(w, http.StatusAccepted, map[string]string{
			"job_id":        jobID,
			"dependency_id": req.DependencyID,
		})
	}
}

func downloadsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if d.Downloads == nil {
			writeJSON(w, http.StatusOK, map[string]any{"dependencies": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, d.Downloads.GetProgress())
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
