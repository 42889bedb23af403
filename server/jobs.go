package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/stevecastle/gazefield/appconfig"
	"github.com/stevecastle/gazefield/deps"
	"github.com/stevecastle/gazefield/jobqueue"
	"github.com/stevecastle/gazefield/renderer"
)

// viewerPageData feeds the viewer template and its embedded JS config.
type viewerPageData struct {
	YawRange        float64 `json:"yawRange"`
	PitchRange      float64 `json:"pitchRange"`
	DeadZonePercent float64 `json:"deadZonePercent"`
	AtlasMin        int     `json:"atlasMin"`
	AtlasMax        int     `json:"atlasMax"`
	AtlasStep       int     `json:"atlasStep"`
}

func newViewerPageData(cfg appconfig.Config) viewerPageData {
	return viewerPageData{
		YawRange:        cfg.Viewer.YawRange,
		PitchRange:      cfg.Viewer.PitchRange,
		DeadZonePercent: cfg.Viewer.DeadZone * 100,
		AtlasMin:        cfg.Atlas.Min,
		AtlasMax:        cfg.Atlas.Max,
		AtlasStep:       cfg.Atlas.Step,
	}
}

func homeHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		renderer.Page(w, r, "viewer", newViewerPageData(d.Config))
	}
}

type jobsPageData struct {
	Jobs []jobqueue.Job
}

func jobsPageHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		renderer.Page(w, r, "jobs", jobsPageData{Jobs: d.Queue.GetJobs()})
	}
}

func jobsListHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, d.Queue.GetJobs())
	}
}

func jobHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		switch r.Method {
		case http.MethodGet:
			job, ok := d.Queue.Snapshot(id)
			if !ok {
				writeJSON(w, http.StatusNotFound, errorBody{Error: "job not found"})
				return
			}
			writeJSON(w, http.StatusOK, job)
		case http.MethodDelete:
			if err := d.Queue.RemoveJob(id); err != nil {
				writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"message": "Job removed successfully"})
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodDelete)
		}
	}
}

func cancelHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := d.Queue.CancelJob(r.PathValue("id")); err != nil {
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Job cancelled successfully"})
	}
}

func copyHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		newID, err := d.Queue.CopyJob(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": newID, "message": "Job copied successfully"})
	}
}

func clearNonRunningJobsHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		clearedCount, err := d.Queue.ClearNonRunningJobs()
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cleared_count": clearedCount,
			"message":       fmt.Sprintf("Cleared %d non-running jobs", clearedCount),
		})
	}
}

func tasksHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		type taskInfo struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		var out []taskInfo
		for _, t := range d.Tasks.List() {
			out = append(out, taskInfo{ID: t.ID, Name: t.Name})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// healthHandler reports stream, queue and session statistics along with
// any required dependency that is not installed.
func healthHandler(d *Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		jobStats := map[string]int{
			"total":       0,
			"pending":     0,
			"in_progress": 0,
			"completed":   0,
			"cancelled":   0,
			"error":       0,
		}
		for _, job := range d.Queue.GetJobs() {
			jobStats["total"]++
			switch job.State {
			case jobqueue.StatePending:
				jobStats["pending"]++
			case jobqueue.StateInProgress:
				jobStats["in_progress"]++
			case jobqueue.StateCompleted:
				jobStats["completed"]++
			case jobqueue.StateCancelled:
				jobStats["cancelled"]++
			case jobqueue.StateError:
				jobStats["error"]++
			}
		}
		missing := []string{}
		for _, dep := range deps.GetMissingRequired(r.Context()) {
			missing = append(missing, dep.ID)
		}
		health := map[string]any{
			"status":              "healthy",
			"timestamp":           time.Now().Unix(),
			"instanceId":          d.Config.InstanceID,
			"jobs":                jobStats,
			"sessions":            d.Sessions.Len(),
			"missingDependencies": missing,
		}
		if d.Hub != nil {
			health["stream"] = d.Hub.Stats()
		}
		writeJSON(w, http.StatusOK, health)
	}
}
