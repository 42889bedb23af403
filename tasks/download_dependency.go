package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/stevecastle/gazefield/deps"
	"github.com/stevecastle/gazefield/downloads"
	"github.com/stevecastle/gazefield/jobqueue"
)

// DownloadDependencyCommand fetches a registered dependency; the job input is its ID.
const DownloadDependencyCommand = "download-dependency"

// RegisterDownloadDependency binds download-dependency to manager.
func RegisterDownloadDependency(r *Registry, manager *downloads.Manager) {
	r.Register(DownloadDependencyCommand, "Download Dependency", func(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue) error {
		return downloadDependency(ctx, j, q, manager)
	})
}

func downloadDependency(ctx context.Context, j *jobqueue.Job, q *jobqueue.Queue, manager *downloads.Manager) error {
	depID := strings.TrimSpace(j.Input)
	q.PushJobStdout(j.ID, fmt.Sprintf("Downloading dependency: %s", depID))

	dep, ok := deps.Get(depID)
	if !ok {
		return fmt.Errorf("unknown dependency: %s", depID)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Dependency: %s (%s)", dep.Name, dep.Description))

	store := deps.GetMetadataStore()
	store.SetJobID(depID, j.ID)

	// Byte progress arrives every 100ms; only status changes go to stdout.
	var lastStatus downloads.Status
	observe := func(p downloads.Progress) {
		if p.Status == lastStatus && p.Status == downloads.StatusDownloading && p.Total > 0 {
			return
		}
		lastStatus = p.Status
		if p.Message != "" {
			q.PushJobStdout(j.ID, p.Message)
		}
	}

	if err := deps.Install(ctx, manager, depID, observe); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	q.PushJobStdout(j.ID, fmt.Sprintf("Successfully downloaded %s", dep.Name))
	return nil
}
