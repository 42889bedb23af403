package jobqueue

import "testing"

func setupTestQueue(t *testing.T) *Queue {
	q := NewQueueWithDB(openDB(t))
	q.SetCommandHost("atlas-generate", "api.replicate.com")
	return q
}

func TestHostAssignment(t *testing.T) {
	q := setupTestQueue(t)

	id1, _ := q.AddJob("atlas-generate", "{}", nil)
	if h := q.GetJob(id1).Host; h != "api.replicate.com" {
		t.Errorf("Job host = %q; want api.replicate.com", h)
	}
	id2, _ := q.AddJob("depth-map", "{}", nil)
	if h := q.GetJob(id2).Host; h != LocalHost {
		t.Errorf("Job host = %q; want %q", h, LocalHost)
	}
}

func TestConcurrencyLimits(t *testing.T) {
	q := setupTestQueue(t)

	a1, _ := q.AddJob("atlas-generate", "1", nil)
	a2, _ := q.AddJob("atlas-generate", "2", nil)
	l1, _ := q.AddJob("depth-map", "3", nil)

	job, _ := q.ClaimJob()
	if job == nil || job.ID != a1 {
		t.Fatalf("Expected %s, got %v", a1, job)
	}
	// a2 shares the generation host, so the local job goes next.
	job, _ = q.ClaimJob()
	if job == nil || job.ID != l1 {
		t.Fatalf("Expected %s (localhost), got %v", l1, job)
	}
	if job, _ = q.ClaimJob(); job != nil {
		t.Errorf("Expected nil (a2 blocked), got job %s", job.ID)
	}

	q.CompleteJob(a1)
	job, _ = q.ClaimJob()
	if job == nil || job.ID != a2 {
		t.Errorf("Expected %s, got %v", a2, job)
	}
}

func TestRaisedHostLimit(t *testing.T) {
	q := setupTestQueue(t)
	q.SetHostLimit(LocalHost, 2)
	q.AddJob("depth-map", "1", nil)
	q.AddJob("depth-map", "2", nil)
	q.AddJob("depth-map", "3", nil)

	claimed := 0
	for {
		job, _ := q.ClaimJob()
		if job == nil {
			break
		}
		claimed++
	}
	if claimed != 2 {
		t.Errorf("claimed %d; want 2", claimed)
	}
}

func TestReleasesSlot(t *testing.T) {
	release := map[string]func(q *Queue, id string){
		"error":  func(q *Queue, id string) { q.ErrorJob(id) },
		"cancel": func(q *Queue, id string) { q.CancelJob(id) },
		"remove": func(q *Queue, id string) { q.RemoveJob(id) },
	}
	for name, fn := range release {
		t.Run(name, func(t *testing.T) {
			q := setupTestQueue(t)
			id1, _ := q.AddJob("atlas-generate", "1", nil)
			id2, _ := q.AddJob("atlas-generate", "2", nil)

			if job, _ := q.ClaimJob(); job == nil || job.ID != id1 {
				t.Fatal("Expected 1")
			}
			fn(q, id1)
			if job, _ := q.ClaimJob(); job == nil || job.ID != id2 {
				t.Errorf("Expected 2, got %v", job)
			}
		})
	}
}
