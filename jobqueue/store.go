package jobqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	command      TEXT NOT NULL,
	input        TEXT NOT NULL DEFAULT '',
	host         TEXT NOT NULL DEFAULT '',
	state        INTEGER NOT NULL,
	position     INTEGER NOT NULL DEFAULT -1,
	stdout       TEXT NOT NULL DEFAULT '[]',
	dependencies TEXT NOT NULL DEFAULT '[]',
	progress     TEXT NOT NULL DEFAULT '{}',
	result       TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	claimed_at   INTEGER NOT NULL DEFAULT 0,
	completed_at INTEGER NOT NULL DEFAULT 0,
	errored_at   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS jobs_position ON jobs(position);`

// Timestamps are stored as Unix milliseconds; 0 is the zero time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (q *Queue) createJobsTable() error {
	_, err := q.Db.Exec(jobsSchema)
	return err
}

func (q *Queue) positionLocked(id string) int {
	for i, jid := range q.JobOrder {
		if jid == id {
			return i
		}
	}
	return -1
}

func (q *Queue) saveJobToDB(job *Job) error {
	if q.Db == nil {
		return nil
	}
	stdout, err := json.Marshal(job.Stdout)
	if err != nil {
		return err
	}
	deps, err := json.Marshal(job.Dependencies)
	if err != nil {
		return err
	}
	progress, err := json.Marshal(job.Progress)
	if err != nil {
		return err
	}
	_, err = q.Db.Exec(`
		INSERT INTO jobs (id, command, input, host, state, position, stdout, dependencies,
			progress, result, created_at, claimed_at, completed_at, errored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			host = excluded.host, state = excluded.state, position = excluded.position,
			stdout = excluded.stdout, progress = excluded.progress, result = excluded.result,
			claimed_at = excluded.claimed_at, completed_at = excluded.completed_at,
			errored_at = excluded.errored_at`,
		job.ID, job.Command, job.Input, job.Host, int(job.State), q.positionLocked(job.ID),
		string(stdout), string(deps), string(progress), job.Result,
		toMillis(job.CreatedAt), toMillis(job.ClaimedAt), toMillis(job.CompletedAt), toMillis(job.ErroredAt))
	return err
}

// loadJobsFromDB restores persisted jobs in queue order. Jobs that were
// running when the process stopped go back to pending and are signalled.
func (q *Queue) loadJobsFromDB() error {
	if q.Db == nil {
		return nil
	}
	rows, err := q.Db.Query(`
		SELECT id, command, input, host, state, stdout, dependencies, progress, result,
			created_at, claimed_at, completed_at, errored_at
		FROM jobs ORDER BY position, created_at`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var resumed []string
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			q.log.Error("skipping unreadable job row", "error", err)
			continue
		}
		if job.Host == "" {
			job.Host = q.hostFor(job.Command)
		}
		if job.State == StateInProgress {
			job.State = StatePending
			job.ClaimedAt = time.Time{}
			resumed = append(resumed, job.ID)
		}
		job.Ctx, job.Cancel = context.WithCancel(context.Background())
		q.Jobs[job.ID] = job
		q.JobOrder = append(q.JobOrder, job.ID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(resumed) > 0 {
		q.log.Info("resumed interrupted jobs", "count", len(resumed), "ids", resumed)
		for _, id := range resumed {
			select {
			case q.Signal <- id:
			default:
			}
		}
	}
	return nil
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var (
		job                          Job
		state                        int
		stdout, deps, progress       string
		created, claimed, done, errd int64
	)
	if err := rows.Scan(&job.ID, &job.Command, &job.Input, &job.Host, &state,
		&stdout, &deps, &progress, &job.Result,
		&created, &claimed, &done, &errd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(stdout), &job.Stdout); err != nil {
		return nil, fmt.Errorf("job %s stdout: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(deps), &job.Dependencies); err != nil {
		return nil, fmt.Errorf("job %s dependencies: %w", job.ID, err)
	}
	_ = json.Unmarshal([]byte(progress), &job.Progress)
	job.State = JobState(state)
	job.CreatedAt = fromMillis(created)
	job.ClaimedAt = fromMillis(claimed)
	job.CompletedAt = fromMillis(done)
	job.ErroredAt = fromMillis(errd)
	return &job, nil
}

func (q *Queue) removeJobFromDB(jobID string) error {
	if q.Db == nil {
		return nil
	}
	_, err := q.Db.Exec("DELETE FROM jobs WHERE id = ?", jobID)
	return err
}
