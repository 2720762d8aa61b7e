package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/lox/forecastaccuracy/internal/models"
)

// StartJobRun appends a running entry to the job log and returns it.
func (s *Store) StartJobRun(ctx context.Context, job, scope string) (*models.JobRun, error) {
	run := &models.JobRun{
		ID:        uuid.NewString(),
		Job:       job,
		StartedAt: time.Now().UTC().Truncate(time.Second),
		Status:    models.JobRunning,
		Scope:     scope,
	}

	err := s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO job_runs (id, job, started_at, status, scope)
			VALUES (?, ?, ?, ?, ?)
		`, run.ID, run.Job, formatTime(run.StartedAt), run.Status, run.Scope)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteJobRun records the outcome of a run. A nil jobErr marks it successful.
func (s *Store) CompleteJobRun(ctx context.Context, run *models.JobRun, items int, jobErr error) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC().Truncate(time.Second), Valid: true}
	run.Items = items
	run.Status = models.JobSucceeded
	if jobErr != nil {
		run.Status = models.JobFailed
		run.Error = sql.NullString{String: jobErr.Error(), Valid: true}
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE job_runs SET
				finished_at = ?,
				status = ?,
				items = ?,
				error = ?
			WHERE id = ? AND started_at = ?
		`, formatTime(run.FinishedAt.Time), run.Status, run.Items, run.Error, run.ID, formatTime(run.StartedAt))
		return err
	})
}

// RecentJobRuns returns the newest runs first, optionally filtered by job name.
func (s *Store) RecentJobRuns(ctx context.Context, job string, limit int) ([]models.JobRun, error) {
	query := `SELECT id, job, started_at, finished_at, status, scope, items, error FROM job_runs`
	var args []any
	if job != "" {
		query += ` WHERE job = ?`
		args = append(args, job)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.JobRun
	for rows.Next() {
		var r models.JobRun
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Job, &started, &finished, &r.Status, &r.Scope, &r.Items, &r.Error); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
