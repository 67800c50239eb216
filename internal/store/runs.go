package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"file-batch-ingester/internal/models"
)

// ErrRunNotFound is returned when job_run has no matching row.
var ErrRunNotFound = errors.New("run not found")

// Runs persists one summary row per launched run.
type Runs struct {
	db *DB
}

// NewRuns builds a run history store over db.
func NewRuns(db *DB) *Runs {
	return &Runs{db: db}
}

// Start records a freshly launched run.
func (r *Runs) Start(ctx context.Context, run models.JobRun) error {
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO job_run (job_id, file_id, status, partitions, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO NOTHING
	`, run.JobID, run.FileID, run.Status, run.Partitions, run.StartedAt)
	if err != nil {
		return errors.Wrapf(err, "insert run %s", run.JobID)
	}
	return nil
}

// Finish stores the outcome and counts of a run.
func (r *Runs) Finish(ctx context.Context, run models.JobRun) error {
	var msg *string
	if run.ErrorMessage != nil {
		m := truncate(*run.ErrorMessage, MaxErrorMessage)
		msg = &m
	}
	_, err := r.db.pool.Exec(ctx, `
		UPDATE job_run
		SET status = $2, written = $3, skipped = $4, duplicates = $5, ended_at = $6, error_message = $7
		WHERE job_id = $1
	`, run.JobID, run.Status, run.Written, run.Skipped, run.Duplicates, run.EndedAt, msg)
	if err != nil {
		return errors.Wrapf(err, "finish run %s", run.JobID)
	}
	return nil
}

const runColumns = `job_id, file_id, status, partitions, written, skipped, duplicates, started_at, ended_at, error_message`

// Get returns one run by id.
func (r *Runs) Get(ctx context.Context, jobID string) (models.JobRun, error) {
	return r.one(ctx, `SELECT `+runColumns+` FROM job_run WHERE job_id = $1`, jobID)
}

// Last returns the most recently started run.
func (r *Runs) Last(ctx context.Context) (models.JobRun, error) {
	return r.one(ctx, `SELECT `+runColumns+` FROM job_run ORDER BY started_at DESC LIMIT 1`)
}

func (r *Runs) one(ctx context.Context, sql string, args ...any) (models.JobRun, error) {
	var run models.JobRun
	var ended pgtype.Timestamptz
	var msg pgtype.Text
	err := r.db.pool.QueryRow(ctx, sql, args...).Scan(
		&run.JobID, &run.FileID, &run.Status, &run.Partitions, &run.Written, &run.Skipped,
		&run.Duplicates, &run.StartedAt, &ended, &msg,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRun{}, ErrRunNotFound
	}
	if err != nil {
		return models.JobRun{}, errors.Wrap(err, "query run")
	}
	run.EndedAt = timePtr(ended)
	run.ErrorMessage = textPtr(msg)
	return run, nil
}
