package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"

	"file-batch-ingester/internal/models"
)

// ErrFileNotFound is returned when job_file_log has no row for a file.
var ErrFileNotFound = errors.New("file not found")

// MaxErrorMessage bounds error_message to the column width.
const MaxErrorMessage = 2000

// FileLog persists per-file processing state in job_file_log. Each call runs in its own
// transaction on the pool, independent of any caller transaction.
type FileLog struct {
	db *DB
}

// NewFileLog builds a FileLog over db.
func NewFileLog(db *DB) *FileLog {
	return &FileLog{db: db}
}

const fileStateColumns = `file_id, status, job_execution_id, started_at, completed_at, record_count, error_message`

// Get returns the state of fileID or ErrFileNotFound.
func (f *FileLog) Get(ctx context.Context, fileID string) (models.FileProcessingState, error) {
	row := f.db.pool.QueryRow(ctx, `SELECT `+fileStateColumns+` FROM job_file_log WHERE file_id = $1`, fileID)
	st, err := scanFileState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.FileProcessingState{}, ErrFileNotFound
	}
	if err != nil {
		return models.FileProcessingState{}, errors.Wrapf(err, "query file state %s", fileID)
	}
	return st, nil
}

// IsCompleted reports whether fileID reached the terminal COMPLETED state.
func (f *FileLog) IsCompleted(ctx context.Context, fileID string) (bool, error) {
	var done bool
	err := f.db.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_file_log WHERE file_id = $1 AND status = $2)
	`, fileID, models.StatusCompleted).Scan(&done)
	if err != nil {
		return false, errors.Wrapf(err, "check completed %s", fileID)
	}
	return done, nil
}

// MarkProcessingStarted inserts a PROCESSING row, or resets a FAILED row to PROCESSING, in a
// single statement. It returns false when the row exists in any other state.
func (f *FileLog) MarkProcessingStarted(ctx context.Context, fileID, jobID string, recordCount int64) (bool, error) {
	tag, err := f.db.pool.Exec(ctx, `
		INSERT INTO job_file_log (file_id, status, job_execution_id, started_at, completed_at, record_count, error_message)
		VALUES ($1, $2, $3, NOW(), NULL, $4, NULL)
		ON CONFLICT (file_id) DO UPDATE
		SET status = EXCLUDED.status,
		    job_execution_id = EXCLUDED.job_execution_id,
		    started_at = EXCLUDED.started_at,
		    completed_at = NULL,
		    record_count = EXCLUDED.record_count,
		    error_message = NULL
		WHERE job_file_log.status = $5
	`, fileID, models.StatusProcessing, jobID, recordCount, models.StatusFailed)
	if err != nil {
		return false, errors.Wrapf(err, "mark processing %s", fileID)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted moves a PROCESSING row to COMPLETED and replaces record_count with the number of
// records the run wrote.
func (f *FileLog) MarkCompleted(ctx context.Context, fileID string, written int64) (bool, error) {
	tag, err := f.db.pool.Exec(ctx, `
		UPDATE job_file_log SET status = $2, completed_at = NOW(), error_message = NULL, record_count = $4
		WHERE file_id = $1 AND status = $3
	`, fileID, models.StatusCompleted, models.StatusProcessing, written)
	if err != nil {
		return false, errors.Wrapf(err, "mark completed %s", fileID)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a PROCESSING row to FAILED with a bounded error message.
func (f *FileLog) MarkFailed(ctx context.Context, fileID, message string) (bool, error) {
	tag, err := f.db.pool.Exec(ctx, `
		UPDATE job_file_log SET status = $2, completed_at = NOW(), error_message = $3
		WHERE file_id = $1 AND status = $4
	`, fileID, models.StatusFailed, truncate(message, MaxErrorMessage), models.StatusProcessing)
	if err != nil {
		return false, errors.Wrapf(err, "mark failed %s", fileID)
	}
	return tag.RowsAffected() == 1, nil
}

// FailStale moves rows stuck in PROCESSING since before cutoff to FAILED and returns their ids.
func (f *FileLog) FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	rows, err := f.db.pool.Query(ctx, `
		UPDATE job_file_log SET status = $1, completed_at = NOW(), error_message = $2
		WHERE status = $3 AND started_at < $4
		RETURNING file_id
	`, models.StatusFailed, truncate(message, MaxErrorMessage), models.StatusProcessing, cutoff)
	if err != nil {
		return nil, errors.Wrap(err, "fail stale files")
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "collect stale files")
	}
	return ids, nil
}

// List returns the most recently started files, optionally filtered by status.
func (f *FileLog) List(ctx context.Context, status string, limit int) ([]models.FileProcessingState, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := f.db.pool.Query(ctx, `
		SELECT `+fileStateColumns+` FROM job_file_log
		WHERE ($1 = '' OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list files")
	}
	defer rows.Close()

	var out []models.FileProcessingState
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan file state")
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanFileState(row pgx.Row) (models.FileProcessingState, error) {
	var st models.FileProcessingState
	var jobID, errMsg pgtype.Text
	var completed pgtype.Timestamptz
	if err := row.Scan(&st.FileID, &st.Status, &jobID, &st.StartedAt, &completed, &st.RecordCount, &errMsg); err != nil {
		return models.FileProcessingState{}, err
	}
	st.JobExecutionID = textPtr(jobID)
	st.CompletedAt = timePtr(completed)
	st.ErrorMessage = textPtr(errMsg)
	return st, nil
}
