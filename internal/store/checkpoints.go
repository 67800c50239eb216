package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"file-batch-ingester/internal/models"
)

func upsertCheckpoint(ctx context.Context, tx pgx.Tx, chunk models.Chunk) error {
	p := chunk.Partition
	_, err := tx.Exec(ctx, `
		INSERT INTO partition_checkpoint (file_id, partition_idx, start_line, line_count, lines_done, job_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (file_id, partition_idx) DO UPDATE
		SET start_line = EXCLUDED.start_line,
		    line_count = EXCLUDED.line_count,
		    lines_done = EXCLUDED.lines_done,
		    job_id = EXCLUDED.job_id,
		    updated_at = NOW()
	`, chunk.FileID, p.Index, p.StartLine, p.LineCount, chunk.LinesDone, chunk.JobID)
	if err != nil {
		return errors.Wrapf(err, "upsert checkpoint %s/%d", chunk.FileID, p.Index)
	}
	return nil
}

// Checkpoints reads committed progress for a file keyed by partition index.
type Checkpoints struct {
	db *DB
}

// NewCheckpoints builds a checkpoint reader over db.
func NewCheckpoints(db *DB) *Checkpoints {
	return &Checkpoints{db: db}
}

// Load returns the checkpoint for one partition, or false when none was committed.
func (c *Checkpoints) Load(ctx context.Context, fileID string, partition int) (models.Checkpoint, bool, error) {
	cp := models.Checkpoint{FileID: fileID, Partition: partition}
	err := c.db.pool.QueryRow(ctx, `
		SELECT start_line, line_count, lines_done FROM partition_checkpoint
		WHERE file_id = $1 AND partition_idx = $2
	`, fileID, partition).Scan(&cp.StartLine, &cp.LineCount, &cp.LinesDone)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Checkpoint{}, false, nil
	}
	if err != nil {
		return models.Checkpoint{}, false, errors.Wrapf(err, "load checkpoint %s/%d", fileID, partition)
	}
	return cp, true, nil
}

// Clear removes every checkpoint of a file.
func (c *Checkpoints) Clear(ctx context.Context, fileID string) error {
	if _, err := c.db.pool.Exec(ctx, `DELETE FROM partition_checkpoint WHERE file_id = $1`, fileID); err != nil {
		return errors.Wrapf(err, "clear checkpoints %s", fileID)
	}
	return nil
}
