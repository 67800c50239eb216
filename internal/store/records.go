package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/telemetry"
)

var recordColumns = []string{
	"external_id", "name", "value", "category", "event_ts",
	"record_hash", "job_id", "partition_idx", "created_at", "status",
}

const insertRecordSQL = `
	INSERT INTO batch_records (external_id, name, value, category, event_ts, record_hash, job_id, partition_idx, created_at, status)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (record_hash) DO NOTHING
`

// RecordWriter stores chunks into batch_records. Each chunk and its partition checkpoint commit
// in one transaction.
type RecordWriter struct {
	db *DB
}

// NewRecordWriter builds a writer over db.
func NewRecordWriter(db *DB) *RecordWriter {
	return &RecordWriter{db: db}
}

// Write bulk-inserts the chunk. When the bulk insert hits an existing record_hash the chunk is
// re-inserted record by record and conflicting rows are counted as duplicates. Any other error
// fails the whole chunk.
func (w *RecordWriter) Write(ctx context.Context, chunk models.Chunk) (models.WriteResult, error) {
	start := time.Now()
	defer func() {
		telemetry.WriteDuration.Observe(time.Since(start).Seconds())
	}()

	var res models.WriteResult
	err := w.db.WithTx(ctx, func(tx pgx.Tx) error {
		res = models.WriteResult{}
		if len(chunk.Records) > 0 {
			r, err := insertChunk(ctx, tx, chunk.Records)
			if err != nil {
				return err
			}
			res = r
		}
		return upsertCheckpoint(ctx, tx, chunk)
	})
	if err != nil {
		return models.WriteResult{}, err
	}

	telemetry.RecordsWritten.Add(float64(res.Written))
	if res.Fallback {
		telemetry.RecordsUpsertFallback.Add(float64(len(chunk.Records)))
	}
	if res.Duplicates > 0 {
		telemetry.RecordsSkippedDuplicate.Add(float64(res.Duplicates))
	}
	return res, nil
}

func insertChunk(ctx context.Context, tx pgx.Tx, records []models.EnrichedRecord) (models.WriteResult, error) {
	now := time.Now().UTC()

	// The savepoint keeps the outer transaction usable after a failed COPY.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return models.WriteResult{}, errors.Wrap(err, "begin savepoint")
	}
	n, err := sp.CopyFrom(ctx, pgx.Identifier{"batch_records"}, recordColumns,
		pgx.CopyFromSlice(len(records), func(i int) ([]any, error) {
			return recordArgs(records[i], now), nil
		}))
	if err == nil {
		if err := sp.Commit(ctx); err != nil {
			return models.WriteResult{}, errors.Wrap(err, "release savepoint")
		}
		return models.WriteResult{Written: n}, nil
	}
	if rbErr := sp.Rollback(ctx); rbErr != nil {
		return models.WriteResult{}, errors.Wrap(rbErr, "rollback savepoint")
	}
	if !IsUniqueViolation(err) {
		return models.WriteResult{}, errors.Wrap(err, "bulk insert")
	}

	log.WithField("records", len(records)).Warn("duplicate record_hash in chunk, falling back to per-record insert")
	res := models.WriteResult{Fallback: true}
	for _, r := range records {
		tag, err := tx.Exec(ctx, insertRecordSQL, recordArgs(r, now)...)
		if err != nil {
			return models.WriteResult{}, errors.Wrapf(err, "insert record line=%d hash=%s", r.Line, r.RecordHash)
		}
		if tag.RowsAffected() == 0 {
			log.WithField("recordHash", r.RecordHash).Debug("skipping duplicate record")
			res.Duplicates++
			continue
		}
		res.Written++
	}
	return res, nil
}

func recordArgs(r models.EnrichedRecord, createdAt time.Time) []any {
	var value pgtype.Numeric
	if r.Value != nil {
		value = pgtype.Numeric{Int: r.Value.Coefficient(), Exp: r.Value.Exponent(), Valid: true}
	}
	var eventTs pgtype.Timestamptz
	if r.EventTs != nil {
		eventTs = pgtype.Timestamptz{Time: *r.EventTs, Valid: true}
	}
	var externalID pgtype.Text
	if r.ExternalID != "" {
		externalID = pgtype.Text{String: r.ExternalID, Valid: true}
	}
	return []any{
		externalID, r.Name, value, r.Category, eventTs,
		r.RecordHash, r.JobID, int32(r.PartitionIndex), createdAt, r.Status,
	}
}
