// Package idempotency guards each file with the PROCESSING, COMPLETED, FAILED state machine.
package idempotency

import (
	"context"

	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/models"
)

// StateStore is the durable per-file state. Every method commits on its own.
type StateStore interface {
	Get(ctx context.Context, fileID string) (models.FileProcessingState, error)
	IsCompleted(ctx context.Context, fileID string) (bool, error)
	MarkProcessingStarted(ctx context.Context, fileID, jobID string, recordCount int64) (bool, error)
	MarkCompleted(ctx context.Context, fileID string, written int64) (bool, error)
	MarkFailed(ctx context.Context, fileID, message string) (bool, error)
}

// CompletedCache short-circuits lookups for files already completed.
type CompletedCache interface {
	IsCompleted(ctx context.Context, fileID string) (bool, error)
	MarkCompleted(ctx context.Context, fileID string) error
}

// Tracker is the only writer of file state.
type Tracker struct {
	store StateStore
	cache CompletedCache
}

// NewTracker builds a tracker. cache may be nil.
func NewTracker(store StateStore, cache CompletedCache) *Tracker {
	return &Tracker{store: store, cache: cache}
}

// IsAlreadyProcessed reports whether fileID is COMPLETED. Cache failures fall back to the store.
func (t *Tracker) IsAlreadyProcessed(ctx context.Context, fileID string) (bool, error) {
	if t.cache != nil {
		hit, err := t.cache.IsCompleted(ctx, fileID)
		if err != nil {
			log.WithError(err).WithField("fileId", fileID).Warn("completed cache unavailable, checking database")
		} else if hit {
			return true, nil
		}
	}
	done, err := t.store.IsCompleted(ctx, fileID)
	if err != nil {
		return false, err
	}
	if done {
		t.warm(ctx, fileID)
	}
	return done, nil
}

// MarkProcessingStarted claims fileID for jobID. It reports false when the file is already
// PROCESSING or COMPLETED and the caller must not start a run.
func (t *Tracker) MarkProcessingStarted(ctx context.Context, fileID, jobID string, recordCount int64) (bool, error) {
	return t.store.MarkProcessingStarted(ctx, fileID, jobID, recordCount)
}

// MarkCompleted finalizes a PROCESSING file with the number of records written. A file in any
// other state is left unchanged.
func (t *Tracker) MarkCompleted(ctx context.Context, fileID string, written int64) (bool, error) {
	ok, err := t.store.MarkCompleted(ctx, fileID, written)
	if err != nil {
		return false, err
	}
	if ok {
		t.warm(ctx, fileID)
	}
	return ok, nil
}

// MarkFailed fails a PROCESSING file with message, truncated to the column width.
func (t *Tracker) MarkFailed(ctx context.Context, fileID, message string) (bool, error) {
	return t.store.MarkFailed(ctx, fileID, message)
}

// State returns the stored state of fileID.
func (t *Tracker) State(ctx context.Context, fileID string) (models.FileProcessingState, error) {
	return t.store.Get(ctx, fileID)
}

func (t *Tracker) warm(ctx context.Context, fileID string) {
	if t.cache == nil {
		return
	}
	if err := t.cache.MarkCompleted(ctx, fileID); err != nil {
		log.WithError(err).WithField("fileId", fileID).Warn("could not cache completed file")
	}
}
