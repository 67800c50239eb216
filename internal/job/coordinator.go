package job

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/source"
	"file-batch-ingester/internal/telemetry"
	"file-batch-ingester/internal/worker"
)

// Tracker finalizes file state.
type Tracker interface {
	MarkCompleted(ctx context.Context, fileID string, written int64) (bool, error)
	MarkFailed(ctx context.Context, fileID, message string) (bool, error)
}

// RunStore keeps run history.
type RunStore interface {
	Start(ctx context.Context, run models.JobRun) error
	Finish(ctx context.Context, run models.JobRun) error
}

// CheckpointStore reads and clears partition progress.
type CheckpointStore interface {
	Load(ctx context.Context, fileID string, partition int) (models.Checkpoint, bool, error)
	Clear(ctx context.Context, fileID string) error
}

// Coordinator closes out a launched run exactly once, whatever its outcome.
type Coordinator struct {
	tracker         Tracker
	runs            RunStore
	checkpoints     CheckpointStore
	errorMessageMax int
	finalizeTimeout time.Duration
}

func NewCoordinator(tracker Tracker, runs RunStore, checkpoints CheckpointStore, errorMessageMax int) *Coordinator {
	if errorMessageMax <= 0 {
		errorMessageMax = 2000
	}
	return &Coordinator{
		tracker:         tracker,
		runs:            runs,
		checkpoints:     checkpoints,
		errorMessageMax: errorMessageMax,
		finalizeTimeout: 30 * time.Second,
	}
}

// Outcome is what a run produced before it was finalized.
type Outcome struct {
	Results []worker.PartitionResult
	// Err is a run-level failure outside any partition, such as an unreadable source.
	Err    error
	Source source.File
}

// Complete applies the terminal file transition, records the run, releases the spooled source
// and releases the run's gate permit. The permit is released even if finalization fails or panics.
func (c *Coordinator) Complete(r *Run, out Outcome) models.JobRun {
	defer r.Permit.Release()

	ctx, cancel := context.WithTimeout(context.Background(), c.finalizeTimeout)
	defer cancel()

	logger := log.WithFields(log.Fields{"fileId": r.Trigger.FileID, "jobId": r.JobID})
	summary := models.JobRun{
		JobID:      r.JobID,
		FileID:     r.Trigger.FileID,
		Partitions: len(r.Partitions),
		StartedAt:  r.StartedAt,
	}

	var merr *multierror.Error
	if out.Err != nil {
		merr = multierror.Append(merr, out.Err)
	}
	for _, res := range out.Results {
		summary.Written += res.Written
		summary.Skipped += res.Skipped
		summary.Duplicates += res.Duplicates
		if res.Err != nil {
			merr = multierror.Append(merr, errors.WithMessagef(res.Err, "partition %d", res.Partition))
		}
	}
	runErr := merr.ErrorOrNil()

	// stateLost is set when the file row left PROCESSING while the run was going, e.g. reclaimed
	// as stale. Its state and checkpoints are then left for the redrive.
	stateLost := false
	if runErr == nil {
		ok, err := c.tracker.MarkCompleted(ctx, r.Trigger.FileID, summary.Written)
		switch {
		case err != nil:
			logger.WithError(err).Error("could not mark file completed")
			runErr = errors.WithMessage(err, "mark completed")
		case !ok:
			logger.Warn("file was no longer PROCESSING, leaving its state and checkpoints untouched")
			stateLost = true
			runErr = errors.New("file left PROCESSING before the run finished")
		}
	}

	if runErr == nil {
		summary.Status = models.StatusCompleted
		if err := c.checkpoints.Clear(ctx, r.Trigger.FileID); err != nil {
			logger.WithError(err).Warn("could not clear checkpoints")
		}
		telemetry.JobCompleted.Inc()
	} else {
		summary.Status = models.StatusFailed
		msg := truncate(runErr.Error(), c.errorMessageMax)
		summary.ErrorMessage = &msg
		if !stateLost {
			if _, err := c.tracker.MarkFailed(ctx, r.Trigger.FileID, msg); err != nil {
				logger.WithError(err).Error("could not mark file failed")
			}
		}
		telemetry.JobFailed.Inc()
	}

	ended := time.Now()
	summary.EndedAt = &ended
	if err := c.runs.Finish(ctx, summary); err != nil {
		logger.WithError(err).Warn("could not record run outcome")
	}
	if err := out.Source.Release(); err != nil {
		logger.WithError(err).Warn("could not remove spooled source")
	}
	duration := ended.Sub(r.StartedAt)
	telemetry.JobDuration.Observe(duration.Seconds())

	entry := logger.WithFields(log.Fields{
		"status":     summary.Status,
		"written":    summary.Written,
		"skipped":    summary.Skipped,
		"duplicates": summary.Duplicates,
		"duration":   duration.String(),
	})
	if runErr != nil {
		entry.WithError(runErr).Error("job failed")
	} else {
		entry.Info("job completed")
	}
	return summary
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
