package trigger

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/gate"
	"file-batch-ingester/internal/job"
	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/telemetry"
)

// Tracker is the file state the consumer consults and claims.
type Tracker interface {
	IsAlreadyProcessed(ctx context.Context, fileID string) (bool, error)
	MarkProcessingStarted(ctx context.Context, fileID, jobID string, recordCount int64) (bool, error)
	MarkFailed(ctx context.Context, fileID, message string) (bool, error)
}

// Launcher starts a run. On success it takes ownership of permit.
type Launcher interface {
	Launch(ctx context.Context, jobID string, msg models.TriggerMessage, permit gate.Permit) (*job.Run, error)
}

// Consumer enforces idempotency and the concurrency gate before launching a run.
type Consumer struct {
	tracker  Tracker
	gate     gate.Gate
	launcher Launcher
}

func NewConsumer(tracker Tracker, g gate.Gate, launcher Launcher) *Consumer {
	return &Consumer{tracker: tracker, gate: g, launcher: launcher}
}

// Handle processes one trigger. ack is called for duplicates and after a successful launch,
// never before. Any returned error means the message was not acknowledged.
func (c *Consumer) Handle(ctx context.Context, msg models.TriggerMessage, ack func() error) error {
	logger := log.WithField("fileId", msg.FileID)

	done, err := c.tracker.IsAlreadyProcessed(ctx, msg.FileID)
	if err != nil {
		return errors.WithMessage(err, "check file state")
	}
	if done {
		telemetry.TriggerDuplicate.Inc()
		logger.Info("file already processed, skipping duplicate trigger")
		return ack()
	}

	permit, ok, err := c.gate.TryAcquire(ctx)
	if err != nil {
		return errors.WithMessage(err, "acquire job slot")
	}
	if !ok {
		telemetry.TriggerBackpressure.Inc()
		logger.WithField("capacity", c.gate.Capacity()).Warn("all job slots taken, trigger will be redelivered")
		return ErrBackpressure
	}
	launched := false
	defer func() {
		if !launched {
			permit.Release()
		}
	}()

	jobID := job.NewJobID()
	claimed, err := c.tracker.MarkProcessingStarted(ctx, msg.FileID, jobID, msg.RecordCount)
	if err != nil {
		return errors.WithMessage(err, "mark processing started")
	}
	if !claimed {
		telemetry.TriggerDuplicate.Inc()
		logger.Info("file is already processing or completed, skipping trigger")
		return ack()
	}

	if _, err := c.launcher.Launch(ctx, jobID, msg, permit); err != nil {
		telemetry.TriggerLaunchFailed.Inc()
		if _, markErr := c.tracker.MarkFailed(ctx, msg.FileID, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("could not mark file failed after launch failure")
		}
		return errors.WithMessage(err, "launch job")
	}
	launched = true
	telemetry.TriggerLaunched.Inc()
	return ack()
}
