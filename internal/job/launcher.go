// Package job launches ingestion runs and closes them out.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/gate"
	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/partition"
	"file-batch-ingester/internal/source"
	"file-batch-ingester/internal/worker"
)

// ErrShuttingDown is returned by Launch once Close was called.
var ErrShuttingDown = errors.New("launcher is shutting down")

// Resolver makes a trigger's file readable locally.
type Resolver interface {
	Resolve(ctx context.Context, filePath string) (source.File, error)
}

// PartitionRunner processes one partition.
type PartitionRunner interface {
	RunPartition(ctx context.Context, fileID, jobID string, part models.PartitionDescriptor, linesDone int64) worker.PartitionResult
}

// Submitter schedules partition work, running it on the caller when saturated.
type Submitter interface {
	Submit(task func()) (bool, error)
}

// Run is one launched ingestion of a file.
type Run struct {
	JobID      string
	Trigger    models.TriggerMessage
	Partitions []models.PartitionDescriptor
	Permit     gate.Permit
	StartedAt  time.Time
}

// Launcher starts runs. Launch returns once the run is started; partitions are processed in the
// background and the Coordinator finalizes each run.
type Launcher struct {
	ctx         context.Context
	gridSize    int
	resolver    Resolver
	runner      PartitionRunner
	pool        Submitter
	runs        RunStore
	checkpoints CheckpointStore
	coordinator *Coordinator

	mu      sync.Mutex
	closed  bool
	running sync.WaitGroup
}

// LauncherDeps groups the collaborators of a Launcher.
type LauncherDeps struct {
	Resolver    Resolver
	Runner      PartitionRunner
	Pool        Submitter
	Runs        RunStore
	Checkpoints CheckpointStore
	Coordinator *Coordinator
}

// NewLauncher builds a launcher. Runs inherit ctx, so cancelling it aborts every run in flight.
func NewLauncher(ctx context.Context, gridSize int, deps LauncherDeps) *Launcher {
	if gridSize < 1 {
		gridSize = 1
	}
	return &Launcher{
		ctx:         ctx,
		gridSize:    gridSize,
		resolver:    deps.Resolver,
		runner:      deps.Runner,
		pool:        deps.Pool,
		runs:        deps.Runs,
		checkpoints: deps.Checkpoints,
		coordinator: deps.Coordinator,
	}
}

// NewJobID returns a fresh run id.
func NewJobID() string {
	return uuid.NewString()
}

// Launch plans msg and starts its run under jobID. On success the permit belongs to the run and
// is released by the Coordinator. On error nothing was started and the caller still owns permit.
func (l *Launcher) Launch(ctx context.Context, jobID string, msg models.TriggerMessage, permit gate.Permit) (*Run, error) {
	parts := partition.Plan(msg.FilePath, msg.RecordCount, msg.EffectiveDelimiter(), l.gridSize)
	if len(parts) == 0 {
		return nil, errors.Errorf("no partitions planned for %d records", msg.RecordCount)
	}
	r := &Run{JobID: jobID, Trigger: msg, Partitions: parts, Permit: permit, StartedAt: time.Now()}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrShuttingDown
	}
	err := l.runs.Start(ctx, models.JobRun{
		JobID: jobID, FileID: msg.FileID, Status: models.StatusProcessing,
		Partitions: len(parts), StartedAt: r.StartedAt,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "record run start")
	}

	l.running.Add(1)
	go l.execute(r)
	log.WithFields(log.Fields{
		"fileId": msg.FileID, "jobId": jobID, "partitions": len(parts), "recordCount": msg.RecordCount,
	}).Info("job launched")
	return r, nil
}

func (l *Launcher) execute(r *Run) {
	defer l.running.Done()
	var out Outcome
	defer func() {
		if p := recover(); p != nil {
			out.Err = errors.Errorf("run panicked: %v", p)
		}
		l.coordinator.Complete(r, out)
	}()

	file, err := l.resolver.Resolve(l.ctx, r.Trigger.FilePath)
	if err != nil {
		out.Err = errors.WithMessage(err, "resolve source")
		return
	}
	out.Source = file
	out.Results = l.runPartitions(r, file.Path)
}

func (l *Launcher) runPartitions(r *Run, localPath string) []worker.PartitionResult {
	results := make([]worker.PartitionResult, len(r.Partitions))
	var wg sync.WaitGroup
	for i, part := range r.Partitions {
		part.FilePath = localPath
		linesDone := l.resumePoint(r, part)

		i, part := i, part
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					results[i] = worker.PartitionResult{Partition: part.Index, Err: errors.Errorf("partition panicked: %v", p)}
				}
			}()
			results[i] = l.runner.RunPartition(l.ctx, r.Trigger.FileID, r.JobID, part, linesDone)
		}
		if _, err := l.pool.Submit(task); err != nil {
			wg.Done()
			results[i] = worker.PartitionResult{Partition: part.Index, Err: errors.WithMessage(err, "submit partition")}
		}
	}
	wg.Wait()
	return results
}

// resumePoint returns the committed lines of part from an earlier run of the same file, provided
// the partition bounds did not change.
func (l *Launcher) resumePoint(r *Run, part models.PartitionDescriptor) int64 {
	cp, ok, err := l.checkpoints.Load(l.ctx, r.Trigger.FileID, part.Index)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"fileId": r.Trigger.FileID, "partition": part.Index}).
			Warn("could not load checkpoint, starting partition from its first line")
		return 0
	}
	if !ok || cp.StartLine != part.StartLine || cp.LineCount != part.LineCount {
		return 0
	}
	return cp.LinesDone
}

// Close stops new launches and waits until every running job was finalized or ctx is done.
func (l *Launcher) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "jobs still running")
	}
}
