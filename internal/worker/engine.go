package worker

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/models"
)

// Sink commits one chunk atomically.
type Sink interface {
	Write(ctx context.Context, chunk models.Chunk) (models.WriteResult, error)
}

// Policy bounds chunking and fault tolerance for one partition.
type Policy struct {
	ChunkSize int
	// SkipLimit is the number of skipped lines a partition tolerates; one more fails it.
	SkipLimit int
	// RetryLimit is the number of attempts a chunk write gets when failing transiently.
	RetryLimit   int
	RetryBackoff time.Duration
}

// DefaultPolicy mirrors the service defaults.
func DefaultPolicy() Policy {
	return Policy{ChunkSize: 1000, SkipLimit: 500, RetryLimit: 3, RetryBackoff: 200 * time.Millisecond}
}

// PartitionResult is the outcome of one partition.
type PartitionResult struct {
	Partition  int
	Read       int64
	Written    int64
	Skipped    int64
	Duplicates int64
	Chunks     int
	Err        error
}

// Engine runs the read, enrich and write loop of a partition.
type Engine struct {
	sink     Sink
	reporter Reporter
	policy   Policy
}

func NewEngine(sink Sink, reporter Reporter, policy Policy) *Engine {
	if policy.ChunkSize < 1 {
		policy.ChunkSize = 1
	}
	if policy.RetryLimit < 1 {
		policy.RetryLimit = 1
	}
	if reporter == nil {
		reporter = ReporterFunc(func(Event) {})
	}
	return &Engine{sink: sink, reporter: reporter, policy: policy}
}

type partitionRun struct {
	*Engine
	fileID string
	jobID  string
	part   models.PartitionDescriptor
	res    PartitionResult
	logger *log.Entry
}

// RunPartition processes part starting after linesDone already committed lines. Every chunk
// commits together with the partition progress, so a later run can resume after the last
// committed chunk.
func (e *Engine) RunPartition(ctx context.Context, fileID, jobID string, part models.PartitionDescriptor, linesDone int64) PartitionResult {
	r := &partitionRun{
		Engine: e,
		fileID: fileID,
		jobID:  jobID,
		part:   part,
		res:    PartitionResult{Partition: part.Index},
		logger: log.WithFields(log.Fields{"fileId": fileID, "jobId": jobID, "partition": part.Index}),
	}
	if linesDone >= part.LineCount {
		r.logger.Info("partition already committed, nothing to do")
		return r.res
	}
	if linesDone > 0 {
		r.logger.WithField("linesDone", linesDone).Info("resuming partition from checkpoint")
	}
	r.res.Err = r.run(ctx, linesDone)
	return r.res
}

func (r *partitionRun) run(ctx context.Context, linesDone int64) error {
	reader, err := OpenReader(r.part, linesDone)
	if err != nil {
		return err
	}
	defer reader.Close()

	enricher := NewEnricher(r.jobID, r.part.Index)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		records := make([]models.EnrichedRecord, 0, r.policy.ChunkSize)
		var consumed int64
		eof := false
		for consumed < int64(r.policy.ChunkSize) {
			raw, err := reader.Next()
			if errors.Is(err, io.EOF) {
				eof = true
				break
			}
			if err != nil && !IsSkippable(err) {
				r.reportChunk(ChunkErrored, len(records), err)
				return errors.WithMessagef(err, "read line %d", reader.Line())
			}
			consumed++
			r.res.Read++
			if err != nil {
				if err := r.skip(ReadSkip, reader.Line(), err); err != nil {
					r.reportChunk(ChunkErrored, len(records), err)
					return err
				}
				continue
			}
			rec, err := enricher.Enrich(raw)
			if err != nil {
				if err := r.skip(ProcessSkip, raw.Line, err); err != nil {
					r.reportChunk(ChunkErrored, len(records), err)
					return err
				}
				continue
			}
			records = append(records, rec)
		}
		if consumed == 0 {
			if linesDone < r.part.LineCount {
				r.logger.WithField("linesDone", linesDone).Warn("file ended before the partition's last line")
			}
			return nil
		}
		linesDone += consumed

		chunk := models.Chunk{FileID: r.fileID, JobID: r.jobID, Partition: r.part, LinesDone: linesDone, Records: records}
		res, err := r.writeChunk(ctx, chunk, linesDone-consumed)
		if err != nil {
			r.reportChunk(ChunkErrored, len(records), err)
			return err
		}
		r.res.Written += res.Written
		r.res.Duplicates += res.Duplicates
		r.res.Chunks++
		r.reportChunk(ChunkCompleted, len(records), nil)
		if eof {
			return nil
		}
	}
}

// writeChunk writes with retries. A chunk rejected because of one record's data is written
// record by record so the offending records can be skipped.
func (r *partitionRun) writeChunk(ctx context.Context, chunk models.Chunk, prevLinesDone int64) (models.WriteResult, error) {
	res, err := r.writeWithRetry(ctx, chunk)
	if err == nil || !IsRecordDataError(err) || len(chunk.Records) == 0 {
		return res, err
	}

	r.logger.WithError(err).Warn("chunk rejected by storage, writing records one by one")
	var total models.WriteResult
	for _, rec := range chunk.Records {
		single := chunk
		single.Records = []models.EnrichedRecord{rec}
		single.LinesDone = prevLinesDone
		res, err := r.writeWithRetry(ctx, single)
		if err != nil {
			if !IsRecordDataError(err) {
				return models.WriteResult{}, err
			}
			if err := r.skip(WriteSkip, rec.Line, err); err != nil {
				return models.WriteResult{}, err
			}
			continue
		}
		total.Written += res.Written
		total.Duplicates += res.Duplicates
	}
	// Advance the checkpoint past the chunk once every record was handled.
	final := chunk
	final.Records = nil
	if _, err := r.writeWithRetry(ctx, final); err != nil {
		return models.WriteResult{}, err
	}
	return total, nil
}

func (r *partitionRun) writeWithRetry(ctx context.Context, chunk models.Chunk) (models.WriteResult, error) {
	for attempt := 1; ; attempt++ {
		res, err := r.sink.Write(ctx, chunk)
		if err == nil {
			return res, nil
		}
		if !IsTransient(err) || attempt >= r.policy.RetryLimit {
			return models.WriteResult{}, errors.WithMessagef(err, "write chunk after %d attempt(s)", attempt)
		}
		r.reporter.Report(Event{
			Kind: ChunkRetried, FileID: r.fileID, JobID: r.jobID, Partition: r.part.Index,
			Records: len(chunk.Records), Attempt: attempt, Err: err,
		})
		if err := sleep(ctx, backoffWithJitter(r.policy.RetryBackoff, 30*r.policy.RetryBackoff, attempt)); err != nil {
			return models.WriteResult{}, err
		}
	}
}

// skip counts err against the skip budget and reports it.
func (r *partitionRun) skip(kind EventKind, line int64, err error) error {
	r.res.Skipped++
	r.reporter.Report(Event{Kind: kind, FileID: r.fileID, JobID: r.jobID, Partition: r.part.Index, Line: line, Err: err})
	if r.res.Skipped > int64(r.policy.SkipLimit) {
		return errors.Wrapf(ErrSkipLimitExceeded, "partition %d skipped %d lines, limit %d", r.part.Index, r.res.Skipped, r.policy.SkipLimit)
	}
	return nil
}

func (r *partitionRun) reportChunk(kind EventKind, records int, err error) {
	r.reporter.Report(Event{Kind: kind, FileID: r.fileID, JobID: r.jobID, Partition: r.part.Index, Records: records, Err: err})
}
