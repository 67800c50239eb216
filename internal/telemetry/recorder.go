package telemetry

import (
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/worker"
)

// Recorder turns engine events into metrics and log lines.
type Recorder struct {
	logger *log.Entry
}

func NewRecorder() *Recorder {
	return &Recorder{logger: log.WithField("component", "chunk-listener")}
}

func (r *Recorder) Report(e worker.Event) {
	entry := r.logger.WithFields(log.Fields{
		"fileId":    e.FileID,
		"jobId":     e.JobID,
		"partition": e.Partition,
	})
	switch e.Kind {
	case worker.ReadSkip:
		SkipRead.Inc()
		entry.WithField("line", e.Line).WithError(e.Err).Warn("skipped unreadable line")
	case worker.ProcessSkip:
		SkipProcess.Inc()
		entry.WithField("line", e.Line).WithError(e.Err).Warn("skipped invalid record")
	case worker.WriteSkip:
		SkipWrite.Inc()
		entry.WithField("line", e.Line).WithError(e.Err).Warn("skipped record rejected by storage")
	case worker.ChunkCompleted:
		ChunkCompleted.WithLabelValues(Step).Inc()
		entry.WithField("records", e.Records).Debug("chunk committed")
	case worker.ChunkErrored:
		ChunkErrors.WithLabelValues(Step).Inc()
		entry.WithField("records", e.Records).WithError(e.Err).Error("chunk failed")
	case worker.ChunkRetried:
		ChunkRetries.WithLabelValues(Step).Inc()
		entry.WithField("attempt", e.Attempt).WithError(e.Err).Warn("retrying chunk write")
	}
}
