package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FileStatus enumerates lifecycle states persisted in job_file_log.
const (
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// RecordStatusLoaded is stamped on every enriched record before it is written.
const RecordStatusLoaded = "LOADED"

// DefaultDelimiter is used when a trigger does not name one.
const DefaultDelimiter = ","

// TriggerMessage asks for one file to be ingested. FileID is the idempotency key.
type TriggerMessage struct {
	FileID       string `json:"fileId"`
	FilePath     string `json:"filePath"`
	RecordCount  int64  `json:"recordCount"`
	Delimiter    string `json:"delimiter,omitempty"`
	SourceSystem string `json:"sourceSystem,omitempty"`
}

// EffectiveDelimiter returns the delimiter with the default applied.
func (m TriggerMessage) EffectiveDelimiter() string {
	if m.Delimiter == "" {
		return DefaultDelimiter
	}
	return m.Delimiter
}

// FileProcessingState is one row of job_file_log.
type FileProcessingState struct {
	FileID         string     `json:"fileId"`
	Status         string     `json:"status"`
	JobExecutionID *string    `json:"jobExecutionId,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	CompletedAt    *time.Time `json:"completedAt,omitempty"`
	RecordCount    int64      `json:"recordCount"`
	ErrorMessage   *string    `json:"errorMessage,omitempty"`
}

// PartitionDescriptor is a contiguous line range of one file. Lines are 1-indexed and line 1 is
// the header.
type PartitionDescriptor struct {
	Index     int    `json:"index"`
	FilePath  string `json:"filePath"`
	StartLine int64  `json:"startLine"`
	LineCount int64  `json:"lineCount"`
	Delimiter string `json:"delimiter"`
}

// EndLine is the last line covered by the partition.
func (p PartitionDescriptor) EndLine() int64 {
	return p.StartLine + p.LineCount - 1
}

// RawRecord is one tokenized data line.
type RawRecord struct {
	Line       int64
	ExternalID string
	Name       string
	Value      *decimal.Decimal
	Category   string
	EventTs    *time.Time
}

// EnrichedRecord is a validated record ready to be stored.
type EnrichedRecord struct {
	RawRecord
	RecordHash     string
	JobID          string
	PartitionIndex int
	Status         string
}

// Chunk is the unit of atomic commit. LinesDone is the partition's progress once the chunk is
// committed and is persisted in the same transaction.
type Chunk struct {
	FileID    string
	JobID     string
	Partition PartitionDescriptor
	LinesDone int64
	Records   []EnrichedRecord
}

// WriteResult counts the outcome of one committed chunk.
type WriteResult struct {
	Written    int64
	Duplicates int64
	Fallback   bool
}

// JobRun is the persisted summary of one launched run.
type JobRun struct {
	JobID        string     `json:"jobId"`
	FileID       string     `json:"fileId"`
	Status       string     `json:"status"`
	Partitions   int        `json:"partitions"`
	Written      int64      `json:"written"`
	Skipped      int64      `json:"skipped"`
	Duplicates   int64      `json:"duplicates"`
	StartedAt    time.Time  `json:"startedAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	ErrorMessage *string    `json:"errorMessage,omitempty"`
}

// Checkpoint records committed progress of one partition.
type Checkpoint struct {
	FileID    string
	Partition int
	StartLine int64
	LineCount int64
	LinesDone int64
}

// DeadLetter is the journal entry kept for a trigger routed to the dead-letter topic.
type DeadLetter struct {
	FileID   string    `json:"fileId,omitempty"`
	Key      string    `json:"key"`
	Topic    string    `json:"topic"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	Payload  string    `json:"payload"`
	At       time.Time `json:"at"`
}
