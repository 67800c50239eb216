package worker

// EventKind tags an engine event.
type EventKind int

const (
	ReadSkip EventKind = iota
	ProcessSkip
	WriteSkip
	ChunkCompleted
	ChunkErrored
	ChunkRetried
)

func (k EventKind) String() string {
	switch k {
	case ReadSkip:
		return "read_skip"
	case ProcessSkip:
		return "process_skip"
	case WriteSkip:
		return "write_skip"
	case ChunkCompleted:
		return "chunk_completed"
	case ChunkErrored:
		return "chunk_errored"
	case ChunkRetried:
		return "chunk_retried"
	default:
		return "unknown"
	}
}

// Event is emitted by the engine for every skip, retry and chunk outcome.
type Event struct {
	Kind      EventKind
	FileID    string
	JobID     string
	Partition int
	// Line is set for skips.
	Line int64
	// Records is the chunk size for chunk events.
	Records int
	Attempt int
	Err     error
}

// Reporter receives engine events. Implementations must be safe for concurrent use since every
// partition reports through the same Reporter.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Fanout reports each event to all reporters in order.
type Fanout []Reporter

func (f Fanout) Report(e Event) {
	for _, r := range f {
		r.Report(e)
	}
}
