package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"file-batch-ingester/internal/config"
	"file-batch-ingester/internal/models"
	"file-batch-ingester/internal/store"
	"file-batch-ingester/internal/telemetry"
	"file-batch-ingester/internal/trigger"
)

// FileStore reads job_file_log.
type FileStore interface {
	Get(ctx context.Context, fileID string) (models.FileProcessingState, error)
	List(ctx context.Context, status string, limit int) ([]models.FileProcessingState, error)
}

// RunStore reads run history.
type RunStore interface {
	Get(ctx context.Context, jobID string) (models.JobRun, error)
	Last(ctx context.Context) (models.JobRun, error)
}

// Publisher sends triggers.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// DeadLetters reads the dead-letter journal.
type DeadLetters interface {
	Peek(ctx context.Context, count int64) ([]models.DeadLetter, error)
}

// GateStatus reports job slot usage.
type GateStatus interface {
	InUse(ctx context.Context) (int64, error)
	Capacity() int64
}

// Deps are the collaborators of the inspection API. Gate may be nil when slot usage is not
// visible from this process.
type Deps struct {
	Files       FileStore
	Runs        RunStore
	Publisher   Publisher
	DeadLetters DeadLetters
	Gate        GateStatus
}

// Server wires HTTP handlers for the inspection API.
type Server struct {
	cfg  config.Config
	deps Deps
}

// New constructs the API server.
func New(cfg config.Config, deps Deps) *Server {
	return &Server{cfg: cfg, deps: deps}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/batch", s.handleBatchHealth)

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/files", s.handleListFiles)
	r.Get("/files/{fileId}", s.handleGetFile)
	r.Get("/runs/{jobId}", s.handleGetRun)
	r.Post("/triggers", s.handlePublishTrigger)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type gateHealth struct {
	InUse     int64 `json:"inUse"`
	Capacity  int64 `json:"capacity"`
	Saturated bool  `json:"saturated"`
}

type batchHealth struct {
	Status  string         `json:"status"`
	LastRun *models.JobRun `json:"lastRun,omitempty"`
	Gate    *gateHealth    `json:"gate,omitempty"`
}

func (s *Server) handleBatchHealth(w http.ResponseWriter, r *http.Request) {
	resp := batchHealth{Status: "UNKNOWN"}
	run, err := s.deps.Runs.Last(r.Context())
	switch {
	case err == nil:
		resp.LastRun = &run
		resp.Status = run.Status
	case !errors.Is(err, store.ErrRunNotFound):
		log.WithError(err).Error("read last run")
		http.Error(w, "failed to read last run", http.StatusInternalServerError)
		return
	}
	if s.deps.Gate != nil {
		inUse, err := s.deps.Gate.InUse(r.Context())
		if err == nil {
			capacity := s.deps.Gate.Capacity()
			resp.Gate = &gateHealth{InUse: inUse, Capacity: capacity, Saturated: inUse >= capacity}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	files, err := s.deps.Files.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		http.Error(w, "failed to list files", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": files})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Files.Get(r.Context(), chi.URLParam(r, "fileId"))
	if errors.Is(err, store.ErrFileNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read file state", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Runs.Get(r.Context(), chi.URLParam(r, "jobId"))
	if errors.Is(err, store.ErrRunNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to read run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handlePublishTrigger(w http.ResponseWriter, r *http.Request) {
	var msg models.TriggerMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	payload, err := trigger.Encode(msg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), s.cfg.TriggerTopic, []byte(msg.FileID), payload, nil); err != nil {
		log.WithError(err).WithField("fileId", msg.FileID).Error("publish trigger")
		http.Error(w, "publish failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"fileId": msg.FileID, "topic": s.cfg.TriggerTopic})
}

// handleDLQ returns the most recent dead letters.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.DeadLetters.Peek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
