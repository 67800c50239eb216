package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-batch-ingester/internal/models"
)

// memStore mirrors the job_file_log transitions in memory.
type memStore struct {
	mu         sync.Mutex
	rows       map[string]models.FileProcessingState
	completedQ int
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]models.FileProcessingState{}}
}

func (m *memStore) Get(_ context.Context, fileID string) (models.FileProcessingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[fileID]
	if !ok {
		return models.FileProcessingState{}, errors.New("not found")
	}
	return st, nil
}

func (m *memStore) IsCompleted(_ context.Context, fileID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completedQ++
	return m.rows[fileID].Status == models.StatusCompleted, nil
}

func (m *memStore) MarkProcessingStarted(_ context.Context, fileID, jobID string, recordCount int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[fileID]
	if ok && st.Status != models.StatusFailed {
		return false, nil
	}
	job := jobID
	m.rows[fileID] = models.FileProcessingState{
		FileID: fileID, Status: models.StatusProcessing, JobExecutionID: &job,
		StartedAt: time.Now(), RecordCount: recordCount,
	}
	return true, nil
}

func (m *memStore) finish(fileID, status string, msg *string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.rows[fileID]
	if !ok || st.Status != models.StatusProcessing {
		return false
	}
	now := time.Now()
	st.Status, st.CompletedAt, st.ErrorMessage = status, &now, msg
	m.rows[fileID] = st
	return true
}

func (m *memStore) MarkCompleted(_ context.Context, fileID string, written int64) (bool, error) {
	if !m.finish(fileID, models.StatusCompleted, nil) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.rows[fileID]
	st.RecordCount = written
	m.rows[fileID] = st
	return true, nil
}

func (m *memStore) MarkFailed(_ context.Context, fileID, message string) (bool, error) {
	return m.finish(fileID, models.StatusFailed, &message), nil
}

type memCache struct {
	mu   sync.Mutex
	keys map[string]bool
	err  error
}

func (c *memCache) IsCompleted(_ context.Context, fileID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.keys[fileID], nil
}

func (c *memCache) MarkCompleted(_ context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.keys == nil {
		c.keys = map[string]bool{}
	}
	c.keys[fileID] = true
	return nil
}

func TestTrackerLifecycle(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newMemStore(), nil)

	done, err := tr.IsAlreadyProcessed(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, done)

	ok, err := tr.MarkProcessingStarted(ctx, "f1", "job-1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.MarkProcessingStarted(ctx, "f1", "job-2", 10)
	require.NoError(t, err)
	assert.False(t, ok, "a PROCESSING file cannot be claimed twice")

	ok, err = tr.MarkFailed(ctx, "f1", "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.MarkProcessingStarted(ctx, "f1", "job-3", 10)
	require.NoError(t, err)
	assert.True(t, ok, "FAILED files may be redriven")
	st, err := tr.State(ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, st.CompletedAt)
	assert.Nil(t, st.ErrorMessage)
	assert.Equal(t, "job-3", *st.JobExecutionID)

	ok, err = tr.MarkCompleted(ctx, "f1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.MarkFailed(ctx, "f1", "late failure")
	require.NoError(t, err)
	assert.False(t, ok, "COMPLETED is terminal")
	ok, err = tr.MarkProcessingStarted(ctx, "f1", "job-4", 10)
	require.NoError(t, err)
	assert.False(t, ok)

	done, err = tr.IsAlreadyProcessed(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestTrackerUsesCache(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cache := &memCache{}
	tr := NewTracker(store, cache)

	_, err := tr.MarkProcessingStarted(ctx, "f1", "job-1", 1)
	require.NoError(t, err)
	_, err = tr.MarkCompleted(ctx, "f1", 10)
	require.NoError(t, err)
	assert.True(t, cache.keys["f1"])

	before := store.completedQ
	done, err := tr.IsAlreadyProcessed(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, before, store.completedQ, "a cache hit skips the database")
}

func TestTrackerFallsBackWhenCacheFails(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cache := &memCache{err: errors.New("redis down")}
	tr := NewTracker(store, cache)

	_, err := tr.MarkProcessingStarted(ctx, "f1", "job-1", 1)
	require.NoError(t, err)
	ok, err := tr.MarkCompleted(ctx, "f1", 10)
	require.NoError(t, err)
	assert.True(t, ok, "cache errors never fail a completion")

	done, err := tr.IsAlreadyProcessed(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, done)
}

func TestTrackerConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(newMemStore(), nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := tr.MarkProcessingStarted(ctx, "f1", "job", 1)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
