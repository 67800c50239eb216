// Package gate bounds the number of ingestion runs active at once.
package gate

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"file-batch-ingester/internal/telemetry"
)

// Permit is one acquired unit. Release may be called more than once; only the first call frees
// the unit.
type Permit interface {
	Release()
}

// Gate is a bounded counting resource shared by the trigger consumer, which acquires, and the
// completion path, which releases.
type Gate interface {
	// TryAcquire never blocks. ok is false when every unit is taken.
	TryAcquire(ctx context.Context) (p Permit, ok bool, err error)
	InUse(ctx context.Context) (int64, error)
	Capacity() int64
}

// Local is an in-process gate.
type Local struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func NewLocal(capacity int) *Local {
	if capacity < 1 {
		capacity = 1
	}
	return &Local{sem: semaphore.NewWeighted(int64(capacity)), capacity: int64(capacity)}
}

func (l *Local) TryAcquire(context.Context) (Permit, bool, error) {
	if !l.sem.TryAcquire(1) {
		return nil, false, nil
	}
	telemetry.JobsInFlight.Set(float64(l.inUse.Add(1)))
	return &localPermit{gate: l}, true, nil
}

func (l *Local) InUse(context.Context) (int64, error) {
	return l.inUse.Load(), nil
}

func (l *Local) Capacity() int64 { return l.capacity }

type localPermit struct {
	gate *Local
	once sync.Once
}

func (p *localPermit) Release() {
	p.once.Do(func() {
		telemetry.JobsInFlight.Set(float64(p.gate.inUse.Add(-1)))
		p.gate.sem.Release(1)
	})
}
