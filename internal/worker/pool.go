package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Pool runs partition tasks on core long-lived workers fed by a bounded queue. When the queue is
// full, up to max-core extra workers are started; when those are busy too, the submitting
// goroutine runs the task itself.
type Pool struct {
	tasks    chan func()
	overflow *semaphore.Weighted
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
	active   atomic.Int64
}

// NewPool starts core workers.
func NewPool(core, max, queue int) *Pool {
	if core < 1 {
		core = 1
	}
	if max < core {
		max = core
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{
		tasks:    make(chan func(), queue),
		overflow: semaphore.NewWeighted(int64(max - core)),
	}
	for i := 0; i < core; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for t := range p.tasks {
				p.run(t)
			}
		}()
	}
	return p
}

// Submit schedules task. It reports true when the task was run on the calling goroutine because
// the pool was saturated; in that case Submit returns only after the task finished.
func (p *Pool) Submit(task func()) (bool, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return false, ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		p.mu.RUnlock()
		return false, nil
	default:
	}
	if p.overflow.TryAcquire(1) {
		p.wg.Add(1)
		p.mu.RUnlock()
		go func() {
			defer p.wg.Done()
			defer p.overflow.Release(1)
			p.run(task)
			p.drain()
		}()
		return false, nil
	}
	p.mu.RUnlock()

	p.run(task)
	return true, nil
}

// drain keeps an overflow worker busy while queued work remains.
func (p *Pool) drain() {
	for {
		select {
		case t, ok := <-p.tasks:
			if !ok {
				return
			}
			p.run(t)
		default:
			return
		}
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("worker pool task panicked")
		}
	}()
	task()
}

// Active is the number of tasks currently running, caller-run tasks included.
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Shutdown stops accepting work and waits for queued and running tasks until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "worker pool did not drain")
	}
}
