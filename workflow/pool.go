package workflow

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Task is a unit of background work.
type Task func()

// Pool runs tasks on at most maxWorkers goroutines with a bounded queue.
//
// Submit never blocks: when every worker is busy and the queue is full it
// returns ErrBackpressure. Workers are started on demand and exit when the
// queue drains, so an idle Pool holds no goroutines.
type Pool struct {
	sem   *semaphore.Weighted
	queue chan Task

	// mu orders Submit against a worker deciding to exit, so a task is never
	// queued after the last worker has stopped looking.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	inflight atomic.Int64
	metrics  *Metrics
	logger   *slog.Logger
}

// NewPool creates a Pool. maxWorkers below 1 is treated as 1 and a negative
// queueSize as 0 (no queueing).
func NewPool(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &Pool{
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		queue:  make(chan Task, queueSize),
		logger: slog.Default(),
	}
}

// WithMetrics attaches pool gauges and returns p.
func (p *Pool) WithMetrics(m *Metrics) *Pool {
	p.metrics = m
	return p
}

// WithLogger sets the logger used to report recovered task panics and returns p.
func (p *Pool) WithLogger(l *slog.Logger) *Pool {
	if l != nil {
		p.logger = l
	}
	return p
}

// Submit schedules t. It returns ErrBackpressure when saturated and
// ErrPoolClosed after Close.
func (p *Pool) Submit(t Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.sem.TryAcquire(1) {
		p.wg.Add(1)
		go p.work(t)
		p.report()
		return nil
	}
	select {
	case p.queue <- t:
		p.report()
		return nil
	default:
		return ErrBackpressure
	}
}

func (p *Pool) work(t Task) {
	defer p.wg.Done()
	for {
		p.run(t)

		p.mu.Lock()
		select {
		case next := <-p.queue:
			p.mu.Unlock()
			t = next
		default:
			p.sem.Release(1)
			p.mu.Unlock()
			p.report()
			return
		}
	}
}

func (p *Pool) run(t Task) {
	p.inflight.Add(1)
	p.report()
	defer func() {
		p.inflight.Add(-1)
		if r := recover(); r != nil {
			p.logger.Error("pool task panicked", "panic", r)
		}
	}()
	t()
}

func (p *Pool) report() {
	p.metrics.UpdatePool(p.InFlight(), p.Queued())
}

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int { return int(p.inflight.Load()) }

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// Close stops accepting tasks and waits for running and queued tasks to
// finish, or for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
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
		return ctx.Err()
	}
}
