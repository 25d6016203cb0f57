// Package workerpool implements a generic background job pool. It is
// deliberately never wired into the command-dispatch path: doing so would
// require moving connio-owned buffers across goroutines and synchronizing
// response writes, which the single-threaded event loop avoids entirely.
// Instead it powers off-loop-thread work like the monitor dashboard's
// periodic snapshots (see internal/monitor).
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sadewadee/edgeloop/internal/logging"
)

// Job is one unit of background work. It receives a context cancelled when
// the pool is stopped.
type Job func(ctx context.Context) error

// worker is one pool goroutine pulling jobs from the shared queue.
type worker struct {
	id   int
	jobs atomic.Int64
}

// Pool is a fixed-shape, channel-backed job queue: MinWorkers goroutines
// started eagerly, scaling up to MaxWorkers under load.
type Pool struct {
	log             logging.Sink
	minWorkers      int
	maxWorkers      int
	allocateTimeout time.Duration

	jobs chan Job

	mu      sync.Mutex
	workers []*worker
	active  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	ActiveWorkers  int
	TotalSubmitted int64
	TotalCompleted int64
	TotalFailed    int64
	QueueDepth     int
}

// New creates a Pool. minWorkers goroutines are started by Start; Submit
// will block up to allocateTimeout when the queue is full before returning
// an error.
func New(minWorkers, maxWorkers int, allocateTimeout time.Duration, log logging.Sink) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:             log,
		minWorkers:      minWorkers,
		maxWorkers:      maxWorkers,
		allocateTimeout: allocateTimeout,
		jobs:            make(chan Job, maxWorkers*4),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start launches minWorkers background goroutines.
func (p *Pool) Start() {
	p.log.Info("starting background worker pool", "min_workers", p.minWorkers, "max_workers", p.maxWorkers)
	p.mu.Lock()
	for i := 0; i < p.minWorkers; i++ {
		p.spawn()
	}
	p.mu.Unlock()
}

// spawn starts one worker goroutine. The caller must hold p.mu.
func (p *Pool) spawn() {
	id := len(p.workers) + 1
	w := &worker{id: id}

	p.workers = append(p.workers, w)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.ctx.Done():
				return
			case job, ok := <-p.jobs:
				if !ok {
					return
				}
				w.jobs.Add(1)
				p.active.Add(1)
				err := job(p.ctx)
				p.active.Add(-1)
				if err != nil {
					p.totalFailed.Add(1)
					p.log.Warn("background job failed", "worker_id", w.id, "error", err)
				} else {
					p.totalCompleted.Add(1)
				}
			}
		}
	}()
}

// Submit enqueues a job, scaling up to MaxWorkers if every worker is
// currently busy running a job. It blocks up to
// allocateTimeout if the queue is full.
func (p *Pool) Submit(job Job) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("workerpool: stopped")
	}

	p.totalSubmitted.Add(1)

	p.mu.Lock()
	if len(p.workers) < p.maxWorkers && int(p.active.Load()) == len(p.workers) {
		p.spawn()
	}
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return nil
	case <-time.After(p.allocateTimeout):
		return fmt.Errorf("workerpool: no capacity within %s", p.allocateTimeout)
	case <-p.ctx.Done():
		return fmt.Errorf("workerpool: stopped")
	}
}

// Stats returns current pool activity counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	n := len(p.workers)
	p.mu.Unlock()

	return Stats{
		ActiveWorkers:  n,
		TotalSubmitted: p.totalSubmitted.Load(),
		TotalCompleted: p.totalCompleted.Load(),
		TotalFailed:    p.totalFailed.Load(),
		QueueDepth:     len(p.jobs),
	}
}

// Stop cancels all in-flight jobs' context and waits for every worker
// goroutine to return. The job queue is deliberately left open rather than
// closed: a concurrent Submit racing Stop would otherwise send on a closed
// channel and panic. Workers exit via ctx.Done() instead.
func (p *Pool) Stop() {
	p.log.Info("stopping background worker pool")
	p.cancel()
	p.wg.Wait()
}
