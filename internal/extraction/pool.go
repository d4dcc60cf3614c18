package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"docextract-backend/internal/shared/metrics"
	"docextract-backend/internal/shared/telemetry"
)

var (
	// ErrPoolFull is returned by Dispatch when every queue slot is taken.
	ErrPoolFull = errors.New("extraction pool is full")
	// ErrPoolClosed is returned by Dispatch after Shutdown.
	ErrPoolClosed = errors.New("extraction pool is shut down")
)

// RunFunc executes one job to completion.
type RunFunc func(ctx context.Context, job Job) error

// Pool runs jobs in-process on a fixed number of workers fed by a bounded
// queue. Dispatch never blocks.
type Pool struct {
	run     RunFunc
	logger  *slog.Logger
	workers int

	ch   chan Job
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool
}

type PoolOption func(*Pool)

func WithWorkers(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.ch = make(chan Job, n)
		}
	}
}

func WithLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool starts the workers.
func NewPool(run RunFunc, opts ...PoolOption) *Pool {
	p := &Pool{
		run:     run,
		logger:  telemetry.Logger(),
		workers: 4,
		ch:      make(chan Job, 256),
	}
	for _, o := range opts {
		o(p)
	}
	p.start()
	return p
}

func (p *Pool) start() {
	p.once.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				for job := range p.ch {
					p.runJob(workerID, job)
				}
				p.logger.Debug("extraction worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (p *Pool) runJob(workerID int, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("extraction job panicked", "worker_id", workerID, "document_id", job.DocumentID, "panic", fmt.Sprint(rec))
		}
	}()
	if err := p.run(context.Background(), job); err != nil {
		p.logger.Error("extraction job failed", "worker_id", workerID, "document_id", job.DocumentID, "request_id", job.RequestID, "error", err.Error())
	}
}

// Dispatch queues job without waiting for a free worker.
func (p *Pool) Dispatch(_ context.Context, job Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.ch <- job:
		return nil
	default:
		metrics.IncQueueJobsDropped()
		p.logger.Warn("extraction pool full", "document_id", job.DocumentID, "capacity", cap(p.ch))
		return ErrPoolFull
	}
}

// Shutdown stops accepting jobs and waits for queued and running jobs to finish
// or for ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()

	select {
	case <-ctx.Done():
		p.logger.Warn("extraction pool shutdown interrupted", "error", ctx.Err().Error())
		return ctx.Err()
	case <-done:
		p.logger.Info("extraction pool drained")
		return nil
	}
}

var _ Dispatcher = (*Pool)(nil)
