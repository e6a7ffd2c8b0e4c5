package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/fleetmigrate/internal/lg"
)

const TotalMaxWorkers = 10

var ErrPoolStopped = errors.New("worker pool is shutting down")

type JobFunc[T any] func(context.Context, T) error

type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
	// Attempts is how many times Fn runs before giving up. Zero means once.
	Attempts int
	// RetryDelay is multiplied by the attempt number between tries.
	RetryDelay time.Duration
}

// Pool runs jobs on a fixed number of workers.
type Pool[T any] struct {
	jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	mu            sync.RWMutex
	stopped       bool
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		jobs:       make(chan Job[T], maxWorkers),
		maxWorkers: maxWorkers,
	}
	pool.wg.Add(maxWorkers)
	for range maxWorkers {
		go pool.worker()
	}
	return pool
}

// Submit queues a job, blocking while every worker is busy and the queue is full.
func (p *Pool[T]) Submit(job Job[T]) error {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		lg.FromContext(job.Ctx).Warn("job rejected", lg.Any("job", job.Payload))
		return ErrPoolStopped
	}
	select {
	case p.jobs <- job:
		lg.FromContext(job.Ctx).Debug("job submitted", lg.Any("job", job.Payload))
		return nil
	case <-job.Ctx.Done():
		return job.Ctx.Err()
	}
}

// Stop rejects new jobs and waits for queued ones to finish.
func (p *Pool[T]) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool[T]) run(job Job[T]) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()

	logger := lg.FromContext(job.Ctx).With(lg.Any("job", job.Payload))
	if err := job.Ctx.Err(); err != nil {
		logger.Info("job canceled before start", lg.Err(err))
		return
	}
	logger.Debug("worker started", lg.Int32("workers", p.ActiveWorkers()))

	if err := attempt(job); err != nil {
		logger.Warn("job failed", lg.Err(err))
		return
	}
	logger.Debug("worker finished")
}

func attempt[T any](job Job[T]) error {
	attempts := max(job.Attempts, 1)
	var err error
	for i := 1; i <= attempts; i++ {
		if err = job.Fn(job.Ctx, job.Payload); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-job.Ctx.Done():
			return job.Ctx.Err()
		case <-time.After(time.Duration(i) * job.RetryDelay):
		}
	}
	if attempts > 1 {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return err
}
