// Package workers provides a bounded goroutine pool for parallel
// simulation workloads.
package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// Pool runs tasks on a fixed number of workers. Submit after Close
// panics on the closed channel, so producers must finish before
// calling Close.
type Pool struct {
	logger *zap.Logger
	tasks  chan Task
	wg     sync.WaitGroup

	completed atomic.Int64
	failed    atomic.Int64

	errMu    sync.Mutex
	firstErr error
}

// NewPool starts size workers draining the task queue.
func NewPool(logger *zap.Logger, size, queueDepth int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueDepth < size {
		queueDepth = size
	}
	p := &Pool{
		logger: logger.Named("workers"),
		tasks:  make(chan Task, queueDepth),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		p.run(id, task)
	}
}

func (p *Pool) run(id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.recordError(fmt.Errorf("task panic: %v", r))
			p.logger.Error("worker recovered from panic",
				zap.Int("worker", id), zap.Any("panic", r))
		}
	}()

	if err := task.Execute(context.Background()); err != nil {
		p.failed.Add(1)
		p.recordError(err)
		p.logger.Warn("task failed", zap.Int("worker", id), zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// Submit enqueues a task, blocking when the queue is full.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

func (p *Pool) recordError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.firstErr == nil {
		p.firstErr = err
	}
}

// Close stops intake and blocks until the queue drains. It returns
// the first task error, if any.
func (p *Pool) Close() error {
	close(p.tasks)
	p.wg.Wait()
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.firstErr
}

// Stats returns completed and failed task counts.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}
