// Package worker runs jobs on a fixed number of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	xlog "github.com/andresmejia3/refacer/internal/log"
	"github.com/andresmejia3/refacer/internal/metrics"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("worker pool closed")

// Pool is a bounded set of workers draining a task channel. Each task runs
// on exactly one worker; tasks are not ordered relative to each other.
type Pool struct {
	size  int
	tasks chan func()
	g     errgroup.Group
	busy  atomic.Int64
	log   zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewPool starts size workers. size < 1 is treated as 1.
func NewPool(size int, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size:  size,
		tasks: make(chan func()),
		log:   logger,
	}
	for i := 0; i < size; i++ {
		workerID := i
		p.g.Go(func() error {
			p.run(workerID)
			return nil
		})
	}
	return p
}

func (p *Pool) run(id int) {
	for task := range p.tasks {
		p.busy.Add(1)
		metrics.WorkersBusy.Inc()
		p.exec(id, task)
		metrics.WorkersBusy.Dec()
		p.busy.Add(-1)
	}
}

// exec runs one task. A panicking task takes down neither the worker nor the process.
func (p *Pool) exec(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Int(xlog.FieldWorker, id).
				Str(xlog.FieldEvent, "worker.panic").
				Str("panic", fmt.Sprint(r)).
				Msg("task panicked")
		}
	}()
	task()
}

// Submit hands task to a free worker, waiting until one is available. ctx
// only bounds the wait; once a worker has the task it runs to completion.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// Busy returns how many workers are running a task right now.
func (p *Pool) Busy() int { return int(p.busy.Load()) }

// Close stops accepting tasks and waits for running ones to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()
	_ = p.g.Wait()
}
