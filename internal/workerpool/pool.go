// Package workerpool runs a small set of independent tasks with bounded
// concurrency and collects their errors.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/breeze-rmm/provision/internal/logging"
)

// Task is a unit of work submitted to the pool.
type Task func(ctx context.Context) error

// Pool runs at most maxWorkers tasks at a time. Unlike a long-lived agent
// pool it is built per fan-out and discarded after Wait.
type Pool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	log  *slog.Logger
	mu   sync.Mutex
	errs []error
}

// New creates a pool that runs at most maxWorkers tasks concurrently.
func New(maxWorkers int, logger *slog.Logger) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		sem: make(chan struct{}, maxWorkers),
		log: logging.Or(logger, "workerpool"),
	}
}

// Submit starts task once a worker slot is free. It blocks while the pool
// is full and returns false, without running task, when ctx ends first.
// name labels the task in errors and panic logs.
func (p *Pool) Submit(ctx context.Context, name string, task Task) bool {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.addErr(fmt.Errorf("%s: %w", name, ctx.Err()))
		return false
	}

	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem }()
		defer p.wg.Done()
		if err := p.runTask(ctx, name, task); err != nil {
			p.addErr(fmt.Errorf("%s: %w", name, err))
		}
	}()
	return true
}

// Wait blocks until every submitted task has returned and joins their errors.
func (p *Pool) Wait() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

func (p *Pool) addErr(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

// runTask executes a single task, turning a panic into an error.
func (p *Pool) runTask(ctx context.Context, name string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task(ctx)
}
