package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool executes submitted units of work on a fixed number of goroutines.
// Submissions wait for a free worker; there is no queue beyond that.
type Pool struct {
	jobs   chan func()
	quit   chan struct{}
	once   sync.Once
	group  errgroup.Group
	logger *slog.Logger
}

// NewPool starts a pool with the given number of workers (at least one).
func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		jobs:   make(chan func()),
		quit:   make(chan struct{}),
		logger: logger,
	}
	for range workers {
		p.group.Go(func() error {
			for {
				select {
				case fn := <-p.jobs:
					p.run(fn)
				case <-p.quit:
					return nil
				}
			}
		})
	}
	return p
}

func (p *Pool) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Submit hands fn to a worker, blocking until one is free, ctx is done or
// the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case <-p.quit:
		return ErrPoolClosed
	default:
	}
	select {
	case p.jobs <- fn:
		return nil
	case <-p.quit:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work and waits for running units to finish.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.quit) })
	_ = p.group.Wait()
}
