// Package worker provides the bounded worker pool that services
// classification, generation and prefetch fan-out (spec §5 FULL),
// generalizing the teacher's goroutine-per-task style into an explicitly
// bounded pool. Capacity is set by the caller (internal/pool sizes it from
// the max concurrent model count, not from runtime.worker_threads); prefetch tasks
// acquire a smaller weight than interactive tasks so "no generation ever
// blocks admission control" and prefetch never starves an interactive get.
package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Priority selects how much of the pool's weight a task consumes.
type Priority int64

const (
	// PriorityInteractive is a normal foreground task.
	PriorityInteractive Priority = 2
	// PriorityPrefetch is a background hint load; cheaper so it never
	// starves interactive work under contention.
	PriorityPrefetch Priority = 1
)

// Pool is a semaphore-bounded task scheduler.
type Pool struct {
	sem *semaphore.Weighted
	cap int64
}

// New builds a Pool with the given capacity (floored at 1).
func New(capacity int) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), cap: int64(capacity)}
}

// Run blocks until a slot of the given priority weight is available (or ctx
// is cancelled), then runs fn while holding it.
func (p *Pool) Run(ctx context.Context, priority Priority, fn func(context.Context) error) error {
	weight := int64(priority)
	if weight > p.cap {
		weight = p.cap
	}
	if err := p.sem.Acquire(ctx, weight); err != nil {
		return err
	}
	defer p.sem.Release(weight)
	return fn(ctx)
}

// Group runs fns concurrently, bounded by the pool's capacity, returning
// the first error (if any) after all complete.
func (p *Pool) Group(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error {
			return p.Run(gctx, PriorityInteractive, fn)
		})
	}
	return g.Wait()
}

// TryAcquirePrefetch attempts a non-blocking reduced-weight acquire for a
// prefetch task, returning false immediately if no slot is free so
// prefetch never queues behind interactive work.
func (p *Pool) TryAcquirePrefetch() (release func(), ok bool) {
	weight := int64(PriorityPrefetch)
	if !p.sem.TryAcquire(weight) {
		return nil, false
	}
	return func() { p.sem.Release(weight) }, true
}
