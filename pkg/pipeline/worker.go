package pipeline

import (
	"context"
	"sync"
)

// WorkerPool hands jobs to a fixed set of goroutines. Every job submitted
// before Stop is handled; Stop returns after the last one finishes.
type WorkerPool[T any] struct {
	size   int
	jobs   chan T
	handle func(context.Context, T)

	running  sync.WaitGroup
	stopOnce sync.Once
}

// NewWorkerPool builds a pool of size goroutines with room for backlog
// queued jobs.
func NewWorkerPool[T any](size, backlog int, handle func(context.Context, T)) *WorkerPool[T] {
	return &WorkerPool[T]{
		size:   max(size, 1),
		jobs:   make(chan T, backlog),
		handle: handle,
	}
}

func (p *WorkerPool[T]) Start(ctx context.Context) {
	p.running.Add(p.size)
	for range p.size {
		go p.run(ctx)
	}
}

// Submit queues job, waiting while the backlog is full. It must not be
// called after Stop.
func (p *WorkerPool[T]) Submit(job T) {
	p.jobs <- job
}

// Stop closes the queue and waits for the workers to drain it.
func (p *WorkerPool[T]) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.running.Wait()
}

func (p *WorkerPool[T]) run(ctx context.Context) {
	defer p.running.Done()
	for job := range p.jobs {
		p.handle(ctx, job)
	}
}
