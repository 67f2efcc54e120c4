package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Queue is the full queue surface a pool drives: deliveries for its workers
// plus lease reaping and depth reporting.
type Queue interface {
	Source
	RequeueExpired(ctx context.Context) (int, error)
	Len(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// Pool runs several workers against one queue together with the lease reaper.
type Pool struct {
	queue   Queue
	workers []*Worker
	opts    Options
	logger  *slog.Logger
}

// NewPool creates opts.Count workers sharing handler.
func NewPool(queue Queue, status StatusWriter, handler Handler, opts Options) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		queue:  queue,
		opts:   opts,
		logger: opts.Logger,
	}
	for i := 0; i < opts.Count; i++ {
		p.workers = append(p.workers, New(fmt.Sprintf("w%d", i+1), queue, status, handler, opts))
	}
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}

// Run starts all workers and the reaper and blocks until ctx is cancelled
// and every worker has finished its current job.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", len(p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		p.reapLoop(ctx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReapInterval)
	defer ticker.Stop()
	for {
		p.Reap(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Reap requeues expired deliveries once and refreshes the queue depth gauges.
func (p *Pool) Reap(ctx context.Context) {
	n, err := p.queue.RequeueExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("requeueing expired jobs", "error", err)
		}
		return
	}
	if n > 0 {
		p.logger.Warn("requeued expired jobs", "count", n)
	}
	p.opts.Metrics.JobsRequeued(n)

	waiting, err := p.queue.Len(ctx)
	if err != nil {
		return
	}
	inFlight, err := p.queue.InFlight(ctx)
	if err != nil {
		return
	}
	p.opts.Metrics.SetQueueDepth(waiting, inFlight)
}
