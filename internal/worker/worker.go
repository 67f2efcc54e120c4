// Package worker runs job handlers against the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/metrics"
)

// Source abstracts the queue operations a worker needs.
type Source interface {
	Dequeue(ctx context.Context, block bool, timeout time.Duration) (*jobs.Delivery, error)
}

// StatusWriter abstracts job status transitions.
type StatusWriter interface {
	Transition(ctx context.Context, id string, status jobs.Status, result any, errMsg string) error
}

// DefaultJobTimeout bounds a handler when Options.JobTimeout is unset. It is
// shorter than jobs.DefaultVisibility so a slow job is cancelled before its
// lease expires and the envelope is redelivered.
const DefaultJobTimeout = 10 * time.Minute

// Options configures workers and pools. Zero values select defaults.
type Options struct {
	// Count is the number of workers in a pool. Defaults to 1.
	Count int
	// DequeueTimeout bounds each blocking dequeue so a worker can notice
	// cancellation between iterations. Defaults to 5s.
	DequeueTimeout time.Duration
	// JobTimeout bounds one handler execution. Defaults to DefaultJobTimeout.
	JobTimeout time.Duration
	// ReapInterval is how often a pool requeues expired deliveries. Defaults to 30s.
	ReapInterval time.Duration
	// ErrorBackoff is the pause after a failed iteration. Defaults to 1s.
	ErrorBackoff time.Duration

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Count <= 0 {
		o.Count = 1
	}
	if o.DequeueTimeout <= 0 {
		o.DequeueTimeout = 5 * time.Second
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = DefaultJobTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = 30 * time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Worker pops jobs one at a time and runs them through a handler.
type Worker struct {
	name    string
	queue   Source
	status  StatusWriter
	handler Handler
	opts    Options
	logger  *slog.Logger
}

// New creates a Worker with the given dependencies.
func New(name string, queue Source, status StatusWriter, handler Handler, opts Options) *Worker {
	opts = opts.withDefaults()
	return &Worker{
		name:    name,
		queue:   queue,
		status:  status,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger.With("worker", name),
	}
}

// Run processes jobs until ctx is cancelled. A failing job never stops the loop.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")
	for {
		if ctx.Err() != nil {
			return
		}

		_, err := w.RunOnce(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("worker iteration failed", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.opts.ErrorBackoff):
		}
	}
}

// RunOnce waits for a single job and processes it.
// Returns true if a job was received (regardless of success/failure).
//
// A delivery is acked only after its terminal status is written. If the
// status cannot be written, or ctx is cancelled mid-job, the delivery is left
// for the lease reaper to redeliver.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	d, err := w.queue.Dequeue(ctx, true, w.opts.DequeueTimeout)
	if err != nil {
		return false, fmt.Errorf("dequeueing job: %w", err)
	}
	if d == nil {
		return false, nil
	}
	logger := w.logger.With("job_id", d.ID, "job_type", d.Type)

	if err := w.status.Transition(ctx, d.ID, jobs.StatusRunning, nil, ""); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			logger.Warn("dropping job without status record")
			return true, d.Ack(ctx)
		}
		if errors.Is(err, jobs.ErrInvalidTransition) {
			logger.Warn("job is not runnable, leaving it to the reaper", "error", err)
			return true, nil
		}
		return true, fmt.Errorf("marking job running: %w", err)
	}

	start := time.Now()
	result, err := w.execute(ctx, Job{ID: d.ID, Type: d.Type, Payload: d.Payload})
	elapsed := time.Since(start)

	if ctx.Err() != nil {
		logger.Warn("job interrupted by shutdown, it will be redelivered", "elapsed", elapsed)
		return true, nil
	}

	status, errMsg := jobs.StatusSucceeded, ""
	if err != nil {
		status, errMsg, result = jobs.StatusFailed, err.Error(), nil
		logger.Warn("job failed", "error", err, "elapsed", elapsed)
	} else {
		logger.Info("job succeeded", "elapsed", elapsed)
	}

	if err := w.status.Transition(ctx, d.ID, status, result, errMsg); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// The lease expired and the reaper took the job back.
			logger.Warn("job lease lost before completion", "error", err)
			return true, nil
		}
		return true, fmt.Errorf("marking job %s: %w", status, err)
	}
	w.opts.Metrics.JobFinished(d.Type, string(status), elapsed)

	if err := d.Ack(ctx); err != nil {
		return true, fmt.Errorf("acking job %s: %w", d.ID, err)
	}
	return true, nil
}

type outcome struct {
	result any
	err    error
}

// execute runs the handler under the per-job timeout. A handler that ignores
// its context keeps running in the background after the timeout fires.
func (w *Worker) execute(ctx context.Context, job Job) (any, error) {
	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		res, err := w.handler.Handle(jobCtx, job)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("job timed out after %s", w.opts.JobTimeout)
	}
}
