// Package audit reports consistency warnings between the vector index, the
// record store and the job registry. Nothing here repairs state.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/storage"
)

// RecordStore is what the auditor reads from the record store.
type RecordStore interface {
	ReferencedVectorIDs(ctx context.Context) ([]int, error)
	ListStuck(ctx context.Context, status storage.ProcessingStatus, cutoff time.Time) ([]storage.Memory, error)
}

// JobRegistry lists jobs that have been RUNNING for too long.
type JobRegistry interface {
	RunningSince(ctx context.Context, cutoff time.Time) ([]jobs.Record, error)
}

// Sizer reports the number of vectors in the index.
type Sizer interface {
	Size() int
}

// Report is the outcome of one audit.
type Report struct {
	GeneratedAt       time.Time `json:"generated_at"`
	IndexSize         int       `json:"index_size"`
	ReferencedVectors int       `json:"referenced_vectors"`
	// OrphanedVectors counts positions no record owns: deleted memories and
	// commits that failed after the append.
	OrphanedVectors int   `json:"orphaned_vectors"`
	OrphanSample    []int `json:"orphan_sample,omitempty"`
	// DanglingRefs are positions referenced by records but beyond the index,
	// which happens when an index file is lost or rolled back.
	DanglingRefs  []int            `json:"dangling_refs,omitempty"`
	StuckJobs     []jobs.Record    `json:"stuck_jobs"`
	StuckMemories []storage.Memory `json:"stuck_memories"`
}

// Healthy reports whether the audit found nothing beyond orphaned vectors,
// which are an accepted leak.
func (r Report) Healthy() bool {
	return len(r.DanglingRefs) == 0 && len(r.StuckJobs) == 0 && len(r.StuckMemories) == 0
}

// Options configures an Auditor.
type Options struct {
	// StuckAfter is how long a job may stay RUNNING, or a memory processing,
	// before it is reported. Defaults to 30m.
	StuckAfter time.Duration
	// SampleSize caps OrphanSample. Defaults to 20.
	SampleSize int
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Auditor cross-checks the stores.
type Auditor struct {
	records RecordStore
	jobs    JobRegistry
	index   Sizer
	opts    Options
	now     func() time.Time
}

// New creates an Auditor.
func New(records RecordStore, jobs JobRegistry, index Sizer, opts Options) *Auditor {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 30 * time.Minute
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Auditor{records: records, jobs: jobs, index: index, opts: opts, now: time.Now}
}

// Run performs one audit and exports its counts as metrics.
func (a *Auditor) Run(ctx context.Context) (Report, error) {
	now := a.now()
	cutoff := now.Add(-a.opts.StuckAfter)
	rep := Report{GeneratedAt: now.UTC(), IndexSize: a.index.Size()}

	ids, err := a.records.ReferencedVectorIDs(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading referenced positions: %w", err)
	}
	referenced := roaring.New()
	for _, id := range ids {
		if id >= 0 {
			referenced.Add(uint32(id))
		}
	}
	rep.ReferencedVectors = int(referenced.GetCardinality())

	all := roaring.New()
	all.AddRange(0, uint64(rep.IndexSize))

	orphans := roaring.AndNot(all, referenced)
	rep.OrphanedVectors = int(orphans.GetCardinality())
	it := orphans.Iterator()
	for it.HasNext() && len(rep.OrphanSample) < a.opts.SampleSize {
		rep.OrphanSample = append(rep.OrphanSample, int(it.Next()))
	}

	dangling := roaring.AndNot(referenced, all)
	for _, p := range dangling.ToArray() {
		rep.DanglingRefs = append(rep.DanglingRefs, int(p))
	}

	if rep.StuckJobs, err = a.jobs.RunningSince(ctx, cutoff); err != nil {
		return Report{}, fmt.Errorf("listing stuck jobs: %w", err)
	}
	if rep.StuckMemories, err = a.records.ListStuck(ctx, storage.StatusProcessing, cutoff); err != nil {
		return Report{}, fmt.Errorf("listing stuck memories: %w", err)
	}
	if rep.StuckMemories == nil {
		rep.StuckMemories = []storage.Memory{}
	}

	a.opts.Metrics.SetAudit(rep.OrphanedVectors, len(rep.StuckJobs), len(rep.StuckMemories))
	level := slog.LevelInfo
	if !rep.Healthy() {
		level = slog.LevelWarn
	}
	a.opts.Logger.Log(ctx, level, "audit finished",
		"index_size", rep.IndexSize,
		"orphaned_vectors", rep.OrphanedVectors,
		"dangling_refs", len(rep.DanglingRefs),
		"stuck_jobs", len(rep.StuckJobs),
		"stuck_memories", len(rep.StuckMemories))
	return rep, nil
}
