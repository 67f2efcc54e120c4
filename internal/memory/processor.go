package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/eyemem/internal/blob"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/storage"
)

// Embedder produces fixed-dimension vectors for descriptions.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dim() int
}

// VectorIndex is the append-only index the processor writes to.
type VectorIndex interface {
	Append(vec []float32) (int, error)
	Persist() error
	Size() int
	Dim() int
}

// ProcessStore is the subset of the record store the processor uses.
type ProcessStore interface {
	GetMemory(ctx context.Context, id string) (storage.Memory, error)
	MarkProcessing(ctx context.Context, id string) error
	CompleteProcessing(ctx context.Context, id string, c storage.Completion) error
	FailProcessing(ctx context.Context, id, reason string) error
}

// ProcessResult is stored as the job result on success.
type ProcessResult struct {
	MemoryID      string `json:"memory_id"`
	VectorIndexID int    `json:"vector_index_id"`
	Description   string `json:"ai_description"`
	// AlreadyProcessed is set when a redelivered job found the memory completed.
	AlreadyProcessed bool `json:"already_processed,omitempty"`
}

// Processor runs the memory pipeline for one job: describe the image, embed
// the description, append the vector to the index, persist the index and
// commit the record.
type Processor struct {
	store     ProcessStore
	blobs     blob.Store
	describer Describer
	embedder  Embedder
	index     VectorIndex
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a Processor. m may be nil.
func NewProcessor(store ProcessStore, blobs blob.Store, describer Describer, embedder Embedder, index VectorIndex, m *metrics.Metrics) *Processor {
	return &Processor{
		store:     store,
		blobs:     blobs,
		describer: describer,
		embedder:  embedder,
		index:     index,
		metrics:   m,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// Process handles a memory_processing job. Any error marks the memory failed
// except cancellation, which leaves it for redelivery.
func (p *Processor) Process(ctx context.Context, jobID string, payload ProcessingPayload) (any, error) {
	if payload.MemoryID == "" {
		return nil, errors.New("payload has no memory_id")
	}
	logger := p.logger.With("job_id", jobID, "memory_id", payload.MemoryID)

	m, err := p.store.GetMemory(ctx, payload.MemoryID)
	if err != nil {
		return nil, fmt.Errorf("loading memory %s: %w", payload.MemoryID, err)
	}
	if m.ProcessingStatus == storage.StatusCompleted && m.VectorIndexID != nil {
		logger.Info("memory already processed", "position", *m.VectorIndexID)
		return ProcessResult{
			MemoryID:         m.ID,
			VectorIndexID:    *m.VectorIndexID,
			Description:      m.AIDescription,
			AlreadyProcessed: true,
		}, nil
	}

	res, err := p.run(ctx, m, payload, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if ferr := p.store.FailProcessing(context.WithoutCancel(ctx), m.ID, err.Error()); ferr != nil {
			logger.Error("marking memory failed", "error", ferr)
		}
		logger.Warn("memory processing failed", "error", err)
		return nil, err
	}
	return res, nil
}

func (p *Processor) run(ctx context.Context, m storage.Memory, payload ProcessingPayload, logger *slog.Logger) (ProcessResult, error) {
	if err := p.store.MarkProcessing(ctx, m.ID); err != nil {
		return ProcessResult{}, fmt.Errorf("marking processing: %w", err)
	}

	data := payload.ImageData
	if len(data) == 0 {
		var err error
		data, err = p.blobs.Get(ctx, m.BlobRef)
		if err != nil {
			return ProcessResult{}, fmt.Errorf("fetching image %s: %w", m.BlobRef, err)
		}
	}

	desc, err := p.describer.Describe(ctx, data)
	if err != nil {
		return ProcessResult{}, err
	}

	vec, err := p.embedder.Embed(ctx, desc)
	if err != nil {
		return ProcessResult{}, err
	}
	if len(vec) != p.index.Dim() {
		return ProcessResult{}, fmt.Errorf("embedder returned %d dimensions, index holds %d", len(vec), p.index.Dim())
	}

	// Nothing has been appended yet, so giving up here leaves no orphan.
	if err := ctx.Err(); err != nil {
		return ProcessResult{}, err
	}
	pos, err := p.index.Append(vec)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("appending vector: %w", err)
	}
	p.metrics.SetIndexSize(p.index.Size())

	if err := ctx.Err(); err != nil {
		logger.Warn("abandoning commit, vector left orphaned", "position", pos)
		return ProcessResult{}, err
	}
	// A record may only reference a position the index file already holds,
	// otherwise a crash before the next snapshot would hand it out again.
	if err := p.index.Persist(); err != nil {
		logger.Error("persisting index, vector left orphaned", "position", pos, "error", err)
		return ProcessResult{}, fmt.Errorf("persisting index: %w", err)
	}

	err = p.store.CompleteProcessing(ctx, m.ID, storage.Completion{
		Description:        desc,
		EmbeddingModel:     p.embedder.Model(),
		EmbeddingDimension: len(vec),
		VectorIndexID:      pos,
		ProcessedAt:        p.now().UTC(),
	})
	if err != nil {
		logger.Warn("commit failed, vector left orphaned", "position", pos, "error", err)
		return ProcessResult{}, fmt.Errorf("committing memory: %w", err)
	}

	logger.Info("memory processed", "position", pos, "model", p.embedder.Model())
	return ProcessResult{MemoryID: m.ID, VectorIndexID: pos, Description: desc}, nil
}
