package retrieval

import (
	"context"
	"crypto/md5"
	"fmt"
	"log/slog"
	"math"

	"github.com/kalambet/eyemem/internal/engine"
)

// Embedder wraps an Engine to generate fixed-dimension, unit-length text
// embeddings.
//
// A vector of the wrong length from the engine is replaced by an all-zero
// vector so callers never see a malformed vector; transport errors are
// returned unchanged.
type Embedder struct {
	engine engine.Engine
	model  string
	dim    int
	logger *slog.Logger
}

// NewEmbedder creates an Embedder using the given Engine, model name and
// expected dimension.
func NewEmbedder(e engine.Engine, model string, dim int) *Embedder {
	return &Embedder{engine: e, model: model, dim: dim, logger: slog.Default()}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Dim returns the vector dimension.
func (e *Embedder) Dim() int { return e.dim }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) != e.dim {
		e.logger.Warn("embedding has wrong dimension, using zero vector",
			"model", e.model, "got", len(vec), "want", e.dim)
		return make([]float32, e.dim), nil
	}
	return normalize(vec), nil
}

// HashEmbedder derives a deterministic vector from the MD5 digest of the
// text. It needs no model and is meant for offline runs and tests: equal
// texts embed identically, anything else is noise.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a HashEmbedder producing vectors of length dim.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// Model returns the pseudo model name recorded on memories.
func (h *HashEmbedder) Model() string { return "md5-hash" }

// Dim returns the vector dimension.
func (h *HashEmbedder) Dim() int { return h.dim }

// Embed returns the digest bytes, scaled to [0, 1], cycled to fill the vector
// and normalized.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := md5.Sum([]byte(text))
	vec := make([]float32, h.dim)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)]) / 255
	}
	return normalize(vec), nil
}

// normalize scales vec to unit length in place. A zero vector is returned as is.
func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	inv := 1 / math.Sqrt(sum)
	for i, v := range vec {
		vec[i] = float32(float64(v) * inv)
	}
	return vec
}
