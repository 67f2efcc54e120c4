package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/kalambet/eyemem/internal/index"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/storage"
)

// ErrEmptyQuery is returned when the query text is blank.
var ErrEmptyQuery = errors.New("query text is empty")

// QueryEmbedder turns query text into a vector in the same space as the
// indexed memories.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// VectorSearcher returns the nearest index positions for a query vector.
type VectorSearcher interface {
	Search(query []float32, k int) ([]index.Hit, error)
}

// MemoryLookup resolves index positions to the records that own them.
type MemoryLookup interface {
	GetMemoriesByVectorIDs(ctx context.Context, positions []int) (map[int]storage.Memory, error)
}

// Query describes one search request.
type Query struct {
	UserID         string
	Text           string
	Limit          int
	IncludePrivate bool
	Tags           []string
	From           *time.Time
	To             *time.Time
}

// Result is a memory with its similarity to the query.
type Result struct {
	Memory storage.Memory `json:"memory"`
	Score  float32        `json:"similarity_score"`
}

// Options tunes a Searcher. Zero values select defaults.
type Options struct {
	// Oversampling multiplies the limit when fetching candidates so that
	// post-hoc filtering still leaves enough results.
	Oversampling int
	MaxLimit     int
	// CacheSize is the number of query embeddings kept in memory; 0 disables
	// the cache.
	CacheSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

const (
	defaultLimit        = 10
	defaultOversampling = 2
	defaultMaxLimit     = 100
)

// Searcher answers free-text queries against the vector index, joining every
// hit back to the record store. The index alone is never trusted for
// visibility: positions without an owning record are dropped.
type Searcher struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	lookup   MemoryLookup
	opts     Options
	cache    *ristretto.Cache
}

// NewSearcher creates a Searcher.
func NewSearcher(embedder QueryEmbedder, vectors VectorSearcher, lookup MemoryLookup, opts Options) (*Searcher, error) {
	if opts.Oversampling <= 0 {
		opts.Oversampling = defaultOversampling
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = defaultMaxLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Searcher{embedder: embedder, vectors: vectors, lookup: lookup, opts: opts}
	if opts.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters:        int64(opts.CacheSize) * 10,
			MaxCost:            int64(opts.CacheSize),
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedding cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Close releases the embedding cache.
func (s *Searcher) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Search embeds q.Text, fetches limit*oversampling candidates and filters
// them by status, owner, visibility, tags and creation date, in that order. Fewer
// than Limit results is a normal outcome when filters are selective.
func (s *Searcher) Search(ctx context.Context, q Query) ([]Result, error) {
	start := time.Now()
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > s.opts.MaxLimit {
		limit = s.opts.MaxLimit
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := s.vectors.Search(vec, limit*s.opts.Oversampling)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(hits) == 0 {
		s.opts.Metrics.SearchCompleted(time.Since(start), 0)
		return []Result{}, nil
	}

	positions := make([]int, len(hits))
	for i, h := range hits {
		positions[i] = h.Position
	}
	owners, err := s.lookup.GetMemoriesByVectorIDs(ctx, positions)
	if err != nil {
		return nil, fmt.Errorf("resolving index positions: %w", err)
	}

	results := make([]Result, 0, limit)
	orphans := 0
	for _, h := range hits {
		m, ok := owners[h.Position]
		if !ok {
			orphans++
			continue
		}
		if !q.matches(m) {
			continue
		}
		if m.EmbeddingModel != "" && m.EmbeddingModel != s.embedder.Model() {
			s.opts.Logger.Warn("memory embedded with a different model",
				"memory_id", m.ID, "memory_model", m.EmbeddingModel, "query_model", s.embedder.Model())
		}
		results = append(results, Result{Memory: m, Score: h.Score})
		if len(results) == limit {
			break
		}
	}
	if orphans > 0 {
		s.opts.Logger.Debug("skipped orphaned index positions", "count", orphans)
	}

	s.opts.Metrics.SearchCompleted(time.Since(start), len(results))
	return results, nil
}

func (q Query) matches(m storage.Memory) bool {
	if m.ProcessingStatus != storage.StatusCompleted {
		return false
	}
	if m.UserID != q.UserID {
		return false
	}
	if m.IsPrivate && !q.IncludePrivate {
		return false
	}
	if len(q.Tags) > 0 && !anyTag(m.UserTags, q.Tags) {
		return false
	}
	if q.From != nil && m.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && m.CreatedAt.After(*q.To) {
		return false
	}
	return true
}

func anyTag(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (s *Searcher) embed(ctx context.Context, text string) ([]float32, error) {
	if s.cache == nil {
		return s.embedder.Embed(ctx, text)
	}
	key := s.embedder.Model() + "\x00" + text
	if v, ok := s.cache.Get(key); ok {
		s.opts.Metrics.EmbeddingCache(true)
		return v.([]float32), nil
	}
	s.opts.Metrics.EmbeddingCache(false)
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.cache.Set(key, vec, 1)
	return vec, nil
}
