// Package api exposes jobs, memories, search and audits over HTTP and MCP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/eyemem/internal/audit"
	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/memory"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/retrieval"
	"github.com/kalambet/eyemem/internal/storage"
)

// JobQueue is the queue surface the API needs.
type JobQueue interface {
	Name() string
	Enqueue(ctx context.Context, jobType string, payload any) (jobs.Envelope, error)
	Len(ctx context.Context) (int64, error)
	InFlight(ctx context.Context) (int64, error)
}

// JobRegistry reads job status records.
type JobRegistry interface {
	Get(ctx context.Context, id string) (jobs.Record, error)
	ListRecent(ctx context.Context, limit, offset int) ([]jobs.Record, error)
	Count(ctx context.Context) (int64, error)
}

// MemoryService is implemented by memory.Service.
type MemoryService interface {
	Upload(ctx context.Context, req memory.UploadRequest) (memory.UploadResult, error)
	Get(ctx context.Context, userID, id string) (storage.Memory, error)
	List(ctx context.Context, userID string, limit, offset int) ([]storage.Memory, error)
	Image(ctx context.Context, imageUUID string) ([]byte, string, error)
	Update(ctx context.Context, userID, id string, u storage.MemoryUpdate) (storage.Memory, error)
	Delete(ctx context.Context, userID, id string) error
	Stats(ctx context.Context, userID string) (storage.MemoryStats, error)
	JobProgress(ctx context.Context, jobID string) (memory.JobStatus, error)
}

// Searcher answers memory searches.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

// Chatter answers a message from the user's memories.
type Chatter interface {
	Chat(ctx context.Context, userID, message string) (retrieval.ChatAnswer, error)
}

// Auditor runs a consistency audit.
type Auditor interface {
	Run(ctx context.Context) (audit.Report, error)
}

// Deps holds everything the HTTP handler serves from.
type Deps struct {
	Queue    JobQueue
	Jobs     JobRegistry
	Memories MemoryService
	Search   Searcher
	Chat     Chatter
	Audit    Auditor
	Metrics  *metrics.Metrics
	// MCP, when set, is served at /mcp behind the same bearer auth.
	MCP http.Handler

	// JobTypes restricts POST /v1/jobs to handled types. Empty accepts any.
	JobTypes      []string
	Token         string
	RateLimit     float64
	RateBurst     int
	MaxUploadSize int64
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = memory.DefaultMaxImageSize
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	if deps.MCP != nil {
		r.With(BearerAuth(deps.Token)).Handle("/mcp", deps.MCP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		// Writes that create work share one limiter.
		limit := RateLimit(deps.RateLimit, deps.RateBurst)

		r.With(limit).Post("/jobs", handleEnqueue(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Get("/queue", handleQueueStats(deps))
		r.Get("/audit", handleAudit(deps))

		r.Route("/memory", func(r chi.Router) {
			r.With(limit).Post("/upload", handleUpload(deps))
			r.Post("/search", handleSearch(deps))
			r.Post("/chat-with-memories", handleChat(deps))
			r.Get("/memories", handleListMemories(deps))
			r.Get("/memories/{id}", handleGetMemory(deps))
			r.Patch("/memories/{id}", handleUpdateMemory(deps))
			r.Delete("/memories/{id}", handleDeleteMemory(deps))
			r.Get("/image/{uuid}", handleImage(deps))
			r.Get("/stats", handleStats(deps))
			r.Get("/jobs/{id}", handleMemoryJob(deps))
		})
	})

	return r
}

// NewServer wraps h in an http.Server with conservative timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
