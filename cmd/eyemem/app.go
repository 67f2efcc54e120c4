package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/kalambet/eyemem/internal/audit"
	"github.com/kalambet/eyemem/internal/blob"
	"github.com/kalambet/eyemem/internal/config"
	"github.com/kalambet/eyemem/internal/engine"
	"github.com/kalambet/eyemem/internal/index"
	"github.com/kalambet/eyemem/internal/jobs"
	"github.com/kalambet/eyemem/internal/memory"
	"github.com/kalambet/eyemem/internal/metrics"
	"github.com/kalambet/eyemem/internal/retrieval"
	"github.com/kalambet/eyemem/internal/storage"
	"github.com/kalambet/eyemem/internal/worker"
)

// app holds the shared components of the start and worker commands.
type app struct {
	cfg       config.Config
	metrics   *metrics.Metrics
	store     *storage.Store
	rdb       *redis.Client
	registry  *jobs.Registry
	queue     *jobs.Queue
	index     *index.Index
	blobs     blob.Store
	embedder  memory.Embedder
	describer memory.Describer
	// chat is nil for the offline engine.
	chat      engine.Engine
	closers   []func() error
}

func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openApp connects every backing store. When checkEngine is set the
// inference engine must be reachable and missing models are pulled. Only a
// writer appends to the vector index; it holds the index lock and reserves any
// positions the store references beyond the loaded snapshot. Other processes
// open the index read-only.
func openApp(ctx context.Context, cfg config.Config, checkEngine, writer bool) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	ready := false
	defer func() {
		if !ready {
			a.close()
		}
	}()

	var err error
	a.store, err = storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.rdb = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.rdb.Close)
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
	}
	a.registry = jobs.NewRegistry(a.rdb, cfg.Redis.KeyPrefix)
	a.queue = jobs.NewQueue(a.rdb, a.registry, cfg.Redis.Queue, cfg.Worker.VisibilityTimeout)

	if writer {
		a.index, err = index.Open(cfg.IndexPath(), cfg.Index.Dimension)
	} else {
		a.index, err = index.OpenReadOnly(cfg.IndexPath(), cfg.Index.Dimension)
	}
	if errors.Is(err, index.ErrLocked) {
		return nil, fmt.Errorf("opening index: %w; another eyemem process is running workers", err)
	}
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	a.closers = append(a.closers, a.index.Close)
	if writer {
		if _, err := memory.ReconcileIndex(ctx, a.store, a.index, slog.Default()); err != nil {
			return nil, fmt.Errorf("reconciling index: %w", err)
		}
	}
	a.metrics.SetIndexSize(a.index.Size())

	a.blobs, err = openBlobs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := a.openEngine(ctx, checkEngine); err != nil {
		return nil, err
	}

	slog.Info("components ready",
		"data_dir", cfg.Storage.DataDir,
		"index", cfg.IndexPath(),
		"index_size", a.index.Size(),
		"index_writer", writer,
		"queue", cfg.Redis.Queue,
		"engine", cfg.Engine.Provider,
	)
	ready = true
	return a, nil
}

func openBlobs(ctx context.Context, cfg config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "minio":
		s, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			UseSSL:    cfg.Blob.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("opening blob store: %w", err)
		}
		return s, nil
	default:
		s, err := blob.NewLocalStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
		if err != nil {
			return nil, fmt.Errorf("opening blob store: %w", err)
		}
		return s, nil
	}
}

func (a *app) openEngine(ctx context.Context, check bool) error {
	cfg := a.cfg.Engine
	if cfg.Provider == "offline" {
		slog.Warn("offline engine: descriptions are size buckets and embeddings are content hashes")
		a.embedder = retrieval.NewHashEmbedder(a.cfg.Index.Dimension)
		a.describer = memory.SizeDescriber{}
		return nil
	}

	eng, err := engine.New(engine.Config{Provider: cfg.Provider, BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	if err != nil {
		return err
	}
	if check {
		if err := engine.EnsureReady(ctx, eng, cfg.VisionModel, cfg.EmbedModel, os.Stderr); err != nil {
			return err
		}
	}
	a.embedder = retrieval.NewEmbedder(eng, cfg.EmbedModel, a.cfg.Index.Dimension)
	a.describer = memory.NewEngineDescriber(eng, cfg.VisionModel)
	a.chat = eng
	return nil
}

func (a *app) memoryService() *memory.Service {
	return memory.NewService(a.store, a.blobs, a.queue, a.registry, memory.Options{
		MaxImageSize:   int64(a.cfg.Upload.MaxSize),
		InlineMaxBytes: a.cfg.Upload.InlineMaxBytes,
		Metrics:        a.metrics,
	})
}

func (a *app) searcher() (*retrieval.Searcher, error) {
	return retrieval.NewSearcher(a.embedder, a.index, a.store, retrieval.Options{
		Oversampling: a.cfg.Search.Oversampling,
		MaxLimit:     a.cfg.Search.MaxLimit,
		CacheSize:    a.cfg.Search.CacheSize,
		Metrics:      a.metrics,
	})
}

// chatter answers questions about memories. The vision model doubles as the
// chat model; the offline engine only echoes the question with its context.
func (a *app) chatter(s *retrieval.Searcher) *retrieval.Chatter {
	if a.chat == nil {
		return retrieval.NewChatter(s, nil, "")
	}
	return retrieval.NewChatter(s, a.chat, a.cfg.Engine.VisionModel)
}

func (a *app) auditor() *audit.Auditor {
	return audit.New(a.store, a.registry, a.index, audit.Options{
		StuckAfter: a.cfg.Audit.StuckAfter,
		Metrics:    a.metrics,
	})
}

// handlers registers every job type this binary executes.
func (a *app) handlers() *worker.Mux {
	proc := memory.NewProcessor(a.store, a.blobs, a.describer, a.embedder, a.index, a.metrics)
	mux := worker.NewMux()
	mux.Register(memory.JobType, worker.Typed(proc.Process))
	return mux
}

func (a *app) pool(mux *worker.Mux) *worker.Pool {
	w := a.cfg.Worker
	return worker.NewPool(a.queue, a.registry, mux, worker.Options{
		Count:          w.Count,
		DequeueTimeout: w.DequeueTimeout,
		JobTimeout:     w.JobTimeout,
		ReapInterval:   w.ReapInterval,
		Metrics:        a.metrics,
	})
}

// close flushes any unsaved vectors and releases resources in reverse order.
// A read-only index never writes.
func (a *app) close() error {
	var errs []error
	if a.index != nil {
		if err := a.index.Persist(); err != nil {
			errs = append(errs, fmt.Errorf("persisting index: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
