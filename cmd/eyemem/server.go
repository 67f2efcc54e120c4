package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/eyemem/internal/api"
	"github.com/kalambet/eyemem/internal/config"
	"github.com/kalambet/eyemem/internal/engine"
)

const (
	shutdownTimeout = 10 * time.Second
	// indexRefreshInterval is how often a read-only API picks up vectors
	// appended by a separate worker process.
	indexRefreshInterval = 5 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the API server with in-process workers (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		noWorkers, _ := cmd.Flags().GetBool("no-workers")
		mcpStdio, _ := cmd.Flags().GetBool("mcp-stdio")
		auditEvery, _ := cmd.Flags().GetDuration("audit-interval")
		return runServer(noWorkers, mcpStdio, auditEvery)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run job workers only (foreground)",
	Long: `Run job workers only.

Workers are the single writer of the vector index and hold a lock on it, so
only one process may run workers at a time. Pair this with
"eyemem start --no-workers", which serves the API from a read-only copy of the
index and reloads it as workers append.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		return runWorkers(metricsAddr)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show eyemem system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func init() {
	startCmd.Flags().Bool("no-workers", false, "serve the API from a read-only index; run \"eyemem worker\" separately")
	startCmd.Flags().Bool("mcp-stdio", false, "also serve MCP tools over stdin/stdout")
	startCmd.Flags().Duration("audit-interval", 10*time.Minute, "how often to refresh audit gauges (0 disables)")
	workerCmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. 127.0.0.1:9101")
}

func runServer(noWorkers, mcpStdio bool, auditEvery time.Duration) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)
	slog.Info("starting eyemem", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true, !noWorkers)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	svc := a.memoryService()
	searcher, err := a.searcher()
	if err != nil {
		return err
	}
	defer searcher.Close()
	auditor := a.auditor()
	chatter := a.chatter(searcher)
	mux := a.handlers()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Memories: svc, Search: searcher, Chat: chatter, Jobs: a.registry}, version)
	handler := api.NewHandler(api.Deps{
		Queue:         a.queue,
		Jobs:          a.registry,
		Memories:      svc,
		Search:        searcher,
		Chat:          chatter,
		Audit:         auditor,
		Metrics:       a.metrics,
		MCP:           server.NewStreamableHTTPServer(mcpSrv),
		JobTypes:      mux.Types(),
		Token:         cfg.Server.APIToken,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
		MaxUploadSize: int64(cfg.Upload.MaxSize),
	})
	if cfg.Server.APIToken == "" {
		slog.Warn("no API token configured; /v1 is unauthenticated", "env", "EYEMEM_SERVER_API_TOKEN")
	}
	srv := api.NewServer(cfg.Server.ListenAddr(), handler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("eyemem listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if noWorkers {
		g.Go(func() error {
			refreshIndex(gctx, a, indexRefreshInterval)
			return nil
		})
	} else {
		pool := a.pool(mux)
		g.Go(func() error { return pool.Run(gctx) })
	}

	if mcpStdio {
		stdioSrv := server.NewStdioServer(mcpSrv)
		g.Go(func() error {
			if err := stdioSrv.Listen(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
			return nil
		})
		slog.Info("MCP server started (stdio transport)")
	}

	if auditEvery > 0 {
		g.Go(func() error {
			auditLoop(gctx, auditor, auditEvery)
			return nil
		})
	}

	return g.Wait()
}

// auditLoop refreshes the audit gauges until ctx is cancelled.
func auditLoop(ctx context.Context, auditor api.Auditor, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if _, err := auditor.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("audit failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// refreshIndex reloads a read-only index until ctx is cancelled.
func refreshIndex(ctx context.Context, a *app, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n, err := a.index.Reload()
		if err != nil {
			slog.Warn("reloading index", "error", err)
			continue
		}
		if n > 0 {
			a.metrics.SetIndexSize(a.index.Size())
			slog.Debug("index reloaded", "added", n, "size", a.index.Size())
		}
	}
}

func runWorkers(metricsAddr string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)
	slog.Info("starting eyemem workers", "version", version, "count", cfg.Worker.Count)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, true, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			slog.Error("shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	pool := a.pool(a.handlers())
	g.Go(func() error { return pool.Run(gctx) })

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := api.NewServer(metricsAddr, mux)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := newClient(cfg)
	running := client.healthy(ctx)
	if running {
		printStatus("Server", "running on %s", cfg.Server.ListenAddr())
	} else {
		printStatus("Server", "stopped")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		printStatus("Redis", "unreachable at %s (%v)", cfg.Redis.Addr, err)
	} else {
		printStatus("Redis", "reachable at %s", cfg.Redis.Addr)
	}

	printEngineStatus(ctx, cfg.Engine)
	printStatus("Vision model", "%s", cfg.Engine.VisionModel)
	printStatus("Embed model", "%s (dim %d)", cfg.Engine.EmbedModel, cfg.Index.Dimension)

	if running {
		var qs api.QueueStats
		if err := client.getJSON(ctx, "/v1/queue", &qs); err == nil {
			printStatus("Queue", "%s: %d waiting, %d in flight", qs.Name, qs.Waiting, qs.InFlight)
		}
		var st struct {
			TotalMemories       int `json:"total_memories"`
			ProcessingCompleted int `json:"processing_completed"`
			ProcessingFailed    int `json:"processing_failed"`
		}
		if err := client.getJSON(ctx, "/v1/memory/stats", &st); err == nil {
			printStatus("Memories", "%d (%d completed, %d failed)", st.TotalMemories, st.ProcessingCompleted, st.ProcessingFailed)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	printStatus("Index", "%s", cfg.IndexPath())
	return nil
}

func printEngineStatus(ctx context.Context, cfg config.EngineConfig) {
	if cfg.Provider == "offline" {
		printStatus("Engine", "offline (hash embeddings)")
		return
	}
	eng, err := engine.New(engine.Config{Provider: cfg.Provider, BaseURL: cfg.BaseURL, APIKey: cfg.APIKey})
	if err != nil {
		printStatus("Engine", "%v", err)
		return
	}
	if eng.IsRunning(ctx) {
		printStatus("Engine", "%s running at %s", cfg.Provider, cfg.BaseURL)
	} else {
		printStatus("Engine", "%s not running at %s", cfg.Provider, cfg.BaseURL)
	}
}
