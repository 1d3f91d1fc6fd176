// devteam - persona actor server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ashureev/devteam/internal/actor"
	"github.com/ashureev/devteam/internal/api"
	"github.com/ashureev/devteam/internal/config"
	"github.com/ashureev/devteam/internal/devlead"
	"github.com/ashureev/devteam/internal/feed"
	"github.com/ashureev/devteam/internal/generation"
	"github.com/ashureev/devteam/internal/issues"
	"github.com/ashureev/devteam/internal/memory"
	"github.com/ashureev/devteam/internal/middleware"
	"github.com/ashureev/devteam/internal/skills"
	"github.com/ashureev/devteam/internal/store"
	"github.com/ashureev/devteam/internal/stream"
	"github.com/ashureev/devteam/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "generation_backend", cfg.Generation.Backend, "memory_enabled", cfg.Memory.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	metrics := telemetry.NewMetrics(cfg.MetricsEnabled)

	catalog, err := skills.Load(cfg.Generation.SkillsPath)
	if err != nil {
		return fmt.Errorf("load skill catalog: %w", err)
	}

	engine, closeEngine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeEngine()

	invoker := generation.NewInvoker(engine, catalog, generation.InvokerOptions{
		Timeout:    cfg.Generation.Timeout,
		MaxRetries: cfg.Generation.MaxRetries,
		RetryDelay: cfg.Generation.RetryDelay,
		Logger:     logger,
		Metrics:    metrics,
	})

	var index *memory.Index
	var memories api.MemoryWriter
	if cfg.Memory.Enabled {
		embedder, err := memory.NewGenAIEmbedder(ctx, cfg.Generation.GeminiAPIKey, cfg.Memory.EmbeddingModel)
		if err != nil {
			return fmt.Errorf("initialize embedder: %w", err)
		}
		index = memory.NewIndex(repo, embedder)
		memories = index
		slog.Info("Memory retrieval enabled", "top_k", cfg.Memory.TopK, "embedding_model", cfg.Memory.EmbeddingModel)
	}
	var searcher memory.Searcher
	if index != nil {
		searcher = index
	}
	contextBuilder := memory.NewContextBuilder(searcher, memory.ContextOptions{
		Enabled: cfg.Memory.Enabled,
		TopK:    cfg.Memory.TopK,
		Timeout: cfg.Memory.LookupTimeout,
		Logger:  logger,
	})

	tracker, err := issues.NewGitHubTracker(cfg.GitHub.Token, cfg.GitHub.APIURL, nil, logger)
	if err != nil {
		return fmt.Errorf("initialize issue tracker: %w", err)
	}
	if cfg.GitHub.Token == "" {
		slog.Warn("GITHUB_TOKEN not set, issue creation will be unauthenticated")
	}

	hub := feed.NewHub(0, logger)
	events := stream.NewMemory(cfg.Actor.StreamMaxPending, logger)

	personas := actor.NewRuntime(ctx, events, devlead.Factory(devlead.Deps{
		Store:     repo,
		Generator: invoker,
		Context:   contextBuilder,
		Tracker:   tracker,
		Observer:  hub,
		Logger:    logger,
	}), actor.Options{
		Topic:       devlead.Topic,
		MailboxSize: cfg.Actor.MailboxSize,
		IdleTimeout: cfg.Actor.IdleTimeout,
		DedupWindow: cfg.Actor.DedupWindow,
		Logger:      logger,
		Metrics:     metrics,
	})
	// Registration replaces declarative stream binding: unsubscribed partitions activate an actor.
	events.SetActivator(devlead.Topic, personas.Activate)

	svc := devlead.NewService(personas)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(middleware.MaxBodySize(cfg.MaxRequestBodySize))

	api.NewHealthHandler(repo, personas, logger).RegisterHealth(r)
	api.NewPersonaHandler(svc, events, devlead.Topic,
		feed.NewHandler(hub, svc, originPatterns(cfg.CORSAllowedOrigins), logger),
		logger).RegisterRoutes(r)
	api.NewSkillHandler(invoker, catalog, memories, logger).RegisterRoutes(r)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	// WebSocket feeds are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		slog.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		if err := personas.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("actor runtime: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// newEngine builds the configured generation backend and its cleanup function.
func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger) (generation.Engine, func(), error) {
	switch cfg.Generation.Backend {
	case config.BackendGRPC:
		slog.Info("Connecting to generation service via gRPC", "address", cfg.Generation.Addr)
		engine, err := generation.NewGRPCEngine(generation.DefaultGRPCConfig(cfg.Generation.Addr), logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect generation service: %w", err)
		}
		return engine, engine.Close, nil
	case config.BackendGemini:
		engine, err := generation.NewGeminiEngine(ctx, cfg.Generation.GeminiAPIKey, cfg.Generation.GeminiModel)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize gemini engine: %w", err)
		}
		slog.Info("Gemini generation engine ready", "model", cfg.Generation.GeminiModel)
		return engine, func() {}, nil
	default:
		slog.Info("Mockup generation engine selected, prompts are echoed instead of generated")
		return generation.MockupEngine{}, func() {}, nil
	}
}

// originPatterns converts CORS origins into websocket.Accept origin patterns,
// which match hosts rather than full origins.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		out = append(out, o)
	}
	return out
}
