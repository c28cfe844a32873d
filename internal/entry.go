// Package internal provides the main application initialization and runtime logic.
package internal

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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/docservice"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/graph"
	"github.com/starford/ansuz/internal/inbox"
	"github.com/starford/ansuz/internal/llm"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/rag"
	"github.com/starford/ansuz/internal/scraper"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/store"
)

// runtime is the fully wired dependency graph shared by every command.
type runtime struct {
	cfg    *Config
	logger *slog.Logger
	store  store.Store
	broker *sse.Broker
	svc    *docservice.Service
}

func (rt *runtime) Close() {
	rt.broker.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("store close failed", slog.String("error", err.Error()))
	}
}

func newRuntime(ctx context.Context, opts ...Option) (*runtime, error) {
	app := &application{logOutput: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	})).With(slog.String("app", cfg.App.Name))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("store_driver", cfg.Store.Driver),
		slog.String("auth_mode", cfg.Auth.Mode),
		slog.String("graph_strategy", cfg.RAG.GraphStrategy),
		slog.String("log_level", cfg.App.LogLevel.String()))

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	embedder := embedding.NewOpenAI(embedding.Config{
		APIKey:     cfg.OpenAI.APIKey,
		BaseURL:    cfg.OpenAI.BaseURL,
		Model:      cfg.OpenAI.EmbeddingModel,
		Dimensions: cfg.Store.Dimensions,
	})
	generator := llm.NewOpenAI(llm.Config{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		Model:       cfg.OpenAI.ChatModel,
		Temperature: cfg.OpenAI.Temperature,
	})
	fetcher := scraper.NewFirecrawl(scraper.Config{
		APIKey:  cfg.Scraper.APIKey,
		BaseURL: cfg.Scraper.BaseURL,
		Timeout: cfg.Scraper.Timeout,
	})

	builder, err := graph.NewBuilder(st, graph.Config{
		Strategy: graph.Strategy(cfg.RAG.GraphStrategy),
		TrueMean: cfg.RAG.GraphTrueMean,
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	broker := sse.NewBroker(2 * time.Second)

	svc := docservice.NewService(docservice.Deps{
		Store:    st,
		Scraper:  fetcher,
		Embedder: embedder,
		Retriever: rag.NewRetriever(embedder, st, rag.RetrieverConfig{
			Candidates: cfg.RAG.Candidates,
			TopK:       cfg.RAG.TopK,
		}, logger),
		Streamer: rag.NewStreamer(generator, logger),
		Graph:    builder,
		Notifier: broker,
		Logger:   logger,
	}, docservice.Config{
		ChunkSize:          cfg.RAG.ChunkSize,
		ChunkOverlap:       cfg.RAG.ChunkOverlap,
		EmbedConcurrency:   cfg.RAG.EmbedConcurrency,
		DocumentEmbedChars: cfg.RAG.DocumentEmbedChars,
	})

	return &runtime{cfg: cfg, logger: logger, store: st, broker: broker, svc: svc}, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case StoreDriverPostgres:
		return store.OpenPostgres(ctx, cfg.Postgres.DSN, cfg.Dimensions)
	case StoreDriverQdrant:
		return store.OpenQdrant(ctx, cfg.Qdrant.Host, cfg.Qdrant.Port, cfg.Qdrant.Collection, cfg.Dimensions)
	default:
		return store.OpenSQLite(cfg.SQLite.Path)
	}
}

// Run starts the HTTP server, and the inbox watcher when enabled, until
// ctx is cancelled or a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	cfg, logger := rt.cfg, rt.logger

	apiRouter := api.NewRouter(rt.svc, rt.broker, api.RouterConfig{
		AuthEnabled:    cfg.Auth.AuthEnabled(),
		Token:          cfg.Auth.Token,
		OwnerID:        cfg.Auth.OwnerID,
		GraphThreshold: cfg.RAG.GraphThreshold,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		pingCtx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := rt.store.Ping(pingCtx); err != nil {
			logger.Warn("readiness check failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:         cfg.App.HTTP.Address(),
		Handler:      r,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Inbox.Enabled {
		w := inbox.NewWatcher(cfg.Inbox.Dir, cfg.Auth.OwnerID, rt.svc, cfg.Inbox.Debounce, logger)
		g.Go(func() error {
			if err := w.Run(gCtx); err != nil {
				// The API keeps serving without the inbox.
				logger.Error("inbox watcher failed", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// errShutdown cancels the group so the inbox watcher stops with the server.
var errShutdown = errors.New("shutdown")

// RunMCP serves the MCP tools on stdin/stdout as the configured owner.
func RunMCP(ctx context.Context, opts ...Option) error {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close()

	srv := mcpserver.New(rt.svc, rt.cfg.Auth.OwnerID, rt.cfg.RAG.GraphThreshold)
	rt.logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

// Ingest stores one URL for the configured owner and returns the document.
func Ingest(ctx context.Context, url string, opts ...Option) (models.Document, error) {
	rt, err := newRuntime(ctx, opts...)
	if err != nil {
		return models.Document{}, err
	}
	defer rt.Close()

	return rt.svc.Ingest(ctx, rt.cfg.Auth.OwnerID, url)
}
