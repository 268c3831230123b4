// Command server runs the conversational memory engine: the HTTP API plus
// the background synthesis worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hmlr-memory/internal/ai"
	"hmlr-memory/internal/api"
	"hmlr-memory/internal/blocks"
	"hmlr-memory/internal/chat"
	"hmlr-memory/internal/config"
	"hmlr-memory/internal/embeddings"
	"hmlr-memory/internal/facts"
	"hmlr-memory/internal/governor"
	"hmlr-memory/internal/lineage"
	"hmlr-memory/internal/logging"
	"hmlr-memory/internal/retrieval"
	"hmlr-memory/internal/scrubber"
	"hmlr-memory/internal/storage"
	"hmlr-memory/internal/synthesis"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logging.SetDefault(logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format == "json"))
	logger := logging.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Document store.
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Vector index.
	vectors, err := openVectorStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	// External model services.
	embedder := embeddings.NewOpenAIEmbeddingService(&cfg.OpenAI, cfg.Memory.EmbeddingDimensions)
	llm := ai.NewOpenAIChatService(&cfg.OpenAI)

	// Core services.
	blockMgr := blocks.NewManager(store.Blocks(), store.Turns(), llm)
	factSvc := facts.NewService(store.Facts())
	retrievalSvc := retrieval.NewService(cfg.Retrieval, store.Memories(), store.Chunks(),
		store.Facts(), store.Blocks(), vectors)
	gov := governor.New(blockMgr, retrievalSvc, factSvc, llm)
	tracker := lineage.NewTracker(store.Lineage())

	// Synthesis pipeline.
	queue, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer queue.Close()
	scheduler := synthesis.NewScheduler(store.Jobs(), queue)
	scribe := synthesis.NewProfileService(factSvc, blockMgr, llm)
	worker := synthesis.NewWorker(queue, store.Jobs(), scribe,
		synthesis.NewDayService(blockMgr),
		synthesis.NewWeekService(blockMgr, factSvc, llm))
	if _, err := scheduler.Recover(ctx, 100); err != nil {
		logger.Warn("synthesis recovery failed", "error", err)
	}
	workerDone := make(chan error, 1)
	go func() { workerDone <- worker.Run(ctx) }()

	orchestrator := chat.NewOrchestrator(cfg, store, vectors, embedder, llm, gov,
		blockMgr, factSvc, scrubber.New(llm), tracker, chat.Options{
			Profile:   scribe,
			Scheduler: scheduler,
		})

	router := api.NewRouter(cfg, orchestrator, retrievalSvc, embedder, blockMgr, factSvc,
		tracker, store, vectors)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr, "storage", cfg.Storage.Driver)
		serverDone <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown failed", "error", err)
	}
	queue.Close()
	if err := <-workerDone; err != nil {
		logger.Warn("synthesis worker exited with error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openStore selects the document store backend. "memory" keeps everything
// in process, for development and tests.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemStore(), nil
	case "sqlite3", "postgres":
		store, err := storage.NewSQLStore(&cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s store: %w", cfg.Storage.Driver, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openVectorStore connects qdrant behind a retry wrapper, or the in-memory
// index when qdrant is disabled.
func openVectorStore(ctx context.Context, cfg *config.Config) (storage.VectorStore, error) {
	if !cfg.Qdrant.Enabled {
		return storage.NewMemVectorStore(), nil
	}
	qdrant := storage.NewQdrantStore(&cfg.Qdrant, cfg.Memory.EmbeddingDimensions)
	if err := qdrant.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("qdrant initialization failed: %w", err)
	}
	return storage.NewRetryVectorStore(qdrant, nil), nil
}

func openQueue(ctx context.Context, cfg *config.Config) (synthesis.Queue, error) {
	if !cfg.Redis.Enabled {
		return synthesis.NewMemoryQueue(0), nil
	}
	queue, err := synthesis.NewRedisQueue(ctx, &cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("redis queue unavailable: %w", err)
	}
	return queue, nil
}
