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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/recall/internal/brain"
	"github.com/ent0n29/recall/internal/config"
	"github.com/ent0n29/recall/internal/controller"
	"github.com/ent0n29/recall/internal/conversation"
	"github.com/ent0n29/recall/internal/httpapi"
	"github.com/ent0n29/recall/internal/memory"
	"github.com/ent0n29/recall/internal/observability"
	"github.com/ent0n29/recall/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recall: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := conversation.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	defer store.Close()

	embedder, embedderName, err := newEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	if c, ok := embedder.(*memory.CachedEmbedder); ok {
		defer c.Close()
	}
	index, err := memory.NewChromemIndex(cfg.MemoryIndexPath)
	if err != nil {
		return fmt.Errorf("memory index: %w", err)
	}
	defer index.Close()

	generator, err := brain.NewAdapter(brain.Config{
		Mode:               cfg.BrainAdapterMode,
		AnthropicAPIKey:    cfg.AnthropicAPIKey,
		AnthropicModel:     cfg.AnthropicModel,
		AnthropicMaxTokens: int64(cfg.AnthropicMaxTokens),
		HTTPURL:            cfg.BrainHTTPURL,
		HTTPStreamStrict:   cfg.BrainHTTPStreamStrict,
		FirstDeltaTimeout:  cfg.BrainFirstDeltaTimeout,
		NonStreamFallback:  cfg.GenerationNonStreamFallback,
	})
	if err != nil {
		return fmt.Errorf("generator: %w", err)
	}

	info := httpapi.Info{
		Store:     conversation.Mode(cfg.DatabaseURL),
		Generator: brain.Describe(generator),
		Embedder:  embedderName,
	}
	logger.Info().
		Str("store", info.Store).
		Str("generator", info.Generator).
		Str("embedder", info.Embedder).
		Msg("backends configured")

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionEvent("expired")
		logger.Info().Str("session_id", s.ID).Str("user_id", s.UserID).Msg("session expired")
	})

	svc := controller.NewService(controller.Deps{
		Store:     store,
		Retriever: memory.NewRetriever(embedder, index, cfg.MemoryMinSimilarity),
		Indexer: memory.NewIndexer(embedder, index, memory.IndexerOptions{
			RedactPII:    cfg.MemoryRedactPII,
			PreviewChars: cfg.MemoryPreviewChars,
		}),
		Generator: generator,
		Sessions:  sessions,
		Metrics:   metrics,
		Logger:    logger,
	}, controller.Options{
		Preamble:          cfg.SystemPreamble,
		DegradedMessage:   cfg.DegradedMessage,
		HistoryLimit:      cfg.HistoryLimit,
		MemoryTopK:        cfg.MemoryTopK,
		IndexUserTurns:    cfg.MemoryIndexUserTurns,
		StoreTimeout:      cfg.StoreTimeout,
		RetrievalTimeout:  cfg.MemoryRetrievalTimeout,
		GenerationTimeout: cfg.GenerationTimeout,
	})

	api := httpapi.New(cfg, sessions, svc, metrics, logger, info)
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, 5*time.Second)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		return shutdown(cfg, api, httpServer, sessions, svc, logger)
	})

	err = g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}

// shutdown stops accepting connections, ends every live session so its
// controller persists the in-flight turn, and waits for them within the
// configured bound.
func shutdown(
	cfg config.Config,
	api *httpapi.Server,
	httpServer *http.Server,
	sessions *session.Manager,
	svc *controller.Service,
	logger zerolog.Logger,
) error {
	api.SetDraining(true)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		_ = httpServer.Close()
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	// Websocket connections are hijacked, so Shutdown does not wait for them.
	for _, s := range sessions.List() {
		_, _ = sessions.End(s.ID, "server shutdown")
	}
	if err := svc.Drain(ctx); err != nil {
		logger.Warn().Err(err).Msg("connections still open at shutdown deadline")
		errs = append(errs, fmt.Errorf("drain connections: %w", err))
	}
	return errors.Join(errs...)
}

func newEmbedder(cfg config.Config) (memory.Embedder, string, error) {
	var (
		base memory.Embedder
		name string
	)
	switch cfg.EmbeddingProvider {
	case "http":
		e, err := memory.NewHTTPEmbedder(memory.HTTPEmbedderConfig{
			URL:    cfg.EmbeddingHTTPURL,
			APIKey: cfg.EmbeddingAPIKey,
			Model:  cfg.EmbeddingModel,
		})
		if err != nil {
			return nil, "", err
		}
		base, name = e, "http"
	default:
		base, name = memory.NewHashEmbedder(cfg.MemoryEmbeddingDim), "hash"
	}

	if cfg.EmbeddingCacheEntries <= 0 {
		return base, name, nil
	}
	cached, err := memory.NewCachedEmbedder(base, cfg.EmbeddingCacheEntries)
	if err != nil {
		return nil, "", err
	}
	return cached, "cached(" + name + ")", nil
}
