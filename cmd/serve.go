package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/autorag/autorag/internal/api"
	"github.com/autorag/autorag/internal/auth"
	"github.com/autorag/autorag/internal/backend"
	"github.com/autorag/autorag/internal/config"
	"github.com/autorag/autorag/internal/corpus"
	"github.com/autorag/autorag/internal/dispatch"
	"github.com/autorag/autorag/internal/generate"
	"github.com/autorag/autorag/internal/index"
	"github.com/autorag/autorag/internal/log"
	"github.com/autorag/autorag/internal/prompt"
	"github.com/autorag/autorag/internal/retrieval"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Build the index and serve the chat API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})
	logger.Info("starting", "config", cfg.String())

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parsing redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	ollama := backend.NewOllama(cfg.OllamaHost, backend.WithTimeout(cfg.BackendTimeout()))
	embedder := backend.NewBoundEmbedder(ollama, cfg.EmbeddingModel)

	metric := index.Cosine
	if cfg.Metric == config.MetricDot {
		metric = index.InnerProduct
	}
	var ixOpts []index.Option
	if cfg.EmbeddingDimension > 0 {
		ixOpts = append(ixOpts, index.WithDimension(cfg.EmbeddingDimension))
	}
	ix := index.New(metric, ixOpts...)

	builder := corpus.NewBuilder(ix, embedder, corpus.ChunkConfig{
		MaxChunkSize: cfg.ChunkSize,
		Overlap:      cfg.ChunkOverlap,
	}, logger)

	corpusText, err := os.ReadFile(cfg.CorpusPath)
	if err != nil {
		return fmt.Errorf("reading corpus %s: %w", cfg.CorpusPath, err)
	}
	report, err := builder.Build(ctx, string(corpusText))
	if err != nil {
		return fmt.Errorf("initial index build: %w", err)
	}
	logger.Info("index built",
		"build_id", report.BuildID,
		"chunks", report.Chunks,
		"dimension", report.Dimension,
		"duration", report.Duration,
	)

	users := auth.NewRedisStore(rdb)
	if len(cfg.DefaultUsers) > 0 {
		if err := users.Seed(ctx, cfg.DefaultUsers...); err != nil {
			return fmt.Errorf("seeding allowlist: %w", err)
		}
	}
	gate := auth.NewGate(users, logger)

	templates := prompt.NewRedisSource(rdb)
	assembler := prompt.NewAssembler(cfg.ContextTokenBudget)

	registry := generate.NewRegistry()
	registry.Register(cfg.GenerationModel, ollama)
	// Ollama addresses models by name per call, so one client serves any
	// model the server hosts. Switches and per-request overrides work
	// without pre-registering each name.
	registry.SetDefault(ollama)

	clientCfg := generate.ClientConfig{
		Timeout: cfg.BackendTimeout(),
		Retry: generate.RetryConfig{
			MaxRetries:      cfg.MaxRetries,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
		Breaker: generate.NewBreaker(generate.BreakerConfig{}),
	}
	if cfg.RateLimitPerSecond > 0 {
		clientCfg.Limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}
	client := generate.NewClient(registry, clientCfg, logger)
	selector := generate.NewSelector(generate.ModelSelection{
		EmbeddingModel:  cfg.EmbeddingModel,
		GenerationModel: cfg.GenerationModel,
	})

	dispatcher := dispatch.New(
		gate,
		retrieval.New(ix, embedder, logger),
		templates,
		assembler,
		client,
		selector,
		dispatch.Options{
			TopK:          cfg.TopK,
			HistoryWindow: cfg.HistoryWindow,
			DenyNotice:    cfg.DenyNotice,
		},
		logger,
	)

	server, err := api.NewServer(api.ServerConfig{
		Logger:     logger,
		Dispatcher: dispatcher,
		Builder:    builder,
		Index:      ix,
		Users:      users,
		Templates:  templates,
		Selector:   selector,
		Registry:   registry,
		CorpusPath: cfg.CorpusPath,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
