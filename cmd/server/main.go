package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/windermere-labs/clinician-deprescriber/internal/cache"
	"github.com/windermere-labs/clinician-deprescriber/internal/config"
	"github.com/windermere-labs/clinician-deprescriber/internal/gcpclient"
	"github.com/windermere-labs/clinician-deprescriber/internal/middleware"
	"github.com/windermere-labs/clinician-deprescriber/internal/model"
	"github.com/windermere-labs/clinician-deprescriber/internal/repository"
	"github.com/windermere-labs/clinician-deprescriber/internal/router"
	"github.com/windermere-labs/clinician-deprescriber/internal/service"
)

const Version = "0.1.0"

// newRouter builds the bare liveness-probe router: no dependencies, so
// a container orchestrator's healthcheck never blocks on Postgres/Redis/
// the LLM provider being reachable. The real pipeline routes are mounted
// alongside it in run().
func newRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, Version)
	})

	return r
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// buildGenAIClient selects the Vertex Gemini or OpenAI GPT-4 provider per
// cfg.GenAIProvider and returns it alongside the model_tag spec §6 keys
// the cache on.
func buildGenAIClient(ctx context.Context, cfg *config.Config) (service.GenAIClient, string, error) {
	switch cfg.GenAIProvider {
	case "openai":
		return gcpclient.NewOpenAIAdapter(os.Getenv("OPENAI_API_KEY"), cfg.OpenAIModel), cfg.OpenAIModel, nil
	default:
		adapter, err := gcpclient.NewGenAIAdapter(ctx, cfg.GCPProject, cfg.VertexAILocation, cfg.VertexAIModel)
		if err != nil {
			return nil, "", fmt.Errorf("buildGenAIClient: %w", err)
		}
		return adapter, cfg.VertexAIModel, nil
	}
}

// buildPipeline wires every core component — embedder, document store,
// retriever, reranker, cache tiers, guard, slot-filler, validator,
// generator — into one PipelineService, the way DESIGN.md's ledger
// describes cmd/server's job: glue, not the deliverable.
func buildPipeline(ctx context.Context, cfg *config.Config) (*service.PipelineService, *pgxpool.Pool, *redis.Client, error) {
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("buildPipeline: database: %w", err)
	}

	redisClient, err := cache.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("buildPipeline: redis: %w", err)
	}

	genAI, modelTag, err := buildGenAIClient(ctx, cfg)
	if err != nil {
		pool.Close()
		redisClient.Close()
		return nil, nil, nil, fmt.Errorf("buildPipeline: genai: %w", err)
	}

	embeddingAdapter, err := gcpclient.NewEmbeddingAdapter(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		pool.Close()
		redisClient.Close()
		return nil, nil, nil, fmt.Errorf("buildPipeline: embedding: %w", err)
	}

	documentStore := repository.NewDocumentStore(pool)

	embedder := service.NewEmbedderService(embeddingAdapter, documentStore)
	embedder.SetQueryCache(cache.NewEmbeddingCache(cache.DefaultEmbeddingTTL()))

	crossEncoder := gcpclient.NewCrossEncoderAdapter(cfg.CrossEncoderURL)
	reranker := service.NewReRanker(crossEncoder, cfg.RerankTopK, cfg.RerankScoreThreshold, cfg.RerankAggregateThreshold, cfg.BM25K1, cfg.BM25B)

	retriever := service.NewRetrieverService(embedder, documentStore, cfg.RetrievalTopK, cfg.RetrievalThreshold)
	retriever.SetBM25(reranker, documentStore)

	guard := service.NewGuard()
	slotFiller := service.NewSlotFiller(genAI)
	validator := service.NewValidator(genAI)
	multiQuery := service.NewMultiQueryGenerator()
	generator := service.NewGeneratorService(genAI, modelTag)

	exactCache := cache.NewRedisExactCache(redisClient, cfg.ExactCacheTTLSeconds)
	semanticCache := cache.NewRedisSemanticCache(redisClient, embedder.AsFunc(), cfg.SemanticCacheTTLSeconds, cfg.SemanticCacheThreshold)

	pipeline := service.NewPipelineService(
		guard,
		slotFiller,
		validator,
		exactCache,
		semanticCache,
		multiQuery,
		retriever,
		reranker,
		generator,
		modelTag,
		model.CollectionUnstructured,
	)

	return pipeline, pool, redisClient, nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	pipeline, pool, redisClient, err := buildPipeline(bootCtx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer redisClient.Close()

	metricsReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(metricsReg)
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		MaxRequests: 60,
		Window:      time.Minute,
	})

	businessRouter := router.New(&router.Dependencies{
		DB:                 pool,
		Version:            Version,
		FrontendURL:        cfg.FrontendURL,
		Metrics:            metrics,
		MetricsReg:         metricsReg,
		Pipeline:           pipeline,
		InternalAuthSecret: cfg.InternalAuthSecret,
		RateLimiter:        rateLimiter,
	})

	appRouter := newRouter()
	appRouter.Mount("/", businessRouter)

	port := getPort()
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      appRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("clinician-deprescriber starting", "version", Version, "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
