package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/chatwiki/backend/internal/api/handlers"
	rediscache "github.com/chatwiki/backend/internal/cache/redis"
	"github.com/chatwiki/backend/internal/completion"
	"github.com/chatwiki/backend/internal/ingestion"
	"github.com/chatwiki/backend/internal/llm"
	"github.com/chatwiki/backend/internal/metrics"
	"github.com/chatwiki/backend/internal/middleware/ratelimit"
	"github.com/chatwiki/backend/internal/middleware/security"
	"github.com/chatwiki/backend/internal/middleware/validation"
	"github.com/chatwiki/backend/internal/quota"
	"github.com/chatwiki/backend/internal/retrieval"
	"github.com/chatwiki/backend/internal/storage/sqlite"
	"github.com/chatwiki/backend/internal/tokenizer"
	"github.com/chatwiki/backend/internal/vector"
	qdrantindex "github.com/chatwiki/backend/internal/vector/qdrant"
	"github.com/chatwiki/backend/internal/vector/zilliz"
	"github.com/chatwiki/backend/pkg/config"
	appLogger "github.com/chatwiki/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting ChatWiki API Server")
	metrics.Init()

	ctx := context.Background()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	checks := map[string]handlers.Check{"sqlite": sqliteClient.Ping}

	var redisClient *rediscache.Client
	if cfg.Redis.Enabled {
		redisClient, err = rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = redisClient.Ping
	}

	index, err := newIndex(ctx, cfg.Vector)
	if err != nil {
		appLogger.Fatal("Failed to create vector index", zap.String("provider", cfg.Vector.Provider), zap.Error(err))
	}
	defer index.Close()

	if err := index.EnsureCollection(ctx, cfg.Vector.CollectionName, cfg.LLM.EmbeddingDim); err != nil {
		appLogger.Fatal("Failed to create collection", zap.Error(err))
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	var embedder vector.Embedder = llmClient
	if redisClient != nil {
		ttl := time.Duration(cfg.Vector.EmbeddingCacheTTL) * time.Second
		embedder = vector.NewCachedEmbedder(llmClient, redisClient, cfg.LLM.EmbeddingModel, ttl)
	}

	registry, err := tokenizer.NewRegistry(cfg.Tokenizer.DefaultEncoding)
	if err != nil {
		appLogger.Fatal("Failed to load tokenizer", zap.Error(err))
	}

	var store quota.Store = quota.NewMemoryStore()
	if cfg.Quota.Backend == "redis" {
		store = quota.NewRedisStore(redisClient.Raw(), cfg.Quota.KeyPrefix, time.Duration(cfg.Quota.TTLSeconds)*time.Second)
	}
	ledger := quota.NewLedger(store)

	gate := retrieval.NewGate(vector.NewSearcher(embedder, index), cfg.Vector.CollectionName, cfg.Retrieval.Limit)

	orchestrator := completion.NewOrchestrator(
		completion.Repositories{
			Applications: sqliteClient,
			Shares:       sqliteClient,
			History:      sqliteClient,
			Files:        sqliteClient,
		},
		gate,
		registry,
		ledger,
		llmClient,
		completion.Options{
			HistoryPageSize:  cfg.Completion.HistoryPageSize,
			PersistHistory:   cfg.Completion.PersistHistory,
			ChargeCompletion: cfg.Quota.ChargeCompletion,
		},
	)

	processor := ingestion.NewProcessor(sqliteClient, index, embedder, registry.Default(), ingestion.Options{
		Collection:     cfg.Vector.CollectionName,
		ChunkTokens:    cfg.Ingestion.ChunkTokens,
		Workers:        cfg.Ingestion.Workers,
		EmbeddingBatch: cfg.Ingestion.EmbeddingBatch,
		Fetcher: ingestion.NewFetcher(ingestion.FetcherConfig{
			Timeout:     time.Duration(cfg.Ingestion.FetchTimeoutSec) * time.Second,
			MaxBodySize: cfg.Server.BodyLimit,
		}),
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	allowOrigins := "*"
	if len(cfg.Server.AllowedOrigins) > 0 {
		allowOrigins = strings.Join(cfg.Server.AllowedOrigins, ",")
	}

	rl := ratelimit.New(ratelimit.Config{MaxRequestsPerMinute: cfg.RateLimit.RequestsPerMinute})
	defer rl.Stop()

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Share-ID, X-Request-ID",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		IsDevelopment:  cfg.Server.IsDevelopment,
	}))

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1", rl.Middleware(), validation.Middleware(validation.Config{
		MaxContentLength: cfg.Server.MaxContentLen,
		MaxDocumentSize:  cfg.Server.BodyLimit,
	}))

	handlers.Routes{
		Completion: handlers.NewCompletionHandler(orchestrator),
		WebSocket:  handlers.NewWebSocketHandler(orchestrator),
		Dialogs:    handlers.NewDialogHandler(sqliteClient, sqliteClient, ledger),
		Documents:  handlers.NewDocumentHandler(processor),
		Health:     handlers.NewHealthHandler(checks),
	}.Register(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
		appLogger.Error("Shutdown did not complete", zap.Error(err))
	}
	appLogger.Info("Server stopped")
}

func newIndex(ctx context.Context, cfg config.VectorConfig) (vector.Index, error) {
	switch cfg.Provider {
	case "qdrant":
		return qdrantindex.NewClient(qdrantindex.Config{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey,
			UseTLS: cfg.Qdrant.UseTLS,
		})
	default:
		return zilliz.NewClient(ctx, cfg.Zilliz.Endpoint, cfg.Zilliz.APIKey)
	}
}
