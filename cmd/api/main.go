package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/civicdocs/backend/internal/analysis"
	"github.com/civicdocs/backend/internal/api/handlers"
	"github.com/civicdocs/backend/internal/dispatch"
	"github.com/civicdocs/backend/internal/events"
	"github.com/civicdocs/backend/internal/metrics"
	"github.com/civicdocs/backend/internal/pipeline"
	"github.com/civicdocs/backend/internal/source"
	"github.com/civicdocs/backend/internal/storage"
	"github.com/civicdocs/backend/internal/storage/blob"
	"github.com/civicdocs/backend/internal/storage/sqlite"
	"github.com/civicdocs/backend/internal/template"
	"github.com/civicdocs/backend/pkg/config"
	appLogger "github.com/civicdocs/backend/pkg/logger"
	"github.com/civicdocs/backend/pkg/retry"
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

	appLogger.Info("Starting CivicDocs API server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	blobStore, err := blob.NewFileStore(cfg.Blob.Path)
	if err != nil {
		appLogger.Fatal("Failed to create blob store", zap.Error(err))
	}

	store := storage.NewDocumentStore(sqliteClient, blobStore)

	resolver, err := template.LoadResolver(cfg.Templates.Path)
	if err != nil {
		appLogger.Fatal("Failed to load templates", zap.Error(err))
	}

	if cfg.LLM.APIKey == "" {
		appLogger.Fatal("LLM API key is required")
	}

	provider := analysis.NewOpenAIProvider(cfg.LLM)
	engine := analysis.NewEngine(provider)

	hub := events.NewHub()

	orchestrator := pipeline.NewOrchestrator(store, resolver, engine, hub, pipeline.Config{
		RetryPolicy: retry.FromPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BackoffBaseMs, appLogger.GetLogger()),
	})

	adapters := make([]source.Adapter, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		adapters = append(adapters, source.NewMeetingsAdapter(sc))
	}

	dispatcher := dispatch.New(orchestrator, store, adapters, hub, dispatch.Config{
		PollInterval:    time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		Workers:         cfg.Scheduler.MaxWorkerCount,
		MaxQueueDepth:   cfg.Scheduler.MaxQueueDepth,
		DefaultTemplate: cfg.Templates.Default,
		SweepOnStart:    cfg.Scheduler.SweepOnStart,
	})

	dispatcher.Start(context.Background())

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	ingestHandler := handlers.NewIngestHandler(dispatcher)
	documentHandler := handlers.NewDocumentHandler(store)
	runHandler := handlers.NewRunHandler(store)
	statusHandler := handlers.NewStatusHandler(hub)

	api := app.Group("/api/v1")

	api.Post("/ingest", ingestHandler.TriggerIngest)
	api.Post("/analyze", ingestHandler.TriggerAnalyze)

	api.Get("/documents", documentHandler.ListDocuments)
	api.Get("/documents/:fingerprint", documentHandler.GetDocument)
	api.Get("/documents/:fingerprint/analyses", documentHandler.ListAnalyses)

	api.Get("/runs/:id", runHandler.GetRun)

	api.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(statusHandler.HandleConnection))

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

	appLogger.Info("Shutting down gracefully...")
	dispatcher.Stop()
	app.Shutdown()
	appLogger.Info("Server stopped")
}
