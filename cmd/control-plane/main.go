package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runforge/runforge/internal/api"
	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/store"
	"github.com/runforge/runforge/internal/streams"
	"github.com/runforge/runforge/internal/worker"
	"github.com/runforge/runforge/internal/worker/dockerdriver"
	"github.com/runforge/runforge/internal/worker/executorhttp"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Runforge control plane...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus: NATS in production, in-memory for dev
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Worker repository: postgres > sqlite > in-memory
	var repo worker.Repository
	switch {
	case cfg.Database.Host != "":
		pg, err := worker.NewPostgresRepository(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
		}
		repo = pg
		log.Info("Using PostgreSQL worker repository", zap.String("host", cfg.Database.Host))
	case cfg.SQLite.Path != "":
		sq, err := worker.NewSQLiteRepository(cfg.SQLite.Path)
		if err != nil {
			log.Fatal("Failed to open SQLite database", zap.Error(err))
		}
		repo = sq
		log.Info("Using SQLite worker repository", zap.String("path", cfg.SQLite.Path))
	default:
		repo = worker.NewMemoryRepository()
		log.Info("Using in-memory worker repository")
	}
	defer repo.Close()

	// 5. Container driver
	driver, err := dockerdriver.New(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to initialize Docker client", zap.Error(err))
	}
	defer driver.Close()

	if err := driver.Ping(ctx); err != nil {
		log.Fatal("Failed to connect to Docker daemon", zap.Error(err))
	}
	log.Info("Connected to Docker daemon")

	// 6. Executor client
	var executor worker.ExecutorClient
	if cfg.Executor.BaseURL != "" {
		executor = executorhttp.New(cfg.Executor.BaseURL, cfg.Executor.TimeoutDuration(), log)
		log.Info("Using HTTP executor client", zap.String("base_url", cfg.Executor.BaseURL))
	} else {
		executor = worker.NewNoopExecutorClient(log)
		log.Info("Using no-op executor client")
	}

	// 7. Lifecycle manager and sweeper
	manager := worker.NewManager(repo, driver, executor, eventBus, log)
	sweeper := worker.NewSweeper(manager, worker.SweeperConfig{
		Interval:         cfg.Worker.SweepIntervalDuration(),
		IdleTimeout:      cfg.Worker.IdleTimeoutDuration(),
		StoppedRetention: cfg.Worker.StoppedRetentionDuration(),
		SyncInterval:     cfg.Worker.SyncIntervalDuration(),
		BatchSize:        cfg.Worker.SweepBatchSize,
	}, log)
	sweeper.Start()

	// 8. Store app registry and credentials
	registry := store.NewRegistry()
	if err := store.RegisterDefaults(registry); err != nil {
		log.Fatal("Failed to load store app registry", zap.Error(err))
	}
	creds := store.NewEnvCredentials("RUNFORGE_")
	log.Info("Loaded store app registry", zap.Int("apps", len(registry.List())))

	// 9. Run service with the stream bus
	streamBus := streams.NewBus[run.Chunk](cfg.Streams.MaxEventsPerStream)
	runService := run.NewService(manager, registry, creds, streamBus, eventBus, log)
	for _, app := range registry.List() {
		// TODO: replace mocks with the real provider adapters once the
		// executor protocol lands.
		runService.RegisterProvider(run.NewMockProvider(run.NormalizeKind(app.ProviderKind)))
	}

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, runService, manager, registry, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down control plane...")
	cancel()

	if err := g.Wait(); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sweeper.Stop()

	log.Info("Control plane stopped")
}
