package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/database"
	"github.com/velora/picflow/internal/handlers"
	"github.com/velora/picflow/internal/metrics"
	"github.com/velora/picflow/internal/middleware"
	"github.com/velora/picflow/internal/services"
)

type App struct {
	config   *config.Config
	logger   *logrus.Logger
	db       *database.Database
	services *services.Services
	handlers *handlers.Handlers
	router   *gin.Engine
	cron     *cron.Cron

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func New(cfg *config.Config) (*App, error) {
	app := &App{
		config: cfg,
		logger: setupLogger(cfg),
	}

	// Initialize database connections
	db, err := database.New(cfg, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	pipelineMetrics := metrics.NewPipeline(prometheus.DefaultRegisterer)

	// Initialize services
	svc, err := services.New(cfg, app.logger, db, pipelineMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}
	app.services = svc

	// Initialize handlers
	app.handlers = handlers.New(app.logger, cfg, svc)

	// Setup router
	app.setupRouter()

	return app, nil
}

func (a *App) Router() *gin.Engine {
	return a.router
}

// Start launches the background machinery: the queue consumer, the
// progress flush loop and, when enabled, the scheduled catalog sync.
func (a *App) Start() {
	a.bgCtx, a.bgCancel = context.WithCancel(context.Background())

	go a.services.Worker.Run(a.bgCtx)
	go a.services.Progress.FlushLoop(a.bgCtx)

	if a.config.Sync.Enabled {
		a.cron = cron.New()
		_, err := a.cron.AddFunc(a.config.Sync.Cron, func() {
			if _, err := a.services.Sync.Run(a.bgCtx); err != nil {
				a.logger.WithError(err).Error("Scheduled catalog sync failed")
			}
		})
		if err != nil {
			a.logger.WithError(err).Error("Failed to schedule catalog sync")
		} else {
			a.cron.Start()
			a.logger.WithField("schedule", a.config.Sync.Cron).Info("Catalog sync scheduled")
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("Shutting down application...")

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-ctx.Done():
		}
	}

	if a.bgCancel != nil {
		a.bgCancel()
	}

	// Persist whatever progress is still buffered before connections close.
	a.services.Progress.Flush(ctx)

	if err := a.services.MessageBus.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing message bus")
	}

	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("Error closing database connections")
		return err
	}

	return nil
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	return logger
}

func (a *App) setupRouter() {
	if a.config.Server.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(middleware.Logger(a.logger))
	router.Use(middleware.Recovery(a.logger))

	// Health check endpoint (no auth required)
	router.GET("/health", a.handlers.Health.Check)

	// Prometheus metrics endpoint (no auth required)
	if a.config.Monitoring.Enabled {
		router.GET(a.config.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	// API routes
	api := router.Group("/api/v1")
	{
		// Upload surface: rate limited, open to any client
		images := api.Group("/images")
		images.Use(middleware.RateLimit(a.services.RateLimit, a.logger))
		{
			images.POST("/batch", a.handlers.Ingest.UploadBatch)
		}

		// Operator surface: bearer token required
		admin := api.Group("/admin")
		admin.Use(middleware.Auth(a.services.Auth, a.logger))
		{
			admin.GET("/batches", a.handlers.Ingest.ListProgress)
			admin.POST("/batches/cancel", a.handlers.Ingest.Cancel)
			admin.POST("/sync", a.handlers.Ingest.TriggerSync)
		}
	}

	a.router = router
}
