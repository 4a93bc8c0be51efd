package services

import (
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/ai"
	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/database"
	"github.com/velora/picflow/internal/messaging"
	"github.com/velora/picflow/internal/metrics"
	"github.com/velora/picflow/internal/storage"
)

type Services struct {
	Auth       *AuthService
	Health     *HealthService
	RateLimit  *RateLimitService
	MessageBus *messaging.MessageBus
	Progress   *ProgressTracker
	Repository *PostgresImageRepository
	Enqueuer   *Enqueuer
	Worker     *Worker
	Sync       *SyncService
}

func New(cfg *config.Config, logger *logrus.Logger, db *database.Database, m *metrics.Pipeline) (*Services, error) {
	messageBus, err := messaging.NewMessageBus(cfg, logger)
	if err != nil {
		return nil, err
	}

	contentStore := storage.NewContentStore(db.Minio, db.Bucket, cfg.Minio.PublicURL, logger)
	repository := NewImageRepository(db.PG, logger)
	progress := NewProgressTracker(NewRedisKV(db.Redis),
		cfg.Ingest.ProgressTTL, cfg.Ingest.ProgressFlushEvery, logger)
	analyzer := ai.NewClient(&cfg.AI, logger)

	enqueuer := NewEnqueuer(contentStore, repository, progress, messageBus, &cfg.Ingest, m, logger)
	worker := NewWorker(messageBus, contentStore, repository, progress, analyzer, &cfg.Ingest, m, logger)
	syncService := NewSyncService(NewCatalogClient(cfg.Sync.CatalogURL), enqueuer, repository, &cfg.Sync, logger)

	return &Services{
		Auth:       NewAuthService(cfg, logger),
		Health:     NewHealthService(cfg, logger, db),
		RateLimit:  NewRateLimitService(cfg, logger, db.Redis),
		MessageBus: messageBus,
		Progress:   progress,
		Repository: repository,
		Enqueuer:   enqueuer,
		Worker:     worker,
		Sync:       syncService,
	}, nil
}
