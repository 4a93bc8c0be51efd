package handlers

import (
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/services"
)

type Handlers struct {
	Ingest *IngestHandler
	Health *HealthHandler
}

func New(logger *logrus.Logger, cfg *config.Config, svc *services.Services) *Handlers {
	return &Handlers{
		Ingest: NewIngestHandler(svc.Enqueuer, svc.Progress, svc.Sync, &cfg.Ingest, logger),
		Health: NewHealthHandler(logger, svc.Health),
	}
}
