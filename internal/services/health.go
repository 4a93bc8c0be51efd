package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/database"
)

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

type HealthService struct {
	config *config.Config
	logger *logrus.Logger
	db     *database.Database
}

func NewHealthService(cfg *config.Config, logger *logrus.Logger, db *database.Database) *HealthService {
	return &HealthService{
		config: cfg,
		logger: logger,
		db:     db,
	}
}

// CheckHealth pings every backing store. Postgres and MinIO are critical;
// Redis degraded means progress reads may be stale but uploads still work.
func (s *HealthService) CheckHealth() HealthStatus {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if err := s.db.PG.Ping(ctx); err != nil {
		status.Services["postgres"] = "unhealthy: " + err.Error()
		status.Status = "unhealthy"
	} else {
		status.Services["postgres"] = "healthy"
	}

	if err := s.db.Redis.Ping(ctx).Err(); err != nil {
		status.Services["redis"] = "unhealthy: " + err.Error()
		if status.Status == "healthy" {
			status.Status = "degraded"
		}
	} else {
		status.Services["redis"] = "healthy"
	}

	if _, err := s.db.Minio.BucketExists(ctx, s.db.Bucket); err != nil {
		status.Services["minio"] = "unhealthy: " + err.Error()
		status.Status = "unhealthy"
	} else {
		status.Services["minio"] = "healthy"
	}

	return status
}
