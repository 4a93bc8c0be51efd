package services

import (
	"context"

	"github.com/velora/picflow/internal/ai"
	"github.com/velora/picflow/pkg/models"
)

// ContentStore is the blob-storage surface the pipeline needs: a temp
// namespace owned per (batchID, fileIndex) and permanent digest-derived keys.
type ContentStore interface {
	PutTemp(ctx context.Context, batchID string, fileIndex int, data []byte, contentType string, attrs map[string]string) error
	GetTemp(ctx context.Context, batchID string, fileIndex int) ([]byte, map[string]string, error)
	DeleteTemp(ctx context.Context, batchID string, fileIndex int) error
	PutPermanent(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PurgeBatch(ctx context.Context, batchID string) error
}

// ImageRepository is the metadata-store surface: digest lookups and the
// transactional image+tags write.
type ImageRepository interface {
	FindByHash(ctx context.Context, hash string) (*models.Image, error)
	InsertImageWithTags(ctx context.Context, image *models.Image, tree models.TagTree) (int64, error)
	SyntheticUsers(ctx context.Context) ([]string, error)
}

// Publisher emits ingest messages onto the queue.
type Publisher interface {
	Publish(ctx context.Context, messages ...models.IngestMessage) error
}

// MessageSource is the consuming side of the queue plus the DLQ escape hatch.
type MessageSource interface {
	Next(ctx context.Context) (models.IngestMessage, error)
	SendToDLQ(ctx context.Context, msg models.IngestMessage, reason string) error
}

// Analyzer is the vision-language service contract.
type Analyzer interface {
	Analyze(ctx context.Context, imageData []byte) (*ai.Analysis, error)
}

// ProgressStore tracks per-batch progress documents.
type ProgressStore interface {
	Create(ctx context.Context, batch *models.BatchProgress) error
	Get(ctx context.Context, batchID string) (*models.BatchProgress, error)
	UpdateFile(ctx context.Context, batchID string, fileIndex int, status models.FileStatus, errMsg string) error
	IsCancelled(ctx context.Context, batchID string) bool
	Cancel(ctx context.Context, batchID string) error
	List(ctx context.Context) ([]*models.BatchProgress, error)
}
