package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/metrics"
	"github.com/velora/picflow/pkg/models"
)

// BatchItem is one raw image source: uploaded bytes, or a URL to fetch.
type BatchItem struct {
	Name string
	Data []byte
	URL  string
}

type EnqueueSummary struct {
	BatchID string `json:"batch_id"`
	Queued  int    `json:"queued"`
	Skipped int    `json:"skipped"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`
}

// itemOutcome is the enqueue-time classification of one item.
type itemOutcome struct {
	status  models.FileStatus
	errMsg  string
	message *models.IngestMessage
}

// Enqueuer accepts a batch of image sources, classifies each item (size
// check, digest, duplicate check, temp upload) with bounded concurrency, and
// only then persists the progress document and emits one queue message per
// accepted item.
type Enqueuer struct {
	store      ContentStore
	repo       ImageRepository
	progress   ProgressStore
	bus        Publisher
	httpClient *http.Client
	cfg        *config.IngestConfig
	metrics    *metrics.Pipeline
	logger     *logrus.Logger
}

func NewEnqueuer(store ContentStore, repo ImageRepository, progress ProgressStore, bus Publisher,
	cfg *config.IngestConfig, m *metrics.Pipeline, logger *logrus.Logger) *Enqueuer {
	return &Enqueuer{
		store:      store,
		repo:       repo,
		progress:   progress,
		bus:        bus,
		httpClient: &http.Client{Timeout: cfg.FetchTimeout},
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
	}
}

func (e *Enqueuer) EnqueueBatch(ctx context.Context, items []BatchItem, source models.SourceType, userID string) (*EnqueueSummary, error) {
	batchID := models.NewBatchID()
	outcomes := make([]itemOutcome, len(items))

	// Hashes accepted so far in this batch, so two identical files in one
	// submission dedupe against each other, not only against the store.
	var mu sync.Mutex
	seen := make(map[string]int)

	sem := semaphore.NewWeighted(int64(e.cfg.EnqueueConcurrency))

	// Sub-batches bound the burst on storage; inside a sub-batch every item
	// settles independently so one failure cannot abort its siblings.
	for start := 0; start < len(items); start += e.cfg.SubBatchSize {
		end := start + e.cfg.SubBatchSize
		if end > len(items) {
			end = len(items)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil, fmt.Errorf("failed to acquire enqueue slot: %w", err)
			}
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				defer sem.Release(1)
				outcomes[idx] = e.classifyItem(ctx, batchID, idx, items[idx], source, userID, &mu, seen)
			}(i)
		}
		wg.Wait()
	}

	summary := &EnqueueSummary{BatchID: batchID, Total: len(items)}
	now := time.Now()
	batch := &models.BatchProgress{
		BatchID:      batchID,
		Total:        len(items),
		Files:        make([]models.FileProgress, len(items)),
		Status:       models.BatchStatusProcessing,
		StartTime:    now,
		LastActivity: now,
	}

	var messages []models.IngestMessage
	for i, outcome := range outcomes {
		batch.Files[i] = models.FileProgress{
			Name:   items[i].Name,
			Status: outcome.status,
			Error:  outcome.errMsg,
		}
		switch outcome.status {
		case models.FileStatusPending:
			summary.Queued++
			messages = append(messages, *outcome.message)
		case models.FileStatusSkipped:
			summary.Skipped++
		case models.FileStatusFailed:
			summary.Failed++
		}
		e.metrics.ItemsEnqueued.WithLabelValues(string(outcome.status), string(source)).Inc()
	}

	if batch.AllTerminal() {
		// Nothing was queued (all duplicates or rejects); still a valid batch.
		batch.Status = models.BatchStatusCompleted
		end := now
		batch.EndTime = &end
	}

	// The progress document must exist before any message is delivered.
	if err := e.progress.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch progress: %w", err)
	}

	if len(messages) > 0 {
		if err := e.bus.Publish(ctx, messages...); err != nil {
			return nil, fmt.Errorf("failed to publish batch messages: %w", err)
		}
	}

	e.metrics.BatchesStarted.Inc()
	e.logger.WithFields(logrus.Fields{
		"batch_id": batchID,
		"source":   source,
		"queued":   summary.Queued,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}).Info("Batch enqueued")

	return summary, nil
}

func (e *Enqueuer) classifyItem(ctx context.Context, batchID string, idx int, item BatchItem,
	source models.SourceType, userID string, mu *sync.Mutex, seen map[string]int) itemOutcome {

	data := item.Data
	if data == nil && item.URL != "" {
		fetched, err := e.fetch(ctx, item.URL)
		if err != nil {
			return itemOutcome{status: models.FileStatusFailed, errMsg: "fetch failed: " + err.Error()}
		}
		data = fetched
	}
	if len(data) == 0 {
		return itemOutcome{status: models.FileStatusFailed, errMsg: "empty file"}
	}

	if int64(len(data)) > e.cfg.MaxFileBytes {
		return itemOutcome{
			status: models.FileStatusFailed,
			errMsg: fmt.Sprintf("file exceeds %d byte limit", e.cfg.MaxFileBytes),
		}
	}

	digest := HashBytes(data)

	mu.Lock()
	if firstIdx, dup := seen[digest]; dup {
		mu.Unlock()
		return itemOutcome{
			status: models.FileStatusSkipped,
			errMsg: fmt.Sprintf("duplicate of item %d in this batch", firstIdx),
		}
	}
	seen[digest] = idx
	mu.Unlock()

	existing, err := e.repo.FindByHash(ctx, digest)
	if err != nil {
		return itemOutcome{status: models.FileStatusFailed, errMsg: "duplicate check failed: " + err.Error()}
	}
	if existing != nil {
		return itemOutcome{
			status: models.FileStatusSkipped,
			errMsg: "duplicate of " + existing.Slug,
		}
	}

	contentType := mimetype.Detect(data).String()
	attrs := map[string]string{
		"image-hash":  digest,
		"source-type": string(source),
		"file-name":   item.Name,
	}
	if err := e.store.PutTemp(ctx, batchID, idx, data, contentType, attrs); err != nil {
		return itemOutcome{status: models.FileStatusFailed, errMsg: "temp upload failed: " + err.Error()}
	}

	return itemOutcome{
		status: models.FileStatusPending,
		message: &models.IngestMessage{
			BatchID:    batchID,
			FileIndex:  idx,
			FileName:   item.Name,
			ImageHash:  digest,
			SourceType: source,
			UserID:     userID,
			EnqueuedAt: time.Now(),
		},
	}
}

func (e *Enqueuer) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Read one byte past the limit so oversized downloads are still
	// rejected by the size check instead of silently truncated.
	return io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxFileBytes+1))
}
