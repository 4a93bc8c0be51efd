package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/velora/picflow/internal/ai"
	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/imagemeta"
	"github.com/velora/picflow/internal/metrics"
	"github.com/velora/picflow/internal/storage"
	"github.com/velora/picflow/pkg/models"
)

// ErrPayloadTooLarge marks an image the vision model cannot safely process
// even after the resize fallback. Permanent: retrying cannot shrink it.
var ErrPayloadTooLarge = errors.New("payload exceeds AI size cap")

const collectWindow = 250 * time.Millisecond

// Worker consumes ingest messages with a fixed concurrency cap. Every path
// through a message ends in an explicit terminal status or a retry; no error
// escapes the per-message boundary.
type Worker struct {
	bus      MessageSource
	store    ContentStore
	repo     ImageRepository
	progress ProgressStore
	analyzer Analyzer
	cfg      *config.IngestConfig
	metrics  *metrics.Pipeline
	logger   *logrus.Logger
}

func NewWorker(bus MessageSource, store ContentStore, repo ImageRepository, progress ProgressStore,
	analyzer Analyzer, cfg *config.IngestConfig, m *metrics.Pipeline, logger *logrus.Logger) *Worker {
	return &Worker{
		bus:      bus,
		store:    store,
		repo:     repo,
		progress: progress,
		analyzer: analyzer,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
	}
}

// Run consumes until the context ends. Messages are processed in small
// groups capped at the configured concurrency, with a cooldown between
// groups to avoid bursting the state store and the vision service.
func (w *Worker) Run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(w.cfg.WorkerConcurrency))

	for {
		group := w.collect(ctx)
		if len(group) == 0 {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		var wg sync.WaitGroup
		for _, msg := range group {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			wg.Add(1)
			go func(m models.IngestMessage) {
				defer wg.Done()
				defer sem.Release(1)
				w.Process(ctx, m)
			}(msg)
		}
		wg.Wait()

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.WorkerCooldown):
		}
	}
}

// collect reads one message (blocking), then drains up to the concurrency
// cap within a short window so a burst is processed as one group.
func (w *Worker) collect(ctx context.Context) []models.IngestMessage {
	first, err := w.bus.Next(ctx)
	if err != nil {
		return nil
	}
	group := []models.IngestMessage{first}

	drainCtx, cancel := context.WithTimeout(ctx, collectWindow)
	defer cancel()
	for len(group) < w.cfg.WorkerConcurrency {
		msg, err := w.bus.Next(drainCtx)
		if err != nil {
			break
		}
		group = append(group, msg)
	}
	return group
}

// Process runs the per-message state machine:
// received -> cancelled-check -> processing -> completed | skipped | retry | failed.
func (w *Worker) Process(ctx context.Context, msg models.IngestMessage) {
	start := time.Now()
	defer func() {
		w.metrics.MessageDuration.Observe(time.Since(start).Seconds())
	}()

	log := w.logger.WithFields(logrus.Fields{
		"batch_id":   msg.BatchID,
		"file_index": msg.FileIndex,
		"file_name":  msg.FileName,
	})

	// Cooperative cancellation: already-queued messages drain without work.
	// Purging the whole temp prefix here is idempotent and reclaims blobs of
	// sibling messages that may never be redelivered.
	if w.progress.IsCancelled(ctx, msg.BatchID) {
		if err := w.store.PurgeBatch(ctx, msg.BatchID); err != nil {
			log.WithError(err).Warn("Failed to purge temp blobs of cancelled batch")
		}
		log.Info("Batch cancelled, skipping message")
		return
	}

	// Best-effort status mark; a progress write failure is never fatal.
	if err := w.progress.UpdateFile(ctx, msg.BatchID, msg.FileIndex, models.FileStatusProcessing, ""); err != nil {
		log.WithError(err).Warn("Failed to mark file processing")
	}

	baseDelay := time.Second
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		err := w.processOnce(ctx, msg)
		if err == nil {
			w.metrics.ItemsProcessed.WithLabelValues(string(models.FileStatusCompleted)).Inc()
			log.WithField("attempt", attempt).Info("Image ingested")
			return
		}

		switch {
		case errors.Is(err, ErrDuplicateImage):
			w.finishSkipped(ctx, msg, err.Error(), log)
			return

		case errors.Is(err, ai.ErrAnalysis):
			// Repeating an inference call that already failed only
			// blocks the queue: skip, never retry.
			w.finishSkipped(ctx, msg, err.Error(), log)
			return

		case errors.Is(err, storage.ErrBlobMissing),
			errors.Is(err, ErrPayloadTooLarge),
			errors.Is(err, imagemeta.ErrUnknownFormat):
			w.finishFailed(ctx, msg, err.Error(), log)
			return

		default:
			if attempt < w.cfg.MaxAttempts {
				// Transient: leave the temp blob intact and retry.
				w.metrics.RetriesTriggered.Inc()
				log.WithError(err).WithField("attempt", attempt).Warn("Message processing failed, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(baseDelay * time.Duration(1<<uint(attempt-1))):
				}
				continue
			}
			w.finishFailed(ctx, msg, err.Error(), log)
			if dlqErr := w.bus.SendToDLQ(ctx, msg, err.Error()); dlqErr != nil {
				log.WithError(dlqErr).Error("Failed to send message to DLQ")
			}
			return
		}
	}
}

// processOnce executes the effectful steps (promotion, variants, analysis,
// metadata write, cleanup). Safe to repeat: the digest re-check guards the
// insert and permanent keys are collision-free under re-execution.
func (w *Worker) processOnce(ctx context.Context, msg models.IngestMessage) error {
	data, _, err := w.store.GetTemp(ctx, msg.BatchID, msg.FileIndex)
	if err != nil {
		return err
	}

	// Re-check the digest: two near-simultaneous batches can enqueue the
	// same image, and redelivery after completion lands here too.
	existing, err := w.repo.FindByHash(ctx, msg.ImageHash)
	if err != nil {
		return fmt.Errorf("duplicate re-check failed: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: duplicate of %s", ErrDuplicateImage, existing.Slug)
	}

	info, err := imagemeta.Detect(data)
	if err != nil {
		return err
	}

	contentType := mimetype.Detect(data).String()

	imageURL, err := w.store.PutPermanent(ctx, storage.PermanentKey(msg.ImageHash, info.Ext()), data, contentType)
	if err != nil {
		return fmt.Errorf("failed to promote image: %w", err)
	}

	aiData, err := w.analysisVariant(data)
	if err != nil {
		return err
	}

	aiStart := time.Now()
	analysis, err := w.analyzer.Analyze(ctx, aiData)
	w.metrics.AILatency.Observe(time.Since(aiStart).Seconds())
	if err != nil {
		return err
	}

	displayURL := w.displayVariant(ctx, msg, data, info, imageURL)

	var userID *string
	if msg.UserID != "" {
		userID = &msg.UserID
	}
	image := &models.Image{
		Slug:        Slugify(analysis.Description, msg.ImageHash),
		ImageURL:    imageURL,
		DisplayURL:  displayURL,
		ImageHash:   msg.ImageHash,
		Description: analysis.Description,
		Width:       info.Width,
		Height:      info.Height,
		UserID:      userID,
		CreatedAt:   time.Now(),
	}

	if _, err := w.repo.InsertImageWithTags(ctx, image, analysis.Tags.Tree); err != nil {
		return err
	}

	if analysis.Tags.Fallback {
		w.logger.WithFields(logrus.Fields{
			"batch_id": msg.BatchID,
			"slug":     image.Slug,
			"reason":   analysis.Tags.Reason,
		}).Warn("Fallback tags used")
	}

	if err := w.store.DeleteTemp(ctx, msg.BatchID, msg.FileIndex); err != nil {
		w.logger.WithError(err).Warn("Failed to delete temp blob after completion")
	}

	if err := w.progress.UpdateFile(ctx, msg.BatchID, msg.FileIndex, models.FileStatusCompleted, ""); err != nil {
		w.logger.WithError(err).Warn("Failed to mark file completed")
	}

	return nil
}

// analysisVariant downsizes large originals for the vision model. If the
// resize fails the original is used as long as it stays under the hard cap.
func (w *Worker) analysisVariant(data []byte) ([]byte, error) {
	if int64(len(data)) <= w.cfg.AIResizeThreshold {
		return data, nil
	}

	resized, err := imagemeta.ResizeToEdge(data, w.cfg.AIVariantEdge, 80)
	if err == nil {
		return resized, nil
	}

	if int64(len(data)) <= w.cfg.AIMaxBytes {
		w.logger.WithError(err).Warn("AI variant resize failed, using original bytes")
		return data, nil
	}
	return nil, fmt.Errorf("%w: %d bytes and resize failed: %v", ErrPayloadTooLarge, len(data), err)
}

// displayVariant derives the display rendition. Failure is non-fatal: a
// degraded display is acceptable, a missing image is not.
func (w *Worker) displayVariant(ctx context.Context, msg models.IngestMessage, data []byte, info imagemeta.Info, originalURL string) string {
	if info.LongEdge() <= w.cfg.DisplayEdge {
		return originalURL
	}

	resized, err := imagemeta.ResizeToEdge(data, w.cfg.DisplayEdge, 85)
	if err != nil {
		w.logger.WithError(err).WithField("batch_id", msg.BatchID).Warn("Display variant resize failed, keeping original")
		return originalURL
	}

	url, err := w.store.PutPermanent(ctx, storage.PermanentKey(msg.ImageHash, ".display.jpg"), resized, "image/jpeg")
	if err != nil {
		w.logger.WithError(err).WithField("batch_id", msg.BatchID).Warn("Display variant upload failed, keeping original")
		return originalURL
	}
	return url
}

func (w *Worker) finishSkipped(ctx context.Context, msg models.IngestMessage, reason string, log *logrus.Entry) {
	w.metrics.ItemsProcessed.WithLabelValues(string(models.FileStatusSkipped)).Inc()
	if err := w.store.DeleteTemp(ctx, msg.BatchID, msg.FileIndex); err != nil {
		log.WithError(err).Warn("Failed to delete temp blob after skip")
	}
	if err := w.progress.UpdateFile(ctx, msg.BatchID, msg.FileIndex, models.FileStatusSkipped, reason); err != nil {
		log.WithError(err).Warn("Failed to mark file skipped")
	}
	log.WithField("reason", reason).Info("Message skipped")
}

func (w *Worker) finishFailed(ctx context.Context, msg models.IngestMessage, reason string, log *logrus.Entry) {
	w.metrics.ItemsProcessed.WithLabelValues(string(models.FileStatusFailed)).Inc()
	if err := w.store.DeleteTemp(ctx, msg.BatchID, msg.FileIndex); err != nil {
		log.WithError(err).Warn("Failed to delete temp blob after failure")
	}
	if err := w.progress.UpdateFile(ctx, msg.BatchID, msg.FileIndex, models.FileStatusFailed, reason); err != nil {
		log.WithError(err).Warn("Failed to mark file failed")
	}
	log.WithField("reason", reason).Error("Message failed permanently")
}
