package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/pkg/models"
)

var (
	ErrBatchNotFound     = errors.New("batch not found")
	ErrIllegalTransition = errors.New("illegal file status transition")
)

const batchKeyPrefix = "batch:"

// KV is the minimal key-value surface the tracker needs. Implemented by
// Redis in production and by an in-memory map in tests.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

type redisKV struct {
	client *redis.Client
}

func NewRedisKV(client *redis.Client) KV {
	return &redisKV{client: client}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrBatchNotFound
	}
	return val, err
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, pattern).Result()
}

type progressEntry struct {
	doc       *models.BatchProgress
	dirty     bool
	lastFlush time.Time
}

// ProgressTracker owns the batch progress documents. Writes are coalesced
// through a per-process buffer: terminal transitions flush immediately,
// intermediate processing marks are debounced. The buffer is best-effort and
// may be dropped on process recycle; the authoritative state is always
// reconstructable from the last flushed document, because counts are
// recomputed from the per-file array rather than incremented.
type ProgressTracker struct {
	kv         KV
	ttl        time.Duration
	flushEvery time.Duration
	logger     *logrus.Logger

	mu      sync.Mutex
	entries map[string]*progressEntry
}

func NewProgressTracker(kv KV, ttl, flushEvery time.Duration, logger *logrus.Logger) *ProgressTracker {
	return &ProgressTracker{
		kv:         kv,
		ttl:        ttl,
		flushEvery: flushEvery,
		logger:     logger,
		entries:    make(map[string]*progressEntry),
	}
}

func (pt *ProgressTracker) Create(ctx context.Context, batch *models.BatchProgress) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	batch.Recount()
	pt.entries[batch.BatchID] = &progressEntry{doc: batch}
	if err := pt.flushLocked(ctx, batch.BatchID); err != nil {
		return fmt.Errorf("failed to persist batch progress: %w", err)
	}

	pt.logger.WithFields(logrus.Fields{
		"batch_id": batch.BatchID,
		"total":    batch.Total,
	}).Info("Batch progress created")
	return nil
}

func (pt *ProgressTracker) Get(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	doc, err := pt.loadLocked(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return copyProgress(doc), nil
}

// UpdateFile applies one file status change, revalidates the transition
// against the table, recomputes the aggregates and schedules a flush.
func (pt *ProgressTracker) UpdateFile(ctx context.Context, batchID string, fileIndex int, status models.FileStatus, errMsg string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	doc, err := pt.loadLocked(ctx, batchID)
	if err != nil {
		return err
	}
	if fileIndex < 0 || fileIndex >= len(doc.Files) {
		return fmt.Errorf("file index %d out of range for batch %s", fileIndex, batchID)
	}

	current := doc.Files[fileIndex].Status
	if current == status {
		return nil // redelivery of an already-applied transition
	}
	if !current.CanTransitionTo(status) {
		return fmt.Errorf("%w: %s -> %s (batch %s, file %d)",
			ErrIllegalTransition, current, status, batchID, fileIndex)
	}

	doc.Files[fileIndex].Status = status
	doc.Files[fileIndex].Error = errMsg
	doc.CurrentFile = doc.Files[fileIndex].Name
	doc.LastActivity = time.Now()
	doc.Recount()

	if doc.AllTerminal() && doc.Status == models.BatchStatusProcessing {
		doc.Status = models.BatchStatusCompleted
		end := time.Now()
		doc.EndTime = &end
		doc.DurationMS = end.Sub(doc.StartTime).Milliseconds()
	}

	// Terminal file transitions and batch completion flush immediately;
	// processing marks are debounced to protect the state store from
	// bursty concurrent completions.
	entry := pt.entries[batchID]
	entry.dirty = true
	if status.Terminal() || doc.Status != models.BatchStatusProcessing ||
		time.Since(entry.lastFlush) >= pt.flushEvery {
		return pt.flushLocked(ctx, batchID)
	}
	return nil
}

// IsCancelled is the worker's kill-switch check before expensive work.
func (pt *ProgressTracker) IsCancelled(ctx context.Context, batchID string) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	doc, err := pt.loadLocked(ctx, batchID)
	if err != nil {
		return false
	}
	return doc.Status == models.BatchStatusCancelled
}

// Cancel flips the batch to cancelled. Cooperative: already-dispatched
// messages still drain but do no work.
func (pt *ProgressTracker) Cancel(ctx context.Context, batchID string) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	doc, err := pt.loadLocked(ctx, batchID)
	if err != nil {
		return err
	}
	if doc.Status == models.BatchStatusCancelled {
		return nil
	}

	doc.Status = models.BatchStatusCancelled
	end := time.Now()
	doc.EndTime = &end
	doc.DurationMS = end.Sub(doc.StartTime).Milliseconds()
	doc.LastActivity = end
	pt.entries[batchID].dirty = true

	if err := pt.flushLocked(ctx, batchID); err != nil {
		return err
	}

	pt.logger.WithField("batch_id", batchID).Info("Batch cancelled")
	return nil
}

// List returns every batch document still present in the state store.
func (pt *ProgressTracker) List(ctx context.Context) ([]*models.BatchProgress, error) {
	keys, err := pt.kv.Keys(ctx, batchKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list batch keys: %w", err)
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	batches := make([]*models.BatchProgress, 0, len(keys))
	for _, key := range keys {
		batchID := key[len(batchKeyPrefix):]
		doc, err := pt.loadLocked(ctx, batchID)
		if err != nil {
			continue
		}
		batches = append(batches, copyProgress(doc))
	}
	return batches, nil
}

// Flush writes out every dirty document. Called on shutdown and by the
// periodic flusher.
func (pt *ProgressTracker) Flush(ctx context.Context) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for batchID, entry := range pt.entries {
		if !entry.dirty {
			continue
		}
		if err := pt.flushLocked(ctx, batchID); err != nil {
			pt.logger.WithError(err).WithField("batch_id", batchID).Warn("Failed to flush batch progress")
		}
	}
}

// FlushLoop periodically flushes dirty documents and evicts settled batches
// from the in-memory buffer.
func (pt *ProgressTracker) FlushLoop(ctx context.Context) {
	ticker := time.NewTicker(pt.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			pt.Flush(context.Background())
			return
		case <-ticker.C:
			pt.Flush(ctx)
			pt.evictSettled()
		}
	}
}

func (pt *ProgressTracker) evictSettled() {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for batchID, entry := range pt.entries {
		if !entry.dirty && entry.doc.Status != models.BatchStatusProcessing {
			delete(pt.entries, batchID)
		}
	}
}

func (pt *ProgressTracker) loadLocked(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	if entry, ok := pt.entries[batchID]; ok {
		return entry.doc, nil
	}

	raw, err := pt.kv.Get(ctx, batchKeyPrefix+batchID)
	if err != nil {
		return nil, err
	}

	var doc models.BatchProgress
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch progress: %w", err)
	}

	pt.entries[batchID] = &progressEntry{doc: &doc, lastFlush: time.Now()}
	return &doc, nil
}

func (pt *ProgressTracker) flushLocked(ctx context.Context, batchID string) error {
	entry, ok := pt.entries[batchID]
	if !ok {
		return ErrBatchNotFound
	}

	data, err := json.Marshal(entry.doc)
	if err != nil {
		return fmt.Errorf("failed to marshal batch progress: %w", err)
	}

	if err := pt.kv.Set(ctx, batchKeyPrefix+batchID, string(data), pt.ttl); err != nil {
		return fmt.Errorf("failed to store batch progress: %w", err)
	}

	entry.dirty = false
	entry.lastFlush = time.Now()
	return nil
}

func copyProgress(doc *models.BatchProgress) *models.BatchProgress {
	out := *doc
	out.Files = make([]models.FileProgress, len(doc.Files))
	copy(out.Files, doc.Files)
	return &out
}
