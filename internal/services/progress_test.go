package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velora/picflow/pkg/models"
)

// memKV is an in-memory KV for tests.
type memKV struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string)}
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	if !ok {
		return "", ErrBatchNotFound
	}
	return val, nil
}

func (m *memKV) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.sets++
	return nil
}

func (m *memKV) Keys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *memKV) setCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestTracker(kv KV, flushEvery time.Duration) *ProgressTracker {
	return NewProgressTracker(kv, time.Hour, flushEvery, testLogger())
}

func newTestBatch(id string, names ...string) *models.BatchProgress {
	now := time.Now()
	files := make([]models.FileProgress, len(names))
	for i, n := range names {
		files[i] = models.FileProgress{Name: n, Status: models.FileStatusPending}
	}
	return &models.BatchProgress{
		BatchID:      id,
		Total:        len(names),
		Files:        files,
		Status:       models.BatchStatusProcessing,
		StartTime:    now,
		LastActivity: now,
	}
}

func TestProgressTrackerCreateAndGet(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	tracker := newTestTracker(kv, time.Hour)

	require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg", "b.jpg")))

	got, err := tracker.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "b1", got.BatchID)
	assert.Equal(t, 2, got.Total)
	assert.Equal(t, models.BatchStatusProcessing, got.Status)

	_, err = tracker.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestProgressTrackerUpdateFile(t *testing.T) {
	ctx := context.Background()

	t.Run("lifecycle to completion", func(t *testing.T) {
		kv := newMemKV()
		tracker := newTestTracker(kv, time.Hour)
		require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg", "b.jpg")))

		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusCompleted, ""))
		require.NoError(t, tracker.UpdateFile(ctx, "b1", 1, models.FileStatusSkipped, "duplicate of a-123"))

		got, err := tracker.Get(ctx, "b1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Completed)
		assert.Equal(t, 1, got.Skipped)
		assert.Equal(t, models.BatchStatusCompleted, got.Status)
		require.NotNil(t, got.EndTime)
		assert.Equal(t, "duplicate of a-123", got.Files[1].Error)
	})

	t.Run("redelivery of applied transition is a no-op", func(t *testing.T) {
		kv := newMemKV()
		tracker := newTestTracker(kv, time.Hour)
		require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))

		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
		assert.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
	})

	t.Run("illegal transition rejected", func(t *testing.T) {
		kv := newMemKV()
		tracker := newTestTracker(kv, time.Hour)
		require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))

		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusCompleted, ""))

		err := tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, "")
		assert.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("failed file may re-enter processing", func(t *testing.T) {
		kv := newMemKV()
		tracker := newTestTracker(kv, time.Hour)
		require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))

		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
		require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusFailed, "transient"))
		assert.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
	})

	t.Run("file index out of range", func(t *testing.T) {
		kv := newMemKV()
		tracker := newTestTracker(kv, time.Hour)
		require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))

		assert.Error(t, tracker.UpdateFile(ctx, "b1", 5, models.FileStatusProcessing, ""))
	})
}

func TestProgressTrackerWriteCoalescing(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	// Long debounce: intermediate processing marks must not hit the store.
	tracker := newTestTracker(kv, time.Hour)

	require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg", "b.jpg", "c.jpg")))
	after := kv.setCount()

	require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
	require.NoError(t, tracker.UpdateFile(ctx, "b1", 1, models.FileStatusProcessing, ""))
	assert.Equal(t, after, kv.setCount(), "processing marks should be buffered")

	// Terminal transition flushes immediately.
	require.NoError(t, tracker.UpdateFile(ctx, "b1", 0, models.FileStatusCompleted, ""))
	assert.Greater(t, kv.setCount(), after)

	// Explicit flush drains whatever is still dirty.
	require.NoError(t, tracker.UpdateFile(ctx, "b1", 2, models.FileStatusProcessing, ""))
	tracker.Flush(ctx)

	got, err := tracker.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Processing)
	assert.Equal(t, 1, got.Completed)
}

func TestProgressTrackerCancel(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	tracker := newTestTracker(kv, time.Hour)

	require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))
	assert.False(t, tracker.IsCancelled(ctx, "b1"))

	require.NoError(t, tracker.Cancel(ctx, "b1"))
	assert.True(t, tracker.IsCancelled(ctx, "b1"))

	got, err := tracker.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCancelled, got.Status)
	require.NotNil(t, got.EndTime)

	// Cancelling twice is idempotent.
	assert.NoError(t, tracker.Cancel(ctx, "b1"))

	assert.ErrorIs(t, tracker.Cancel(ctx, "missing"), ErrBatchNotFound)
	assert.False(t, tracker.IsCancelled(ctx, "missing"))
}

func TestProgressTrackerList(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	tracker := newTestTracker(kv, time.Hour)

	require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))
	require.NoError(t, tracker.Create(ctx, newTestBatch("b2", "b.jpg")))

	batches, err := tracker.List(ctx)
	require.NoError(t, err)
	assert.Len(t, batches, 2)

	ids := map[string]bool{}
	for _, b := range batches {
		ids[b.BatchID] = true
	}
	assert.True(t, ids["b1"])
	assert.True(t, ids["b2"])
}

func TestProgressTrackerReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()

	first := newTestTracker(kv, time.Hour)
	require.NoError(t, first.Create(ctx, newTestBatch("b1", "a.jpg")))
	require.NoError(t, first.UpdateFile(ctx, "b1", 0, models.FileStatusProcessing, ""))
	first.Flush(ctx)

	// A fresh tracker over the same store sees the flushed state, so the
	// buffer surviving a process recycle is not load-bearing.
	second := newTestTracker(kv, time.Hour)
	got, err := second.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processing)
	require.NoError(t, second.UpdateFile(ctx, "b1", 0, models.FileStatusCompleted, ""))
}

func TestProgressTrackerGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	kv := newMemKV()
	tracker := newTestTracker(kv, time.Hour)

	require.NoError(t, tracker.Create(ctx, newTestBatch("b1", "a.jpg")))

	got, err := tracker.Get(ctx, "b1")
	require.NoError(t, err)
	got.Files[0].Status = models.FileStatusCompleted
	got.Status = models.BatchStatusCancelled

	fresh, err := tracker.Get(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, fresh.Files[0].Status)
	assert.Equal(t, models.BatchStatusProcessing, fresh.Status)
}
