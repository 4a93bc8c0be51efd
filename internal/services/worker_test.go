package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/velora/picflow/internal/ai"
	"github.com/velora/picflow/internal/storage"
	"github.com/velora/picflow/pkg/models"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8((x * 7) % 256), G: uint8((y * 13) % 256), B: uint8((x ^ y) % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testMessage() models.IngestMessage {
	return models.IngestMessage{
		BatchID:    "batch-1",
		FileIndex:  0,
		FileName:   "a.png",
		ImageHash:  "abc123",
		SourceType: models.SourceUpload,
		UserID:     "user-1",
	}
}

func testAnalysis() *ai.Analysis {
	return &ai.Analysis{
		Description: "a foggy forest",
		Tags:        ai.FallbackTags("a foggy forest", ""),
	}
}

func newTestWorker(bus MessageSource, store ContentStore, repo ImageRepository,
	progress ProgressStore, analyzer Analyzer) *Worker {
	return NewWorker(bus, store, repo, progress, analyzer, testIngestConfig(), testMetrics(), testLogger())
}

func TestWorkerProcess(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path completes the file", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 64, 48)
		msg := testMessage()

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(nil, nil)
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("http://s/images/a.png", nil)
		analyzer.On("Analyze", mock.Anything, data).Return(testAnalysis(), nil)
		repo.On("InsertImageWithTags", mock.Anything, mock.Anything, mock.Anything).Return(int64(42), nil)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, msg)

		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0, models.FileStatusProcessing, "")
		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0, models.FileStatusCompleted, "")
		store.AssertCalled(t, "DeleteTemp", mock.Anything, "batch-1", 0)
		bus.AssertNotCalled(t, "SendToDLQ", mock.Anything, mock.Anything, mock.Anything)

		inserted := repo.Calls[1].Arguments.Get(1).(*models.Image)
		assert.Equal(t, "abc123", inserted.ImageHash)
		assert.Equal(t, 64, inserted.Width)
		assert.Equal(t, 48, inserted.Height)
		assert.Equal(t, "a foggy forest", inserted.Description)
		require.NotNil(t, inserted.UserID)
		assert.Equal(t, "user-1", *inserted.UserID)
		// Small image: the original doubles as the display rendition.
		assert.Equal(t, inserted.ImageURL, inserted.DisplayURL)
	})

	t.Run("cancelled batch drains without work", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(true)
		store.On("PurgeBatch", mock.Anything, "batch-1").Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		store.AssertCalled(t, "PurgeBatch", mock.Anything, "batch-1")
		store.AssertNotCalled(t, "GetTemp", mock.Anything, mock.Anything, mock.Anything)
		progress.AssertNotCalled(t, "UpdateFile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("missing temp blob fails permanently", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(nil, nil, storage.ErrBlobMissing)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0,
			models.FileStatusFailed, storage.ErrBlobMissing.Error())
		// No retry and no DLQ: retrying cannot bring the blob back.
		store.AssertNumberOfCalls(t, "GetTemp", 1)
		bus.AssertNotCalled(t, "SendToDLQ", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("duplicate found on re-check skips", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 64, 48)
		existing := &models.Image{Slug: "already-there-abc12345"}

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(existing, nil)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0,
			models.FileStatusSkipped, mock.MatchedBy(func(reason string) bool {
				return bytes.Contains([]byte(reason), []byte("already-there-abc12345"))
			}))
		store.AssertCalled(t, "DeleteTemp", mock.Anything, "batch-1", 0)
		store.AssertNotCalled(t, "PutPermanent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("analysis failure skips without retry", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 64, 48)

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(nil, nil)
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("http://s/images/a.png", nil)
		analyzer.On("Analyze", mock.Anything, data).
			Return(nil, fmt.Errorf("%w: model timed out", ai.ErrAnalysis))
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		analyzer.AssertNumberOfCalls(t, "Analyze", 1)
		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0,
			models.FileStatusSkipped, mock.Anything)
		repo.AssertNotCalled(t, "InsertImageWithTags", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("undecodable payload fails permanently", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).
			Return([]byte("not an image"), map[string]string{}, nil)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0,
			models.FileStatusFailed, mock.Anything)
		store.AssertNumberOfCalls(t, "GetTemp", 1)
	})

	t.Run("transient failure retries then succeeds", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 64, 48)

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(nil, nil)
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("", assert.AnError).Once()
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("http://s/images/a.png", nil)
		analyzer.On("Analyze", mock.Anything, data).Return(testAnalysis(), nil)
		repo.On("InsertImageWithTags", mock.Anything, mock.Anything, mock.Anything).Return(int64(42), nil)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, testMessage())

		store.AssertNumberOfCalls(t, "GetTemp", 2)
		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0, models.FileStatusCompleted, "")
		bus.AssertNotCalled(t, "SendToDLQ", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("retries exhausted goes to DLQ", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 64, 48)
		msg := testMessage()

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(nil, nil)
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("", assert.AnError)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)
		bus.On("SendToDLQ", mock.Anything, msg, mock.Anything).Return(nil)

		cfg := testIngestConfig()
		cfg.MaxAttempts = 2
		w := NewWorker(bus, store, repo, progress, analyzer, cfg, testMetrics(), testLogger())
		w.Process(ctx, msg)

		store.AssertNumberOfCalls(t, "GetTemp", 2)
		progress.AssertCalled(t, "UpdateFile", mock.Anything, "batch-1", 0,
			models.FileStatusFailed, mock.Anything)
		bus.AssertCalled(t, "SendToDLQ", mock.Anything, msg, mock.Anything)
		store.AssertCalled(t, "DeleteTemp", mock.Anything, "batch-1", 0)
	})

	t.Run("large image gets a display variant", func(t *testing.T) {
		bus := &MockMessageSource{}
		store := &MockContentStore{}
		repo := &MockImageRepository{}
		progress := &MockProgressStore{}
		analyzer := &MockAnalyzer{}

		data := pngBytes(t, 2000, 1500)
		msg := testMessage()

		progress.On("IsCancelled", mock.Anything, "batch-1").Return(false)
		progress.On("UpdateFile", mock.Anything, "batch-1", 0, mock.Anything, mock.Anything).Return(nil)
		store.On("GetTemp", mock.Anything, "batch-1", 0).Return(data, map[string]string{}, nil)
		repo.On("FindByHash", mock.Anything, "abc123").Return(nil, nil)
		store.On("PutPermanent", mock.Anything, mock.Anything, data, mock.Anything).
			Return("http://s/images/a.png", nil)
		store.On("PutPermanent", mock.Anything, mock.MatchedBy(func(key string) bool {
			return bytes.HasSuffix([]byte(key), []byte(".display.jpg"))
		}), mock.Anything, "image/jpeg").Return("http://s/images/a.display.jpg", nil)
		analyzer.On("Analyze", mock.Anything, mock.Anything).Return(testAnalysis(), nil)
		repo.On("InsertImageWithTags", mock.Anything, mock.Anything, mock.Anything).Return(int64(42), nil)
		store.On("DeleteTemp", mock.Anything, "batch-1", 0).Return(nil)

		w := newTestWorker(bus, store, repo, progress, analyzer)
		w.Process(ctx, msg)

		inserted := repo.Calls[1].Arguments.Get(1).(*models.Image)
		assert.Equal(t, "http://s/images/a.png", inserted.ImageURL)
		assert.Equal(t, "http://s/images/a.display.jpg", inserted.DisplayURL)
	})
}

func TestAnalysisVariant(t *testing.T) {
	t.Run("small payload passed through", func(t *testing.T) {
		cfg := testIngestConfig()
		w := NewWorker(nil, nil, nil, nil, nil, cfg, testMetrics(), testLogger())

		data := pngBytes(t, 64, 48)
		out, err := w.analysisVariant(data)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})

	t.Run("large payload resized", func(t *testing.T) {
		cfg := testIngestConfig()
		cfg.AIResizeThreshold = 1024
		w := NewWorker(nil, nil, nil, nil, nil, cfg, testMetrics(), testLogger())

		data := pngBytes(t, 800, 600)
		require.Greater(t, int64(len(data)), cfg.AIResizeThreshold)

		out, err := w.analysisVariant(data)
		require.NoError(t, err)
		assert.Less(t, len(out), len(data))
	})

	t.Run("unresizable payload over the cap rejected", func(t *testing.T) {
		cfg := testIngestConfig()
		cfg.AIResizeThreshold = 4
		cfg.AIMaxBytes = 8
		w := NewWorker(nil, nil, nil, nil, nil, cfg, testMetrics(), testLogger())

		_, err := w.analysisVariant([]byte("not an image at all"))
		assert.ErrorIs(t, err, ErrPayloadTooLarge)
	})

	t.Run("unresizable payload under the cap passed through", func(t *testing.T) {
		cfg := testIngestConfig()
		cfg.AIResizeThreshold = 4
		cfg.AIMaxBytes = 1 << 20
		w := NewWorker(nil, nil, nil, nil, nil, cfg, testMetrics(), testLogger())

		data := []byte("not an image at all")
		out, err := w.analysisVariant(data)
		require.NoError(t, err)
		assert.Equal(t, data, out)
	})
}
