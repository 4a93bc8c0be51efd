package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/internal/services"
	"github.com/velora/picflow/pkg/models"
)

const maxBatchFiles = 100

type IngestHandler struct {
	enqueuer  *services.Enqueuer
	progress  services.ProgressStore
	sync      *services.SyncService
	cfg       *config.IngestConfig
	validator *validator.Validate
	logger    *logrus.Logger
}

func NewIngestHandler(enqueuer *services.Enqueuer, progress services.ProgressStore,
	sync *services.SyncService, cfg *config.IngestConfig, logger *logrus.Logger) *IngestHandler {
	return &IngestHandler{
		enqueuer:  enqueuer,
		progress:  progress,
		sync:      sync,
		cfg:       cfg,
		validator: validator.New(),
		logger:    logger,
	}
}

// UploadBatch accepts a multipart batch of images and enqueues them. The
// response reflects only enqueue-time outcomes; everything downstream is
// visible through the progress endpoint.
func (h *IngestHandler) UploadBatch(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_MULTIPART",
				"message": "Request must be multipart form data",
				"details": err.Error(),
			},
		})
		return
	}

	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "EMPTY_BATCH",
				"message": "Batch must contain at least one image",
			},
		})
		return
	}
	if len(files) > maxBatchFiles {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "BATCH_TOO_LARGE",
				"message": "Batch cannot contain more than 100 images",
			},
		})
		return
	}

	items := make([]services.BatchItem, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			items = append(items, services.BatchItem{Name: fh.Filename})
			continue
		}
		// Read one byte past the limit; oversized items are classified
		// as failed by the enqueuer, not rejected wholesale here.
		data, err := io.ReadAll(io.LimitReader(f, h.cfg.MaxFileBytes+1))
		f.Close()
		if err != nil {
			items = append(items, services.BatchItem{Name: fh.Filename})
			continue
		}
		items = append(items, services.BatchItem{Name: fh.Filename, Data: data})
	}

	summary, err := h.enqueuer.EnqueueBatch(c.Request.Context(), items, models.SourceUpload, c.GetString("user_id"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to enqueue upload batch")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "ENQUEUE_FAILED",
				"message": "Failed to queue batch for processing",
			},
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":  true,
		"batch_id": summary.BatchID,
		"queued":   summary.Queued,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"total":    summary.Total,
	})
}

type batchStatusResponse struct {
	BatchID         string    `json:"batch_id"`
	Total           int       `json:"total"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Processing      int       `json:"processing"`
	Status          string    `json:"status"`
	StartTime       time.Time `json:"start_time"`
	CurrentFile     string    `json:"current_file,omitempty"`
	ElapsedSeconds  int64     `json:"elapsed_seconds"`
	InactiveSeconds int64     `json:"inactive_seconds"`
	PossiblyStuck   bool      `json:"possibly_stuck"`
}

// ListProgress reports every tracked batch with a liveness heuristic: a
// batch with no activity past the threshold is flagged possibly stuck for
// manual intervention. A hint, not a guarantee.
func (h *IngestHandler) ListProgress(c *gin.Context) {
	batches, err := h.progress.List(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list batch progress")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"code":    "PROGRESS_UNAVAILABLE",
				"message": "Failed to read batch progress",
			},
		})
		return
	}

	now := time.Now()
	out := make([]batchStatusResponse, 0, len(batches))
	for _, b := range batches {
		inactive := now.Sub(b.LastActivity)
		out = append(out, batchStatusResponse{
			BatchID:         b.BatchID,
			Total:           b.Total,
			Completed:       b.Completed,
			Failed:          b.Failed,
			Skipped:         b.Skipped,
			Processing:      b.Processing,
			Status:          string(b.Status),
			StartTime:       b.StartTime,
			CurrentFile:     b.CurrentFile,
			ElapsedSeconds:  int64(now.Sub(b.StartTime).Seconds()),
			InactiveSeconds: int64(inactive.Seconds()),
			PossiblyStuck:   b.Status == models.BatchStatusProcessing && inactive > h.cfg.StuckThreshold,
		})
	}

	c.JSON(http.StatusOK, gin.H{"batches": out})
}

type cancelRequest struct {
	BatchID string `json:"batch_id" validate:"required"`
}

// Cancel flips a batch to cancelled. Cooperative: messages already
// dispatched may still complete.
func (h *IngestHandler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "INVALID_JSON",
				"message": "Invalid JSON format",
				"details": err.Error(),
			},
		})
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"code":    "VALIDATION_FAILED",
				"message": "batch_id is required",
			},
		})
		return
	}

	if err := h.progress.Cancel(c.Request.Context(), req.BatchID); err != nil {
		status := http.StatusInternalServerError
		code := "CANCEL_FAILED"
		if err == services.ErrBatchNotFound {
			status = http.StatusNotFound
			code = "BATCH_NOT_FOUND"
		}
		c.JSON(status, gin.H{
			"error": gin.H{
				"code":    code,
				"message": "Failed to cancel batch",
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// TriggerSync runs one external-catalog sync pass on demand.
func (h *IngestHandler) TriggerSync(c *gin.Context) {
	summary, err := h.sync.Run(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Manual sync failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error": gin.H{
				"code":    "SYNC_FAILED",
				"message": "Sync pass failed",
				"details": err.Error(),
			},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"batch_id": summary.BatchID,
		"queued":   summary.Queued,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
		"total":    summary.Total,
	})
}
