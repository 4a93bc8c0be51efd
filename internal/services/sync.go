package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/internal/config"
	"github.com/velora/picflow/pkg/models"
)

// CatalogItem is one entry from the external image catalog.
type CatalogItem struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// CatalogClient fetches a page of items from the external image source.
type CatalogClient interface {
	FetchPage(ctx context.Context, pageSize int) ([]CatalogItem, error)
}

type httpCatalogClient struct {
	url        string
	httpClient *http.Client
}

func NewCatalogClient(url string) CatalogClient {
	return &httpCatalogClient{url: url, httpClient: &http.Client{}}
}

func (c *httpCatalogClient) FetchPage(ctx context.Context, pageSize int) ([]CatalogItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s?limit=%d", c.url, pageSize), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog response: %w", err)
	}

	var items []CatalogItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return items, nil
}

// SyncService pulls a page from the external catalog and feeds it through the
// same enqueuer pipeline as manual uploads, attributed round-robin to the
// pool of synthetic accounts.
type SyncService struct {
	catalog  CatalogClient
	enqueuer *Enqueuer
	repo     ImageRepository
	cfg      *config.SyncConfig
	logger   *logrus.Logger
	cursor   atomic.Uint64
}

func NewSyncService(catalog CatalogClient, enqueuer *Enqueuer, repo ImageRepository,
	cfg *config.SyncConfig, logger *logrus.Logger) *SyncService {
	return &SyncService{
		catalog:  catalog,
		enqueuer: enqueuer,
		repo:     repo,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run performs one sync pass. Per-item fetch failures are isolated inside
// the enqueuer; only a failed catalog page aborts the pass.
func (s *SyncService) Run(ctx context.Context) (*EnqueueSummary, error) {
	items, err := s.catalog.FetchPage(ctx, s.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("sync aborted: %w", err)
	}
	if len(items) == 0 {
		s.logger.Info("Sync: catalog page empty, nothing to do")
		return &EnqueueSummary{}, nil
	}

	batchItems := make([]BatchItem, 0, len(items))
	for _, item := range items {
		name := item.Title
		if name == "" {
			name = item.URL
		}
		batchItems = append(batchItems, BatchItem{Name: name, URL: item.URL})
	}

	summary, err := s.enqueuer.EnqueueBatch(ctx, batchItems, models.SourceExternalSync, s.nextUser(ctx))
	if err != nil {
		return nil, fmt.Errorf("sync enqueue failed: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"batch_id": summary.BatchID,
		"queued":   summary.Queued,
		"skipped":  summary.Skipped,
		"failed":   summary.Failed,
	}).Info("Sync pass finished")

	return summary, nil
}

// nextUser picks the attribution account round-robin. Database-flagged
// synthetic accounts win over the configured pool.
func (s *SyncService) nextUser(ctx context.Context) string {
	pool, err := s.repo.SyntheticUsers(ctx)
	if err != nil || len(pool) == 0 {
		if err != nil {
			s.logger.WithError(err).Warn("Failed to load synthetic users, using configured pool")
		}
		pool = s.cfg.UserPool
	}
	if len(pool) == 0 {
		return ""
	}
	idx := s.cursor.Add(1) - 1
	return pool[idx%uint64(len(pool))]
}
