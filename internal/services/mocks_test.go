package services

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/velora/picflow/internal/ai"
	"github.com/velora/picflow/pkg/models"
)

// Mock pipeline dependencies for testing

type MockContentStore struct {
	mock.Mock
}

func (m *MockContentStore) PutTemp(ctx context.Context, batchID string, fileIndex int, data []byte, contentType string, attrs map[string]string) error {
	args := m.Called(ctx, batchID, fileIndex, data, contentType, attrs)
	return args.Error(0)
}

func (m *MockContentStore) GetTemp(ctx context.Context, batchID string, fileIndex int) ([]byte, map[string]string, error) {
	args := m.Called(ctx, batchID, fileIndex)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).([]byte), args.Get(1).(map[string]string), args.Error(2)
}

func (m *MockContentStore) DeleteTemp(ctx context.Context, batchID string, fileIndex int) error {
	args := m.Called(ctx, batchID, fileIndex)
	return args.Error(0)
}

func (m *MockContentStore) PutPermanent(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, key, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockContentStore) PurgeBatch(ctx context.Context, batchID string) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

type MockImageRepository struct {
	mock.Mock
}

func (m *MockImageRepository) FindByHash(ctx context.Context, hash string) (*models.Image, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Image), args.Error(1)
}

func (m *MockImageRepository) InsertImageWithTags(ctx context.Context, image *models.Image, tree models.TagTree) (int64, error) {
	args := m.Called(ctx, image, tree)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockImageRepository) SyntheticUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, messages ...models.IngestMessage) error {
	args := m.Called(ctx, messages)
	return args.Error(0)
}

type MockMessageSource struct {
	mock.Mock
}

func (m *MockMessageSource) Next(ctx context.Context) (models.IngestMessage, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.IngestMessage), args.Error(1)
}

func (m *MockMessageSource) SendToDLQ(ctx context.Context, msg models.IngestMessage, reason string) error {
	args := m.Called(ctx, msg, reason)
	return args.Error(0)
}

type MockAnalyzer struct {
	mock.Mock
}

func (m *MockAnalyzer) Analyze(ctx context.Context, imageData []byte) (*ai.Analysis, error) {
	args := m.Called(ctx, imageData)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ai.Analysis), args.Error(1)
}

type MockProgressStore struct {
	mock.Mock
}

func (m *MockProgressStore) Create(ctx context.Context, batch *models.BatchProgress) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

func (m *MockProgressStore) Get(ctx context.Context, batchID string) (*models.BatchProgress, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.BatchProgress), args.Error(1)
}

func (m *MockProgressStore) UpdateFile(ctx context.Context, batchID string, fileIndex int, status models.FileStatus, errMsg string) error {
	args := m.Called(ctx, batchID, fileIndex, status, errMsg)
	return args.Error(0)
}

func (m *MockProgressStore) IsCancelled(ctx context.Context, batchID string) bool {
	args := m.Called(ctx, batchID)
	return args.Bool(0)
}

func (m *MockProgressStore) Cancel(ctx context.Context, batchID string) error {
	args := m.Called(ctx, batchID)
	return args.Error(0)
}

func (m *MockProgressStore) List(ctx context.Context) ([]*models.BatchProgress, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.BatchProgress), args.Error(1)
}
