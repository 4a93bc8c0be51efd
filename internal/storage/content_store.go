package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/sirupsen/logrus"
)

// ErrBlobMissing is returned when a requested object no longer exists. The
// worker treats a missing temp blob as a permanent, non-retryable failure.
var ErrBlobMissing = errors.New("blob not found")

const tempPrefix = "tmp"

// ContentStore wraps the object store with the two namespaces the pipeline
// uses: a temp namespace keyed by (batchID, fileIndex) owned by one batch, and
// permanent keys derived from the content digest.
type ContentStore struct {
	client    *minio.Client
	bucket    string
	publicURL string
	logger    *logrus.Logger
}

func NewContentStore(client *minio.Client, bucket, publicURL string, logger *logrus.Logger) *ContentStore {
	return &ContentStore{
		client:    client,
		bucket:    bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		logger:    logger,
	}
}

func TempKey(batchID string, fileIndex int) string {
	return fmt.Sprintf("%s/%s/%05d", tempPrefix, batchID, fileIndex)
}

// PermanentKey builds a collision-safe permanent key: timestamp plus a random
// suffix plus a digest prefix, so retry-induced re-execution never collides.
func PermanentKey(digest, ext string) string {
	suffix := make([]byte, 4)
	rand.Read(suffix)
	return fmt.Sprintf("images/%d-%s-%s%s",
		time.Now().UnixMilli(), hex.EncodeToString(suffix), digest[:12], ext)
}

func (cs *ContentStore) PutTemp(ctx context.Context, batchID string, fileIndex int, data []byte, contentType string, attrs map[string]string) error {
	key := TempKey(batchID, fileIndex)
	_, err := cs.client.PutObject(ctx, cs.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: attrs,
	})
	if err != nil {
		return fmt.Errorf("failed to upload temp object %s: %w", key, err)
	}
	return nil
}

func (cs *ContentStore) GetTemp(ctx context.Context, batchID string, fileIndex int) ([]byte, map[string]string, error) {
	key := TempKey(batchID, fileIndex)

	obj, err := cs.client.GetObject(ctx, cs.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get temp object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, nil, fmt.Errorf("%w: %s", ErrBlobMissing, key)
		}
		return nil, nil, fmt.Errorf("failed to read temp object %s: %w", key, err)
	}

	stat, err := obj.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat temp object %s: %w", key, err)
	}

	return data, stat.UserMetadata, nil
}

func (cs *ContentStore) DeleteTemp(ctx context.Context, batchID string, fileIndex int) error {
	key := TempKey(batchID, fileIndex)
	if err := cs.client.RemoveObject(ctx, cs.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete temp object %s: %w", key, err)
	}
	return nil
}

// PutPermanent stores bytes under a permanent key and returns the public URL.
func (cs *ContentStore) PutPermanent(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := cs.client.PutObject(ctx, cs.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return cs.publicURL + "/" + key, nil
}

func (cs *ContentStore) Delete(ctx context.Context, key string) error {
	if err := cs.client.RemoveObject(ctx, cs.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// PurgeBatch removes every leftover temp object for a batch. Called when a
// batch reaches a terminal state so the temp namespace is fully reclaimed.
func (cs *ContentStore) PurgeBatch(ctx context.Context, batchID string) error {
	prefix := fmt.Sprintf("%s/%s/", tempPrefix, batchID)

	var errs []error
	for obj := range cs.client.ListObjects(ctx, cs.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			errs = append(errs, obj.Err)
			continue
		}
		if err := cs.client.RemoveObject(ctx, cs.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to purge %d temp objects for batch %s: %v", len(errs), batchID, errs)
	}
	return nil
}
