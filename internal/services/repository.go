package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/velora/picflow/pkg/models"
)

// ErrDuplicateImage is returned when an image with the same content digest
// already exists. A non-error outcome for the pipeline: the item is skipped.
var ErrDuplicateImage = errors.New("image with this hash already exists")

// PgxPool is the subset of pgxpool.Pool the repository uses; pgxmock
// implements it for tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresImageRepository struct {
	db     PgxPool
	logger *logrus.Logger
}

func NewImageRepository(db PgxPool, logger *logrus.Logger) *PostgresImageRepository {
	return &PostgresImageRepository{db: db, logger: logger}
}

// FindByHash returns the image with the given content digest, or nil if no
// such image exists. The digest is the sole deduplication key.
func (r *PostgresImageRepository) FindByHash(ctx context.Context, hash string) (*models.Image, error) {
	query := `
		SELECT id, slug, image_url, display_url, image_hash, description,
		       width, height, user_id, created_at
		FROM images WHERE image_hash = $1
	`

	var img models.Image
	err := r.db.QueryRow(ctx, query, hash).Scan(
		&img.ID, &img.Slug, &img.ImageURL, &img.DisplayURL, &img.ImageHash,
		&img.Description, &img.Width, &img.Height, &img.UserID, &img.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query image by hash: %w", err)
	}
	return &img, nil
}

// InsertImageWithTags writes the image row and its tag associations in one
// transaction. The unique constraint on image_hash is the final backstop for
// the dedup race: a conflicting insert surfaces as ErrDuplicateImage.
func (r *PostgresImageRepository) InsertImageWithTags(ctx context.Context, image *models.Image, tree models.TagTree) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertImage := `
		INSERT INTO images (slug, image_url, display_url, image_hash, description,
		                    width, height, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (image_hash) DO NOTHING
		RETURNING id
	`

	var imageID int64
	err = tx.QueryRow(ctx, insertImage,
		image.Slug, image.ImageURL, image.DisplayURL, image.ImageHash,
		image.Description, image.Width, image.Height, image.UserID, image.CreatedAt,
	).Scan(&imageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrDuplicateImage
		}
		return 0, fmt.Errorf("failed to insert image: %w", err)
	}

	upsertTag := `
		INSERT INTO tags (name, level) VALUES ($1, $2)
		ON CONFLICT (name, level) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`
	insertImageTag := `
		INSERT INTO image_tags (image_id, tag_id, weight, level)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`

	for _, tag := range tree.Flatten() {
		var tagID int64
		if err := tx.QueryRow(ctx, upsertTag, tag.Name, tag.Level).Scan(&tagID); err != nil {
			return 0, fmt.Errorf("failed to upsert tag %q (level %d): %w", tag.Name, tag.Level, err)
		}
		if _, err := tx.Exec(ctx, insertImageTag, imageID, tagID, tag.Weight, tag.Level); err != nil {
			return 0, fmt.Errorf("failed to associate tag %q: %w", tag.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit image insert: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"image_id": imageID,
		"slug":     image.Slug,
	}).Debug("Image persisted")

	return imageID, nil
}

// SyntheticUsers lists the placeholder accounts used to attribute
// externally-synced images.
func (r *PostgresImageRepository) SyntheticUsers(ctx context.Context) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM users WHERE is_synthetic = TRUE ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query synthetic users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
