package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/desertthunder/tunegate/internal/models"
	"github.com/desertthunder/tunegate/internal/shared"
)

const artifactColumns = `id, external_id, title, artist, album, duration, thumbnail, storage_key, storage_url, content_type, size_bytes, source, created_at`

// ArtifactRepository persists [models.ArtifactRecord] rows.
//
// external_id is UNIQUE: the first writer wins and later writers read back its row.
type ArtifactRepository struct {
	db *sql.DB
}

// NewArtifactRepository creates a new ArtifactRepository with the given database connection
func NewArtifactRepository(db *sql.DB) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Create inserts rec unless a record for its external id already exists.
//
// The stored record is returned either way; created reports whether rec was the one written.
func (r *ArtifactRepository) Create(ctx context.Context, rec *models.ArtifactRecord) (stored *models.ArtifactRecord, created bool, err error) {
	if err := rec.Validate(); err != nil {
		return nil, false, fmt.Errorf("validation failed: %w", err)
	}

	query := `
		INSERT INTO artifacts (` + artifactColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.ExternalID,
		rec.Title,
		rec.Artist,
		rec.Album,
		rec.Duration,
		rec.Thumbnail,
		rec.StorageKey,
		rec.StorageURL,
		rec.ContentType,
		rec.SizeBytes,
		rec.Source,
		rec.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	stored, err = r.GetByExternalID(ctx, rec.ExternalID)
	if err != nil {
		return nil, false, err
	}
	return stored, rows == 1, nil
}

// GetByExternalID returns [shared.ErrArtifactNotFound] when no record exists.
func (r *ArtifactRepository) GetByExternalID(ctx context.Context, externalID string) (*models.ArtifactRecord, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts WHERE external_id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, query, externalID))
}

// List returns the newest records first. A non-positive limit returns every record.
func (r *ArtifactRepository) List(ctx context.Context, limit int) ([]*models.ArtifactRecord, error) {
	query := `SELECT ` + artifactColumns + ` FROM artifacts ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var records []*models.ArtifactRecord
	for rows.Next() {
		rec, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return records, nil
}

// Count returns the number of stored records.
func (r *ArtifactRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifacts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count artifacts: %w", err)
	}
	return n, nil
}

// Delete removes the record for externalID.
func (r *ArtifactRepository) Delete(ctx context.Context, externalID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM artifacts WHERE external_id = ?`, externalID)
	if err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", shared.ErrArtifactNotFound, externalID)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ArtifactRepository) scan(s scanner) (*models.ArtifactRecord, error) {
	var rec models.ArtifactRecord
	err := s.Scan(
		&rec.ID,
		&rec.ExternalID,
		&rec.Title,
		&rec.Artist,
		&rec.Album,
		&rec.Duration,
		&rec.Thumbnail,
		&rec.StorageKey,
		&rec.StorageURL,
		&rec.ContentType,
		&rec.SizeBytes,
		&rec.Source,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	return &rec, nil
}

func (r *ArtifactRepository) scanOne(row *sql.Row) (*models.ArtifactRecord, error) {
	rec, err := r.scan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, shared.ErrArtifactNotFound
		}
		return nil, err
	}
	return rec, nil
}
