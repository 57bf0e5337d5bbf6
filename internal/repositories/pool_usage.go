package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
)

// PoolUsageRepository stores the request counters of quota pool entries.
type PoolUsageRepository struct {
	db *sql.DB
}

// NewPoolUsageRepository creates a new PoolUsageRepository with the given database connection
func NewPoolUsageRepository(db *sql.DB) *PoolUsageRepository {
	return &PoolUsageRepository{db: db}
}

// Load returns every persisted counter keyed by usage key.
func (r *PoolUsageRepository) Load(ctx context.Context) (map[string]models.PoolUsage, error) {
	query := `
		SELECT usage_key, credential_hash, host, requests_used, max_requests, last_attempt_at, last_success_at, updated_at
		FROM pool_usage
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load pool usage: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]models.PoolUsage)
	for rows.Next() {
		var u models.PoolUsage
		var lastAttempt, lastSucc sql.NullTime
		if err := rows.Scan(&u.Key, &u.CredentialHash, &u.Host, &u.RequestsUsed, &u.MaxRequests, &lastAttempt, &lastSucc, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pool usage: %w", err)
		}
		u.LastAttemptAt = fromNullTime(lastAttempt)
		u.LastSuccessAt = fromNullTime(lastSucc)
		usage[u.Key] = u
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pool usage: %w", err)
	}
	return usage, nil
}

// ensure creates the counter row if it is missing and keeps its cap in sync with configuration.
func (r *PoolUsageRepository) ensure(ctx context.Context, tx *sql.Tx, u models.PoolUsage, now time.Time) error {
	query := `
		INSERT INTO pool_usage (usage_key, credential_hash, host, requests_used, max_requests, updated_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON CONFLICT(usage_key) DO UPDATE SET max_requests = excluded.max_requests
	`
	if _, err := tx.ExecContext(ctx, query, u.Key, u.CredentialHash, u.Host, u.MaxRequests, now); err != nil {
		return fmt.Errorf("failed to ensure pool usage row: %w", err)
	}
	return nil
}

// Increment adds one to the counter unless it already reached its cap.
//
// The check and the increment are a single statement. It returns the resulting count and whether it changed.
func (r *PoolUsageRepository) Increment(ctx context.Context, u models.PoolUsage, at time.Time) (used int, incremented bool, err error) {
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.ensure(ctx, tx, u, at); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE pool_usage
			SET requests_used = requests_used + 1, last_attempt_at = ?, last_success_at = ?, updated_at = ?
			WHERE usage_key = ? AND (max_requests <= 0 OR requests_used < max_requests)
		`, at, at, at, u.Key)
		if err != nil {
			return fmt.Errorf("failed to increment pool usage: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		incremented = rows == 1

		if err := tx.QueryRowContext(ctx, `SELECT requests_used FROM pool_usage WHERE usage_key = ?`, u.Key).Scan(&used); err != nil {
			return fmt.Errorf("failed to read pool usage: %w", err)
		}
		return nil
	})
	return used, incremented, err
}

// Touch records a failed attempt without consuming quota.
func (r *PoolUsageRepository) Touch(ctx context.Context, u models.PoolUsage, at time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.ensure(ctx, tx, u, at); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE pool_usage SET last_attempt_at = ?, updated_at = ? WHERE usage_key = ?`, at, at, u.Key)
		if err != nil {
			return fmt.Errorf("failed to touch pool usage: %w", err)
		}
		return nil
	})
}

// Reset zeroes the counter for key, or every counter when key is empty.
func (r *PoolUsageRepository) Reset(ctx context.Context, key string) error {
	now := time.Now().UTC()
	var err error
	if key == "" {
		_, err = r.db.ExecContext(ctx, `UPDATE pool_usage SET requests_used = 0, updated_at = ?`, now)
	} else {
		_, err = r.db.ExecContext(ctx, `UPDATE pool_usage SET requests_used = 0, updated_at = ? WHERE usage_key = ?`, now, key)
	}
	if err != nil {
		return fmt.Errorf("failed to reset pool usage: %w", err)
	}
	return nil
}
