package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/desertthunder/tunegate/internal/models"
)

// DailyUsageRepository stores per-strategy request counts for each UTC day.
type DailyUsageRepository struct {
	db *sql.DB
}

// NewDailyUsageRepository creates a new DailyUsageRepository with the given database connection
func NewDailyUsageRepository(db *sql.DB) *DailyUsageRepository {
	return &DailyUsageRepository{db: db}
}

// Count returns the requests recorded for name on day, zero when none were.
func (r *DailyUsageRepository) Count(ctx context.Context, name, day string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT count FROM daily_usage WHERE name = ? AND day = ?`, name, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily usage: %w", err)
	}
	return n, nil
}

// Increment adds one to the day's count unless it reached limit. A non-positive limit never blocks.
func (r *DailyUsageRepository) Increment(ctx context.Context, name, day string, limit int) (count int, incremented bool, err error) {
	now := time.Now().UTC()
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO daily_usage (name, day, count, updated_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(name, day) DO NOTHING
		`, name, day, now); err != nil {
			return fmt.Errorf("failed to ensure daily usage row: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE daily_usage SET count = count + 1, updated_at = ?
			WHERE name = ? AND day = ? AND (? <= 0 OR count < ?)
		`, now, name, day, limit, limit)
		if err != nil {
			return fmt.Errorf("failed to increment daily usage: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}
		incremented = rows == 1

		return tx.QueryRowContext(ctx, `SELECT count FROM daily_usage WHERE name = ? AND day = ?`, name, day).Scan(&count)
	})
	return count, incremented, err
}

// List returns the counters recorded for day.
func (r *DailyUsageRepository) List(ctx context.Context, day string) ([]models.DailyUsage, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, day, count FROM daily_usage WHERE day = ? ORDER BY name`, day)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily usage: %w", err)
	}
	defer rows.Close()

	var usage []models.DailyUsage
	for rows.Next() {
		var u models.DailyUsage
		if err := rows.Scan(&u.Name, &u.Day, &u.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily usage: %w", err)
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
