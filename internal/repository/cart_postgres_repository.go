package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// PostgresCartRepository persists carts in the enrollment_carts table.
type PostgresCartRepository struct {
	db  *sqlx.DB
	ttl time.Duration
	now func() time.Time
}

// NewPostgresCartRepository constructs a PostgreSQL cart store. Entries older
// than ttl are ignored on load; a non-positive ttl disables expiry.
func NewPostgresCartRepository(db *sqlx.DB, ttl time.Duration) *PostgresCartRepository {
	return &PostgresCartRepository{db: db, ttl: ttl, now: time.Now}
}

type cartRow struct {
	Items     models.CartPairs `db:"items"`
	UpdatedAt time.Time        `db:"updated_at"`
}

// Load returns the stored pairs, or nil when absent or expired.
func (r *PostgresCartRepository) Load(ctx context.Context, key string) ([]models.CartPair, error) {
	const query = `SELECT items, updated_at FROM enrollment_carts WHERE cart_key = $1`
	var row cartRow
	if err := r.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get cart %s: %w", key, err)
	}
	if r.ttl > 0 && row.UpdatedAt.Before(r.now().Add(-r.ttl)) {
		return nil, nil
	}
	return []models.CartPair(row.Items), nil
}

// Save upserts the pairs for key.
func (r *PostgresCartRepository) Save(ctx context.Context, key string, pairs []models.CartPair) error {
	const query = `INSERT INTO enrollment_carts (cart_key, items, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (cart_key) DO UPDATE SET items = EXCLUDED.items, updated_at = EXCLUDED.updated_at`
	if _, err := r.db.ExecContext(ctx, query, key, models.CartPairs(pairs), r.now().UTC()); err != nil {
		return fmt.Errorf("save cart %s: %w", key, err)
	}
	return nil
}

// Delete removes the row for key.
func (r *PostgresCartRepository) Delete(ctx context.Context, key string) error {
	const query = `DELETE FROM enrollment_carts WHERE cart_key = $1`
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("delete cart %s: %w", key, err)
	}
	return nil
}
