package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// SubmissionLogRepository records bulk enrollment attempts.
type SubmissionLogRepository struct {
	db *sqlx.DB
}

// NewSubmissionLogRepository constructs the repository.
func NewSubmissionLogRepository(db *sqlx.DB) *SubmissionLogRepository {
	return &SubmissionLogRepository{db: db}
}

// Record inserts one audit row.
func (r *SubmissionLogRepository) Record(ctx context.Context, entry *models.SubmissionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO enrollment_submission_logs (id, student_id, term_id, items, outcome, reason, duration_ms, created_at)
VALUES (:id, :student_id, :term_id, :items, :outcome, :reason, :duration_ms, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record submission log: %w", err)
	}
	return nil
}

// ListByStudent returns the student's most recent attempts first.
func (r *SubmissionLogRepository) ListByStudent(ctx context.Context, studentID string, limit int) ([]models.SubmissionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, student_id, term_id, items, outcome, reason, duration_ms, created_at
FROM enrollment_submission_logs WHERE student_id = $1 ORDER BY created_at DESC LIMIT $2`
	var entries []models.SubmissionLog
	if err := r.db.SelectContext(ctx, &entries, query, studentID, limit); err != nil {
		return nil, fmt.Errorf("list submission logs: %w", err)
	}
	return entries, nil
}
