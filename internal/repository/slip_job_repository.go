package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

// SlipJobRepository keeps enrollment slip jobs in process memory. Jobs carry
// the rendered enrollment snapshot, so they are short-lived by nature.
type SlipJobRepository struct {
	mu   sync.RWMutex
	jobs map[string]models.SlipJob
}

// NewSlipJobRepository constructs an empty repository.
func NewSlipJobRepository() *SlipJobRepository {
	return &SlipJobRepository{jobs: make(map[string]models.SlipJob)}
}

// Create stores a new job, assigning defaults for missing fields.
func (r *SlipJobRepository) Create(ctx context.Context, job *models.SlipJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.SlipStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = *job
	return nil
}

// GetByID returns a copy of the job.
func (r *SlipJobRepository) GetByID(ctx context.Context, id string) (*models.SlipJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, appErrors.ErrNotFound
	}
	return &job, nil
}

// UpdateSlipJobParams defines the mutable fields.
type UpdateSlipJobParams struct {
	Status       *models.SlipStatus
	ResultURL    *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

// Update applies the provided changes.
func (r *SlipJobRepository) Update(ctx context.Context, id string, params UpdateSlipJobParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return appErrors.ErrNotFound
	}
	if params.Status != nil {
		job.Status = *params.Status
	}
	if params.ResultURL != nil {
		job.ResultURL = params.ResultURL
	}
	if params.ErrorMessage != nil {
		if *params.ErrorMessage == "" {
			job.ErrorMessage = nil
		} else {
			job.ErrorMessage = params.ErrorMessage
		}
	}
	if params.FinishedAt != nil {
		job.FinishedAt = params.FinishedAt
	}
	r.jobs[id] = job
	return nil
}

// DeleteFinishedBefore drops finished or failed jobs older than cutoff and
// returns them, oldest first.
func (r *SlipJobRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.SlipJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := make([]models.SlipJob, 0)
	for id, job := range r.jobs {
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		removed = append(removed, job)
		delete(r.jobs, id)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].FinishedAt.Before(*removed[j].FinishedAt) })
	return removed, nil
}
