package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

// SubmissionState is the coordinator's position in a submit cycle.
type SubmissionState string

const (
	SubmissionIdle       SubmissionState = "IDLE"
	SubmissionSubmitting SubmissionState = "SUBMITTING"
)

type bulkEnroller interface {
	BulkEnroll(ctx context.Context, pairs []models.CartPair) ([]models.EnrollmentRecord, error)
}

type submissionAuditor interface {
	Record(ctx context.Context, entry *models.SubmissionLog) error
}

type submissionObserver interface {
	RecordSubmission(outcome string)
}

// SubmissionTarget names the cart being submitted and what to do once the
// portal accepts it.
type SubmissionTarget struct {
	StudentID string
	TermID    string
	CartKey   string
	Cart      *CartEngine
	// Refresh reloads the catalog after an accepted submission.
	Refresh func(ctx context.Context) error
}

// SubmissionStatus is a point-in-time view of the coordinator.
type SubmissionStatus struct {
	State       SubmissionState
	LastError   error
	LastRecords []models.EnrollmentRecord
}

// SubmissionCoordinator sends a whole cart as one bulk enrollment and guards
// against overlapping submissions.
type SubmissionCoordinator struct {
	mu          sync.Mutex
	state       SubmissionState
	lastErr     error
	lastRecords []models.EnrollmentRecord

	enroller bulkEnroller
	store    CartStore
	auditor  submissionAuditor
	metrics  submissionObserver
	logger   *zap.Logger
	now      func() time.Time
}

// NewSubmissionCoordinator constructs an idle coordinator. store and auditor
// may be nil.
func NewSubmissionCoordinator(enroller bulkEnroller, store CartStore, auditor submissionAuditor, metrics submissionObserver, logger *zap.Logger) *SubmissionCoordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubmissionCoordinator{
		state:    SubmissionIdle,
		enroller: enroller,
		store:    store,
		auditor:  auditor,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Status returns the current state and the outcome of the last attempt.
func (c *SubmissionCoordinator) Status() SubmissionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]models.EnrollmentRecord, len(c.lastRecords))
	copy(records, c.lastRecords)
	return SubmissionStatus{State: c.state, LastError: c.lastErr, LastRecords: records}
}

// Submit sends every cart item in one call. On success the cart is emptied,
// its persisted entry removed and the catalog refreshed; on failure the cart
// is left exactly as it was.
func (c *SubmissionCoordinator) Submit(ctx context.Context, target SubmissionTarget) ([]models.EnrollmentRecord, error) {
	if target.Cart == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "submission target has no cart")
	}

	c.mu.Lock()
	if c.state == SubmissionSubmitting {
		c.mu.Unlock()
		return nil, appErrors.ErrSubmissionInProgress
	}
	cart, err := target.Cart.freeze()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if len(cart.Items) == 0 {
		target.Cart.release(false)
		c.mu.Unlock()
		return nil, appErrors.ErrEmptyCart
	}
	c.state = SubmissionSubmitting
	c.lastErr = nil
	c.mu.Unlock()

	pairs := cart.Pairs()
	start := c.now()
	records, err := c.enroller.BulkEnroll(ctx, pairs)
	duration := c.now().Sub(start)

	if err != nil {
		target.Cart.release(false)
		outcome := submissionOutcome(err)
		c.finish(nil, err)
		c.record(ctx, target, pairs, outcome, err, duration)
		c.logger.Info("bulk enrollment not accepted",
			zap.String("student_id", target.StudentID),
			zap.String("term_id", target.TermID),
			zap.Int("items", len(pairs)),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
		return nil, err
	}

	target.Cart.release(true)
	c.finish(records, nil)
	c.record(ctx, target, pairs, models.SubmissionOutcomeAccepted, nil, duration)
	c.logger.Info("bulk enrollment accepted",
		zap.String("student_id", target.StudentID),
		zap.String("term_id", target.TermID),
		zap.Int("items", len(pairs)))

	if c.store != nil && target.CartKey != "" {
		if err := c.store.Delete(ctx, target.CartKey); err != nil {
			c.logger.Warn("failed to discard persisted cart", zap.String("key", target.CartKey), zap.Error(err))
		}
	}
	if target.Refresh != nil {
		if err := target.Refresh(ctx); err != nil {
			c.logger.Warn("catalog refresh after submission failed", zap.String("student_id", target.StudentID), zap.Error(err))
		}
	}
	return records, nil
}

func (c *SubmissionCoordinator) finish(records []models.EnrollmentRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SubmissionIdle
	c.lastErr = err
	if err == nil {
		c.lastRecords = records
	}
}

func (c *SubmissionCoordinator) record(ctx context.Context, target SubmissionTarget, pairs []models.CartPair, outcome models.SubmissionOutcome, cause error, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordSubmission(string(outcome))
	}
	if c.auditor == nil {
		return
	}
	entry := &models.SubmissionLog{
		ID:        uuid.NewString(),
		StudentID: target.StudentID,
		TermID:    target.TermID,
		Items:     models.CartPairs(pairs),
		Outcome:   outcome,
		Duration:  duration.Milliseconds(),
		CreatedAt: c.now().UTC(),
	}
	if cause != nil {
		reason := cause.Error()
		var appErr *appErrors.Error
		if errors.As(cause, &appErr) {
			reason = appErr.Message
		}
		entry.Reason = &reason
	}
	// The audit row must not depend on the request outliving the call.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.auditor.Record(auditCtx, entry); err != nil {
		c.logger.Warn("failed to record submission audit", zap.String("student_id", target.StudentID), zap.Error(err))
	}
}

func submissionOutcome(err error) models.SubmissionOutcome {
	if appErrors.Is(err, appErrors.ErrServerRejection) {
		return models.SubmissionOutcomeRejected
	}
	return models.SubmissionOutcomeFailed
}

// backgroundAuditor writes submission audit rows off the request path. Wait
// drains writes still in flight.
type backgroundAuditor struct {
	next    submissionAuditor
	timeout time.Duration
	logger  *zap.Logger
	wg      sync.WaitGroup
}

func newBackgroundAuditor(next submissionAuditor, logger *zap.Logger) *backgroundAuditor {
	return &backgroundAuditor{next: next, timeout: 5 * time.Second, logger: logger}
}

// Record queues the write and returns immediately.
func (a *backgroundAuditor) Record(ctx context.Context, entry *models.SubmissionLog) error {
	row := *entry
	auditCtx := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		writeCtx, cancel := context.WithTimeout(auditCtx, a.timeout)
		defer cancel()
		if err := a.next.Record(writeCtx, &row); err != nil {
			a.logger.Warn("failed to record submission audit", zap.String("student_id", row.StudentID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until queued writes finish or ctx ends.
func (a *backgroundAuditor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
