package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

func filledCart(t *testing.T, subjects ...models.Subject) *CartEngine {
	t.Helper()
	cart := newTestCart(24)
	for _, subject := range subjects {
		_, err := cart.Add(subject, subject.Sections[0])
		require.NoError(t, err)
	}
	return cart
}

func TestSubmissionCoordinatorSuccess(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 3, 1, 1)
	cart := filledCart(t, a, b)
	store := newMemoryCartStoreStub()
	require.NoError(t, store.Save(context.Background(), "k", cart.Snapshot().Pairs()))
	enroller := &enrollerStub{records: []models.EnrollmentRecord{{ID: "r1", Subject: a}, {ID: "r2", Subject: b}}}
	auditor := &auditorStub{}
	refreshed := 0

	coordinator := NewSubmissionCoordinator(enroller, store, auditor, nil, zap.NewNop())
	records, err := coordinator.Submit(context.Background(), SubmissionTarget{
		StudentID: "stu-1",
		TermID:    "term-1",
		CartKey:   "k",
		Cart:      cart,
		Refresh: func(ctx context.Context) error {
			refreshed++
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	require.Len(t, enroller.calls, 1)
	assert.Equal(t, []models.CartPair{{SubjectID: "a", SectionID: "a-A"}, {SubjectID: "b", SectionID: "b-A"}}, enroller.calls[0])

	assert.Empty(t, cart.Snapshot().Items)
	assert.False(t, cart.Frozen())
	_, persisted := store.get("k")
	assert.False(t, persisted)
	assert.Equal(t, 1, refreshed)

	status := coordinator.Status()
	assert.Equal(t, SubmissionIdle, status.State)
	assert.NoError(t, status.LastError)
	assert.Len(t, status.LastRecords, 2)

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, models.SubmissionOutcomeAccepted, auditor.entries[0].Outcome)
	assert.Nil(t, auditor.entries[0].Reason)
}

func TestSubmissionCoordinatorSeatExhaustionKeepsCart(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 3, 1, 1)
	cart := filledCart(t, a, b)
	before := cart.Snapshot()
	store := newMemoryCartStoreStub()
	require.NoError(t, store.Save(context.Background(), "k", before.Pairs()))
	rejection := appErrors.Wrap(errors.New("portal /enrollments/bulk responded 409"), appErrors.ErrServerRejection.Code, appErrors.ErrServerRejection.Status, "C-b: section A is full")
	auditor := &auditorStub{}
	refreshed := false

	coordinator := NewSubmissionCoordinator(&enrollerStub{err: rejection}, store, auditor, nil, nil)
	records, err := coordinator.Submit(context.Background(), SubmissionTarget{
		StudentID: "stu-1",
		TermID:    "term-1",
		CartKey:   "k",
		Cart:      cart,
		Refresh: func(ctx context.Context) error {
			refreshed = true
			return nil
		},
	})
	require.Error(t, err)
	assert.Nil(t, records)
	assert.True(t, appErrors.Is(err, appErrors.ErrServerRejection))

	assert.Equal(t, before, cart.Snapshot())
	assert.False(t, cart.Frozen())
	pairs, persisted := store.get("k")
	assert.True(t, persisted)
	assert.Equal(t, before.Pairs(), pairs)
	assert.False(t, refreshed)

	status := coordinator.Status()
	assert.Equal(t, SubmissionIdle, status.State)
	require.Error(t, status.LastError)

	require.Len(t, auditor.entries, 1)
	assert.Equal(t, models.SubmissionOutcomeRejected, auditor.entries[0].Outcome)
	require.NotNil(t, auditor.entries[0].Reason)
	assert.Equal(t, "C-b: section A is full", *auditor.entries[0].Reason)
}

func TestSubmissionCoordinatorNetworkFailure(t *testing.T) {
	cart := filledCart(t, testSubject("a", 3, 1, 1))
	netErr := appErrors.Wrap(context.DeadlineExceeded, appErrors.ErrNetwork.Code, appErrors.ErrNetwork.Status, "portal unreachable")
	auditor := &auditorStub{}

	coordinator := NewSubmissionCoordinator(&enrollerStub{err: netErr}, nil, auditor, nil, nil)
	_, err := coordinator.Submit(context.Background(), SubmissionTarget{StudentID: "stu-1", Cart: cart})
	assert.True(t, appErrors.Is(err, appErrors.ErrNetwork))
	assert.Len(t, cart.Snapshot().Items, 1)
	require.Len(t, auditor.entries, 1)
	assert.Equal(t, models.SubmissionOutcomeFailed, auditor.entries[0].Outcome)
}

func TestSubmissionCoordinatorEmptyCart(t *testing.T) {
	enroller := &enrollerStub{}
	coordinator := NewSubmissionCoordinator(enroller, nil, nil, nil, nil)
	cart := newTestCart(24)

	_, err := coordinator.Submit(context.Background(), SubmissionTarget{Cart: cart})
	assert.ErrorIs(t, err, appErrors.ErrEmptyCart)
	assert.Zero(t, enroller.callCount())
	assert.False(t, cart.Frozen())
}

func TestSubmissionCoordinatorRefusesSecondSubmit(t *testing.T) {
	cart := filledCart(t, testSubject("a", 3, 1, 1))
	enroller := &enrollerStub{block: make(chan struct{}), started: make(chan struct{})}
	coordinator := NewSubmissionCoordinator(enroller, nil, nil, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := coordinator.Submit(context.Background(), SubmissionTarget{Cart: cart})
		done <- err
	}()

	select {
	case <-enroller.started:
	case <-time.After(time.Second):
		t.Fatal("submission never reached the portal")
	}
	assert.Equal(t, SubmissionSubmitting, coordinator.Status().State)

	_, err := coordinator.Submit(context.Background(), SubmissionTarget{Cart: cart})
	assert.ErrorIs(t, err, appErrors.ErrSubmissionInProgress)

	b := testSubject("b", 3, 1, 1)
	_, err = cart.Add(b, b.Sections[0])
	assert.ErrorIs(t, err, appErrors.ErrSubmissionInProgress)

	close(enroller.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, enroller.callCount())
	assert.Equal(t, SubmissionIdle, coordinator.Status().State)
}

func TestSubmissionCoordinatorRefreshFailureStillSucceeds(t *testing.T) {
	cart := filledCart(t, testSubject("a", 3, 1, 1))
	coordinator := NewSubmissionCoordinator(&enrollerStub{records: []models.EnrollmentRecord{{ID: "r1"}}}, nil, nil, nil, nil)

	records, err := coordinator.Submit(context.Background(), SubmissionTarget{
		Cart:    cart,
		Refresh: func(ctx context.Context) error { return errors.New("portal down") },
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Empty(t, cart.Snapshot().Items)
}
