package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

type historyStub struct {
	entries   []models.SubmissionLog
	err       error
	studentID string
	limit     int
}

func (s *historyStub) ListByStudent(ctx context.Context, studentID string, limit int) ([]models.SubmissionLog, error) {
	s.studentID, s.limit = studentID, limit
	return s.entries, s.err
}

func TestSubmissionHandlerList(t *testing.T) {
	stub := &historyStub{entries: []models.SubmissionLog{{ID: "log-1", Outcome: models.SubmissionOutcomeAccepted}}}
	h := NewSubmissionHandler(stub)

	c, w := newGinContext(http.MethodGet, "/builder/submissions?limit=500", nil)
	asStudent(c)
	h.List(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stu-1", stub.studentID)
	assert.Equal(t, maxHistoryLimit, stub.limit)
	assert.Contains(t, w.Body.String(), "log-1")
}

func TestSubmissionHandlerListErrors(t *testing.T) {
	h := NewSubmissionHandler(&historyStub{})
	c, w := newGinContext(http.MethodGet, "/builder/submissions?limit=abc", nil)
	asStudent(c)
	h.List(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h = NewSubmissionHandler(&historyStub{err: errors.New("pq: timeout")})
	c, w = newGinContext(http.MethodGet, "/builder/submissions", nil)
	asStudent(c)
	h.List(c)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq: timeout")
}
