package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

func TestSlipJobRepositoryLifecycle(t *testing.T) {
	repo := NewSlipJobRepository()
	ctx := context.Background()

	job := &models.SlipJob{StudentID: "stu-1", Format: models.SlipFormatPDF}
	require.NoError(t, repo.Create(ctx, job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.SlipStatusQueued, job.Status)

	failed := "render failed"
	require.NoError(t, repo.Update(ctx, job.ID, UpdateSlipJobParams{ErrorMessage: &failed}))
	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ErrorMessage)

	finished := models.SlipStatusFinished
	url := "/api/v1/slips/download?token=x"
	clear := ""
	done := time.Now().Add(-2 * time.Hour)
	require.NoError(t, repo.Update(ctx, job.ID, UpdateSlipJobParams{Status: &finished, ResultURL: &url, ErrorMessage: &clear, FinishedAt: &done}))

	stored, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SlipStatusFinished, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
	assert.Equal(t, url, *stored.ResultURL)

	removed, err := repo.DeleteFinishedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, removed, 1)

	_, err = repo.GetByID(ctx, job.ID)
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	assert.ErrorIs(t, repo.Update(ctx, job.ID, UpdateSlipJobParams{}), appErrors.ErrNotFound)
}
