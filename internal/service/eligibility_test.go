package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

func TestEligibilityEvaluatorTrustsServerSnapshot(t *testing.T) {
	e := NewEligibilityEvaluator()

	met := models.Subject{ID: "s1", PrerequisiteMet: true, MissingPrerequisites: []string{"IGNORED"}}
	assert.True(t, e.CanAdd(met))
	assert.Empty(t, e.Missing(met))

	unmet := models.Subject{ID: "s2", PrerequisiteMet: false, MissingPrerequisites: []string{"MATH1", "MATH2"}}
	assert.False(t, e.CanAdd(unmet))
	missing := e.Missing(unmet)
	assert.Equal(t, []string{"MATH1", "MATH2"}, missing)

	missing[0] = "changed"
	assert.Equal(t, "MATH1", unmet.MissingPrerequisites[0])
}
