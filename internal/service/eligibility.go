package service

import "github.com/noah-isme/sma-enrollment-builder/internal/models"

// EligibilityEvaluator answers prerequisite questions from the portal's
// snapshot. Completed-grade data lives on the portal, so nothing is
// recomputed locally.
type EligibilityEvaluator struct{}

// NewEligibilityEvaluator constructs an evaluator.
func NewEligibilityEvaluator() *EligibilityEvaluator {
	return &EligibilityEvaluator{}
}

// CanAdd reports whether the subject may be placed in a cart.
func (e *EligibilityEvaluator) CanAdd(subject models.Subject) bool {
	return subject.PrerequisiteMet
}

// Missing returns the unmet prerequisite codes in server order.
func (e *EligibilityEvaluator) Missing(subject models.Subject) []string {
	if subject.PrerequisiteMet || len(subject.MissingPrerequisites) == 0 {
		return []string{}
	}
	missing := make([]string, len(subject.MissingPrerequisites))
	copy(missing, subject.MissingPrerequisites)
	return missing
}
