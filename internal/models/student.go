package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Admission statuses that open the enrollment builder to students who have
// not been issued a student number yet.
var builderAdmissionStatuses = map[string]struct{}{
	"ADMITTED": {},
	"ENROLLED": {},
	"ACTIVE":   {},
}

// Student is the signed-in student's profile as returned by the portal.
type Student struct {
	ID              string          `json:"id"`
	StudentNumber   string          `json:"student_number"`
	FullName        string          `json:"full_name"`
	Program         string          `json:"program,omitempty"`
	YearLevel       int             `json:"year_level"`
	AdmissionStatus string          `json:"admission_status,omitempty"`
	MaxUnits        decimal.Decimal `json:"max_units"`
}

// CanUseBuilder reports whether the student may build an enrollment.
func (s Student) CanUseBuilder() bool {
	if strings.TrimSpace(s.StudentNumber) != "" {
		return true
	}
	_, ok := builderAdmissionStatuses[strings.ToUpper(strings.TrimSpace(s.AdmissionStatus))]
	return ok
}

// UnitLimit returns the student's unit ceiling, or fallback when the profile
// does not carry one.
func (s Student) UnitLimit(fallback decimal.Decimal) decimal.Decimal {
	if s.MaxUnits.IsPositive() {
		return s.MaxUnits
	}
	return fallback
}
