package models

import "time"

// EnrollmentRecord is a server-confirmed subject and section binding for the
// student in the active term.
type EnrollmentRecord struct {
	ID         string     `json:"id"`
	TermID     string     `json:"term_id,omitempty"`
	Status     string     `json:"status,omitempty"`
	Subject    Subject    `json:"subject"`
	Section    Section    `json:"section"`
	EnrolledAt *time.Time `json:"enrolled_at,omitempty"`
}
