package models

// Term is an academic enrollment period.
type Term struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	AcademicYear string `json:"academic_year,omitempty"`
	Number       int    `json:"number"`
	IsActive     bool   `json:"is_active"`
}

// FeeStatus summarises the student's payment standing for the active term.
type FeeStatus struct {
	Status  string `json:"status"`
	Balance string `json:"balance,omitempty"`
	Cleared bool   `json:"cleared"`
}
