package models

import "github.com/shopspring/decimal"

// Catalog is one complete, consistent load of the builder's inputs.
type Catalog struct {
	Student     Student            `json:"student"`
	ActiveTerm  Term               `json:"active_term"`
	Recommended []Subject          `json:"recommended_subjects"`
	Available   []Subject          `json:"available_subjects"`
	Enrolled    []EnrollmentRecord `json:"enrolled_subjects"`
	Fees        *FeeStatus         `json:"fees,omitempty"`
}

// FindSubject resolves a subject by ID, preferring the curriculum list.
func (c *Catalog) FindSubject(id string) (Subject, bool) {
	if c == nil {
		return Subject{}, false
	}
	for _, subject := range c.Recommended {
		if subject.ID == id {
			return subject, true
		}
	}
	for _, subject := range c.Available {
		if subject.ID == id {
			return subject, true
		}
	}
	return Subject{}, false
}

// IsEnrolled reports whether the student already holds the subject this term.
func (c *Catalog) IsEnrolled(subjectID string) bool {
	if c == nil {
		return false
	}
	for _, record := range c.Enrolled {
		if record.Subject.ID == subjectID {
			return true
		}
	}
	return false
}

// EnrolledSubjectIDs lists the subjects confirmed for this term.
func (c *Catalog) EnrolledSubjectIDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.Enrolled))
	for _, record := range c.Enrolled {
		ids = append(ids, record.Subject.ID)
	}
	return ids
}

// EnrolledUnits sums the units already confirmed for this term.
func (c *Catalog) EnrolledUnits() decimal.Decimal {
	total := decimal.Zero
	if c == nil {
		return total
	}
	for _, record := range c.Enrolled {
		total = total.Add(record.Subject.Units)
	}
	return total
}
