package models

import "github.com/shopspring/decimal"

// YearLevelUnspecified marks subjects the curriculum does not assign to a year.
const YearLevelUnspecified = 0

// Term numbers within an academic year.
const (
	TermUncategorized = 0
	TermFirst         = 1
	TermSecond        = 2
	TermSummer        = 3
)

// Section is one offering of a subject with its own seat pool.
type Section struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Capacity      int    `json:"capacity"`
	EnrolledCount int    `json:"enrolled_count"`
	Schedule      string `json:"schedule,omitempty"`
}

// Remaining returns the open seats, never below zero.
func (s Section) Remaining() int {
	remaining := s.Capacity - s.EnrolledCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Full reports whether no seat is left.
func (s Section) Full() bool {
	return s.Remaining() == 0
}

// FillRatio returns occupancy in the range [0,1]. Sections without a declared
// capacity are reported as full.
func (s Section) FillRatio() float64 {
	if s.Capacity <= 0 {
		return 1
	}
	occupied := s.EnrolledCount
	if occupied < 0 {
		occupied = 0
	}
	if occupied > s.Capacity {
		occupied = s.Capacity
	}
	return float64(occupied) / float64(s.Capacity)
}

// Subject is an offered subject as seen by one student in the active term.
// Eligibility fields are computed by the portal.
type Subject struct {
	ID                   string          `json:"id"`
	Code                 string          `json:"code"`
	Title                string          `json:"title"`
	Units                decimal.Decimal `json:"units"`
	YearLevel            int             `json:"year_level"`
	TermNumber           int             `json:"term_number"`
	PrerequisiteMet      bool            `json:"prerequisite_met"`
	MissingPrerequisites []string        `json:"missing_prerequisites"`
	Sections             []Section       `json:"sections"`
}

// Section looks up one of the subject's sections by ID.
func (s Subject) Section(id string) (Section, bool) {
	for _, section := range s.Sections {
		if section.ID == id {
			return section, true
		}
	}
	return Section{}, false
}
