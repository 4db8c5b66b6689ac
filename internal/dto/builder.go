package dto

import (
	"time"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// Builder load states.
const (
	BuilderStatusLoading = "LOADING"
	BuilderStatusReady   = "READY"
	BuilderStatusError   = "ERROR"
)

// BuilderView is the full enrollment builder payload rendered by the portal UI.
type BuilderView struct {
	Status      string            `json:"status"`
	LoadError   *ErrorView        `json:"loadError,omitempty"`
	Student     *StudentView      `json:"student,omitempty"`
	Term        *models.Term      `json:"term,omitempty"`
	Fees        *models.FeeStatus `json:"fees,omitempty"`
	Recommended []YearGroupView   `json:"recommended"`
	Available   []YearGroupView   `json:"available"`
	Enrolled    []EnrolledView    `json:"enrolled"`
	Cart        CartView          `json:"cart"`
	Submission  SubmissionView    `json:"submission"`
	Dropped     []models.CartPair `json:"droppedItems,omitempty"`
}

// ErrorView mirrors an application error for inline display.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StudentView is the profile subset the builder shows.
type StudentView struct {
	ID            string `json:"id"`
	StudentNumber string `json:"studentNumber,omitempty"`
	FullName      string `json:"fullName"`
	Program       string `json:"program,omitempty"`
	YearLevel     int    `json:"yearLevel"`
	MaxUnits      string `json:"maxUnits"`
}

// YearGroupView is one curriculum year with its term tabs.
type YearGroupView struct {
	YearLevel  int              `json:"yearLevel"`
	Label      string           `json:"label"`
	ActiveTerm int              `json:"activeTerm"`
	Terms      []TermBucketView `json:"terms"`
}

// TermBucketView lists the subjects under one term tab.
type TermBucketView struct {
	Term     int           `json:"term"`
	Label    string        `json:"label"`
	Active   bool          `json:"active"`
	Subjects []SubjectView `json:"subjects"`
}

// SubjectView is a subject annotated with the student's eligibility.
type SubjectView struct {
	ID                   string        `json:"id"`
	Code                 string        `json:"code"`
	Title                string        `json:"title"`
	Units                string        `json:"units"`
	YearLevel            int           `json:"yearLevel"`
	TermNumber           int           `json:"termNumber"`
	PrerequisiteMet      bool          `json:"prerequisiteMet"`
	MissingPrerequisites []string      `json:"missingPrerequisites"`
	InCart               bool          `json:"inCart"`
	Enrolled             bool          `json:"enrolled"`
	Sections             []SectionView `json:"sections"`
}

// SectionView is a section with display-safe seat figures.
type SectionView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Schedule  string  `json:"schedule,omitempty"`
	Capacity  int     `json:"capacity"`
	Enrolled  int     `json:"enrolledCount"`
	Remaining int     `json:"remaining"`
	Full      bool    `json:"full"`
	FillRatio float64 `json:"fillRatio"`
}

// EnrolledView is a confirmed enrollment for the active term.
type EnrolledView struct {
	ID          string `json:"id"`
	SubjectID   string `json:"subjectId"`
	SubjectCode string `json:"subjectCode"`
	Title       string `json:"title"`
	Units       string `json:"units"`
	SectionID   string `json:"sectionId"`
	SectionName string `json:"sectionName"`
}

// CartView is the cart with unit totals.
type CartView struct {
	Items         []CartItemView `json:"items"`
	Units         string         `json:"units"`
	EnrolledUnits string         `json:"enrolledUnits"`
	MaxUnits      string         `json:"maxUnits"`
	Headroom      string         `json:"headroom"`
	Locked        bool           `json:"locked"`
}

// CartItemView is one selected subject and section.
type CartItemView struct {
	SubjectID   string `json:"subjectId"`
	SubjectCode string `json:"subjectCode"`
	Title       string `json:"title"`
	Units       string `json:"units"`
	SectionID   string `json:"sectionId"`
	SectionName string `json:"sectionName"`
	Remaining   int    `json:"remaining"`
}

// SubmissionView reports the submission state machine.
type SubmissionView struct {
	State     string     `json:"state"`
	LastError *ErrorView `json:"lastError,omitempty"`
}

// SubmissionResult is returned by an accepted bulk enrollment.
type SubmissionResult struct {
	Records []models.EnrollmentRecord `json:"records"`
	View    BuilderView               `json:"view"`
}

// AddCartItemRequest captures POST /builder/cart/items payload.
type AddCartItemRequest struct {
	SubjectID string `json:"subjectId" validate:"required"`
	SectionID string `json:"sectionId" validate:"required"`
}

// SelectTabRequest captures PUT /builder/tabs/:year payload.
type SelectTabRequest struct {
	Term *int `json:"term" validate:"required,min=0,max=3"`
}

// SlipRequest captures POST /builder/slips payload.
type SlipRequest struct {
	Format models.SlipFormat `json:"format" validate:"required,oneof=csv pdf"`
}

// SlipJobResponse is returned after enqueueing a slip.
type SlipJobResponse struct {
	ID     string            `json:"id"`
	Status models.SlipStatus `json:"status"`
}

// SlipStatusResponse exposes slip job progress.
type SlipStatusResponse struct {
	ID         string            `json:"id"`
	Status     models.SlipStatus `json:"status"`
	Format     models.SlipFormat `json:"format"`
	ResultURL  *string           `json:"resultUrl,omitempty"`
	Error      *string           `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	FinishedAt *time.Time        `json:"finishedAt,omitempty"`
}
