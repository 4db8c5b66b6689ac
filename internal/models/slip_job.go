package models

import "time"

// SlipFormat enumerates supported enrollment slip formats.
type SlipFormat string

const (
	SlipFormatCSV SlipFormat = "csv"
	SlipFormatPDF SlipFormat = "pdf"
)

// SlipStatus captures background job lifecycle states.
type SlipStatus string

const (
	SlipStatusQueued     SlipStatus = "QUEUED"
	SlipStatusProcessing SlipStatus = "PROCESSING"
	SlipStatusFinished   SlipStatus = "FINISHED"
	SlipStatusFailed     SlipStatus = "FAILED"
)

// SlipJob tracks rendering of one enrollment slip.
type SlipJob struct {
	ID           string             `json:"id"`
	StudentID    string             `json:"student_id"`
	Format       SlipFormat         `json:"format"`
	Status       SlipStatus         `json:"status"`
	Student      Student            `json:"-"`
	Term         Term               `json:"-"`
	Records      []EnrollmentRecord `json:"-"`
	ResultURL    *string            `json:"result_url,omitempty"`
	ErrorMessage *string            `json:"error_message,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	FinishedAt   *time.Time         `json:"finished_at,omitempty"`
}
