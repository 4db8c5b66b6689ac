package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionOutcome records how a bulk enrollment attempt ended.
type SubmissionOutcome string

const (
	SubmissionOutcomeAccepted SubmissionOutcome = "ACCEPTED"
	SubmissionOutcomeRejected SubmissionOutcome = "REJECTED"
	SubmissionOutcomeFailed   SubmissionOutcome = "FAILED"
)

// CartPairs is an ordered pair list persisted as JSONB.
type CartPairs []CartPair

// Value marshals pairs to JSON for persistence.
func (p CartPairs) Value() (driver.Value, error) {
	if p == nil {
		p = CartPairs{}
	}
	data, err := json.Marshal([]CartPair(p))
	if err != nil {
		return nil, fmt.Errorf("marshal cart pairs: %w", err)
	}
	return data, nil
}

// Scan unmarshals JSON payloads into the pair list.
func (p *CartPairs) Scan(value interface{}) error {
	if value == nil {
		*p = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for CartPairs", value)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	var pairs []CartPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("unmarshal cart pairs: %w", err)
	}
	*p = pairs
	return nil
}

// SubmissionLog is an audit row for one bulk enrollment attempt.
type SubmissionLog struct {
	ID        string            `db:"id" json:"id"`
	StudentID string            `db:"student_id" json:"student_id"`
	TermID    string            `db:"term_id" json:"term_id"`
	Items     CartPairs         `db:"items" json:"items"`
	Outcome   SubmissionOutcome `db:"outcome" json:"outcome"`
	Reason    *string           `db:"reason" json:"reason,omitempty"`
	Duration  int64             `db:"duration_ms" json:"duration_ms"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
}
