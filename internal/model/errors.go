package model

import (
	"fmt"
	"time"
)

// ErrorKind classifies failures surfaced by the pipeline.
type ErrorKind string

const (
	ErrorKindConnection        ErrorKind = "connection"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindRateLimit         ErrorKind = "rate_limit"
	ErrorKindSourceUnavailable ErrorKind = "source_unavailable"
	ErrorKindNormalization     ErrorKind = "normalization"
	ErrorKindPersistence       ErrorKind = "persistence"
	ErrorKindFatal             ErrorKind = "fatal"
)

// RecordError is a recorded, non-fatal failure for one record or one page.
// Page is set for page-level failures; SourceID for record-level ones.
type RecordError struct {
	Kind       ErrorKind  `json:"kind"`
	Entity     EntityType `json:"entity"`
	SourceID   string     `json:"source_id,omitempty"`
	Page       int        `json:"page,omitempty"`
	Reason     string     `json:"reason"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (e *RecordError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("%s %s %s: %s", e.Kind, e.Entity, e.SourceID, e.Reason)
	}
	return fmt.Sprintf("%s %s page %d: %s", e.Kind, e.Entity, e.Page, e.Reason)
}
