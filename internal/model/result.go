package model

import "time"

// ConnectionResult is the outcome of a credential check against a source.
type ConnectionResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// EntityPreview is the total and a handful of sample records for one entity.
type EntityPreview struct {
	Total   int              `json:"total"`
	Samples []map[string]any `json:"samples"`
}

// Preview groups the per-entity previews returned by preflight.
type Preview struct {
	Contacts  EntityPreview `json:"contacts"`
	Jobs      EntityPreview `json:"jobs"`
	Documents EntityPreview `json:"documents"`
	Tasks     EntityPreview `json:"tasks"`
}

// DuplicateEstimate is the sampled duplicate projection. EmailMatches and
// PhoneMatches are extrapolated to the full contact total; the Sample* fields
// are the raw counts observed in the sample.
type DuplicateEstimate struct {
	EmailMatches       int  `json:"email_matches"`
	PhoneMatches       int  `json:"phone_matches"`
	SampleSize         int  `json:"sample_size"`
	SampleEmailMatches int  `json:"sample_email_matches"`
	SamplePhoneMatches int  `json:"sample_phone_matches"`
	Estimated          bool `json:"estimated"`
}

// PreflightResult is what the operator sees before deciding to proceed.
type PreflightResult struct {
	ConnectionValid   bool              `json:"connection_valid"`
	ConnectionError   string            `json:"connection_error,omitempty"`
	Preview           Preview           `json:"preview"`
	Duplicates        DuplicateEstimate `json:"duplicates"`
	EstimatedMinutes  int               `json:"estimated_minutes"`
	EstimatedDuration string            `json:"estimated_duration"`
	Warnings          []string          `json:"warnings"`
}

// EntityOutcome is the per-entity projection of a dry-run.
type EntityOutcome struct {
	Total int `json:"total"`
	Tally
}

// DryRunResult is the simulated outcome of executing a job.
type DryRunResult struct {
	Entities map[EntityType]EntityOutcome `json:"entities"`
	Totals   Tally                        `json:"totals"`
	Warnings []string                     `json:"warnings"`
	Errors   []RecordError                `json:"errors"`
}

// MigrationReport is the immutable projection of a terminal job.
type MigrationReport struct {
	JobID           string        `json:"job_id"`
	OrgID           string        `json:"org_id"`
	Source          Source        `json:"source"`
	Stage           Stage         `json:"stage"`
	Counts          Counts        `json:"counts"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	DurationSeconds float64       `json:"duration_seconds"`
	Warnings        []string      `json:"warnings"`
	Errors          []RecordError `json:"errors"`
	TotalErrors     int           `json:"total_errors"`
	FailureReason   string        `json:"failure_reason,omitempty"`
}

// Progress is the live view of a job that has not reached a terminal stage.
type Progress struct {
	JobID            string     `json:"job_id"`
	Stage            Stage      `json:"stage"`
	Checkpoint       Checkpoint `json:"checkpoint"`
	Counts           Counts     `json:"counts"`
	Percent          float64    `json:"percent"`
	Warnings         []string   `json:"warnings"`
	CancelRequested  bool       `json:"cancel_requested"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	LastCheckpointAt *time.Time `json:"last_checkpoint_at,omitempty"`
}
