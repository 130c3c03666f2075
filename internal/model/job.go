package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Source identifies the external CRM a migration imports from.
type Source string

const (
	SourceA          Source = "source_a"
	SourceB          Source = "source_b"
	SourceSalesforce Source = "salesforce"
)

// Sources lists every supported source in a stable order.
func Sources() []Source {
	return []Source{SourceA, SourceB, SourceSalesforce}
}

// ParseSource maps a path or flag value onto a supported Source.
// Matching is case-insensitive and accepts dashes for underscores.
func ParseSource(s string) (Source, bool) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for _, src := range Sources() {
		if string(src) == norm {
			return src, true
		}
	}
	return "", false
}

// Stage is the lifecycle position of a MigrationJob.
type Stage string

const (
	StagePending   Stage = "pending"
	StagePreflight Stage = "preflight"
	StageDryRun    Stage = "dry_run"
	StageExecuting Stage = "executing"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
	StageCancelled Stage = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

var stageTransitions = map[Stage][]Stage{
	StagePending:   {StagePreflight, StageFailed},
	StagePreflight: {StageDryRun, StageExecuting, StageFailed, StageCancelled},
	StageDryRun:    {StageDryRun, StageExecuting, StageFailed, StageCancelled},
	StageExecuting: {StageExecuting, StageCompleted, StageFailed, StageCancelled},
}

// CanTransition reports whether the stage machine allows s -> to.
func (s Stage) CanTransition(to Stage) bool {
	for _, next := range stageTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EntityType is one of the record families pulled from a source.
type EntityType string

const (
	EntityContact  EntityType = "contact"
	EntityJob      EntityType = "job"
	EntityDocument EntityType = "document"
	EntityTask     EntityType = "task"
)

// EntityTypes is the processing order used by dry-run and execution.
// Contacts go first so that jobs can reference already-imported contacts.
var EntityTypes = []EntityType{EntityContact, EntityJob, EntityDocument, EntityTask}

// EntityCheckpoint is the committed pagination progress for one entity type.
type EntityCheckpoint struct {
	Page      int  `json:"page"`      // last fully committed page (0 = none)
	Processed int  `json:"processed"` // records accounted for (created+updated+skipped+failed)
	Total     int  `json:"total"`     // last totalCount reported by the source
	Done      bool `json:"done"`
}

// Checkpoint holds per-entity progress for an executing job.
type Checkpoint map[EntityType]EntityCheckpoint

// Clone returns an independent copy.
func (c Checkpoint) Clone() Checkpoint {
	out := make(Checkpoint, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Complete reports whether every entity type has covered its last-known total.
func (c Checkpoint) Complete() bool {
	for _, et := range EntityTypes {
		cp, ok := c[et]
		if !ok || !cp.Done || cp.Processed < cp.Total {
			return false
		}
	}
	return true
}

// Regression returns the first entity whose page or processed count would go
// backwards when moving from c to next.
func (c Checkpoint) Regression(next Checkpoint) (EntityType, bool) {
	for _, et := range EntityTypes {
		prev, ok := c[et]
		if !ok {
			continue
		}
		n := next[et]
		if n.Page < prev.Page || n.Processed < prev.Processed {
			return et, true
		}
	}
	return "", false
}

// Tally counts per-record outcomes.
type Tally struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Created += o.Created
	t.Updated += o.Updated
	t.Skipped += o.Skipped
	t.Failed += o.Failed
}

// Processed is the number of records the tally accounts for.
func (t Tally) Processed() int {
	return t.Created + t.Updated + t.Skipped + t.Failed
}

// Counts are the job-level totals shown to the operator.
type Counts struct {
	ContactsTotal  int `json:"contacts_total"`
	JobsTotal      int `json:"jobs_total"`
	DocumentsTotal int `json:"documents_total"`
	TasksTotal     int `json:"tasks_total"`
	Created        int `json:"created"`
	Updated        int `json:"updated"`
	Skipped        int `json:"skipped"`
	Failed         int `json:"failed"`
}

// AddTally folds a batch outcome into the counts.
func (c *Counts) AddTally(t Tally) {
	c.Created += t.Created
	c.Updated += t.Updated
	c.Skipped += t.Skipped
	c.Failed += t.Failed
}

// SetTotal records the source-reported total for an entity type.
func (c *Counts) SetTotal(et EntityType, n int) {
	switch et {
	case EntityContact:
		c.ContactsTotal = n
	case EntityJob:
		c.JobsTotal = n
	case EntityDocument:
		c.DocumentsTotal = n
	case EntityTask:
		c.TasksTotal = n
	}
}

// Total returns the recorded total for an entity type.
func (c Counts) Total(et EntityType) int {
	switch et {
	case EntityContact:
		return c.ContactsTotal
	case EntityJob:
		return c.JobsTotal
	case EntityDocument:
		return c.DocumentsTotal
	case EntityTask:
		return c.TasksTotal
	}
	return 0
}

// MigrationJob is one import attempt for a tenant and source.
type MigrationJob struct {
	ID               string           `json:"id"`
	OrgID            string           `json:"org_id"`
	Source           Source           `json:"source"`
	CredentialsRef   string           `json:"-"`
	Stage            Stage            `json:"stage"`
	Checkpoint       Checkpoint       `json:"checkpoint"`
	Counts           Counts           `json:"counts"`
	Warnings         []string         `json:"warnings"`
	Preflight        *PreflightResult `json:"preflight,omitempty"`
	DryRun           *DryRunResult    `json:"dry_run,omitempty"`
	CancelRequested  bool             `json:"cancel_requested"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	ResumedFrom      string           `json:"resumed_from,omitempty"`
	StartedAt        *time.Time       `json:"started_at,omitempty"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
	LastCheckpointAt *time.Time       `json:"last_checkpoint_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NewJob returns a pending job with a fresh id.
func NewJob(orgID string, source Source, now time.Time) *MigrationJob {
	return &MigrationJob{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		Source:     source,
		Stage:      StagePending,
		Checkpoint: Checkpoint{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Transition moves the job to the next stage, stamping timestamps.
// Completion additionally requires a complete checkpoint.
func (j *MigrationJob) Transition(to Stage, now time.Time) error {
	if j.Stage.Terminal() {
		return eris.Errorf("model: job %s is %s and cannot move to %s", j.ID, j.Stage, to)
	}
	if !j.Stage.CanTransition(to) {
		return eris.Errorf("model: invalid stage transition %s -> %s", j.Stage, to)
	}
	if to == StageCompleted && !j.Checkpoint.Complete() {
		return eris.Errorf("model: job %s checkpoint does not cover all entity totals", j.ID)
	}

	if to == StageExecuting && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.Terminal() {
		t := now
		j.CompletedAt = &t
		if j.StartedAt == nil {
			j.StartedAt = &t
		}
	}
	j.Stage = to
	j.UpdatedAt = now
	return nil
}

// AddWarning appends a warning unless the same text is already present.
func (j *MigrationJob) AddWarning(w string) {
	for _, existing := range j.Warnings {
		if existing == w {
			return
		}
	}
	j.Warnings = append(j.Warnings, w)
}

// RedactRef shortens an opaque credentials reference for logs.
func RedactRef(ref string) string {
	if len(ref) <= 8 {
		return "****"
	}
	return ref[:4] + "****"
}
