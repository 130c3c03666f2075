// Package monitoring watches migration job health and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/store"
)

// MetricsSnapshot holds a point-in-time view of migration health.
type MetricsSnapshot struct {
	// Jobs created within the lookback window.
	JobsTotal     int     `json:"jobs_total"`
	JobsCompleted int     `json:"jobs_completed"`
	JobsFailed    int     `json:"jobs_failed"`
	JobsCancelled int     `json:"jobs_cancelled"`
	JobsExecuting int     `json:"jobs_executing"`
	JobFailRate   float64 `json:"job_fail_rate"`

	// Record outcomes summed over the same jobs.
	RecordsProcessed int     `json:"records_processed"`
	RecordsFailed    int     `json:"records_failed"`
	RecordFailRate   float64 `json:"record_fail_rate"`

	// Executing jobs that have not checkpointed within the stall threshold,
	// regardless of when they were created.
	StalledJobs []string `json:"stalled_jobs"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// JobLister is the part of the job store the collector reads.
type JobLister interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.MigrationJob, error)
}

const collectLimit = 10000

// Collector gathers metrics from the job store.
type Collector struct {
	jobs         JobLister
	stalledAfter time.Duration
	now          func() time.Time
}

// NewCollector creates a collector. Executing jobs whose last checkpoint is
// older than stalledAfter are reported as stalled; zero disables the check.
func NewCollector(jobs JobLister, stalledAfter time.Duration) *Collector {
	return &Collector{
		jobs:         jobs,
		stalledAfter: stalledAfter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		StalledJobs:   []string{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	jobs, err := c.jobs.ListJobs(ctx, store.JobFilter{Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list jobs")
	}

	for i := range jobs {
		j := &jobs[i]
		if j.Stage == model.StageExecuting && c.stalled(j, now) {
			snap.StalledJobs = append(snap.StalledJobs, j.ID)
		}
		if j.CreatedAt.Before(cutoff) {
			continue
		}

		snap.JobsTotal++
		switch j.Stage {
		case model.StageCompleted:
			snap.JobsCompleted++
		case model.StageFailed:
			snap.JobsFailed++
		case model.StageCancelled:
			snap.JobsCancelled++
		case model.StageExecuting:
			snap.JobsExecuting++
		}
		snap.RecordsProcessed += j.Counts.Created + j.Counts.Updated + j.Counts.Skipped + j.Counts.Failed
		snap.RecordsFailed += j.Counts.Failed
	}

	if finished := snap.JobsCompleted + snap.JobsFailed; finished > 0 {
		snap.JobFailRate = float64(snap.JobsFailed) / float64(finished)
	}
	if snap.RecordsProcessed > 0 {
		snap.RecordFailRate = float64(snap.RecordsFailed) / float64(snap.RecordsProcessed)
	}
	return snap, nil
}

func (c *Collector) stalled(j *model.MigrationJob, now time.Time) bool {
	if c.stalledAfter <= 0 {
		return false
	}
	last := j.LastCheckpointAt
	if last == nil {
		last = j.StartedAt
	}
	if last == nil {
		last = &j.UpdatedAt
	}
	return now.Sub(*last) > c.stalledAfter
}
