package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/crm-migrate/internal/model"
)

var (
	started   = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	completed = started.Add(90 * time.Second)
)

func completedJob() *model.MigrationJob {
	return &model.MigrationJob{
		ID:     "job-1",
		OrgID:  "org-1",
		Source: model.SourceA,
		Stage:  model.StageCompleted,
		Counts: model.Counts{
			ContactsTotal: 5, JobsTotal: 3, DocumentsTotal: 2, TasksTotal: 2,
			Created: 11, Failed: 1,
		},
		Warnings:    []string{"large dataset, consider batching"},
		StartedAt:   &started,
		CompletedAt: &completed,
	}
}

func sampleErrors() []model.RecordError {
	return []model.RecordError{
		{Kind: model.ErrorKindNormalization, Entity: model.EntityContact, SourceID: "c3", Reason: "contact has no name and no email", OccurredAt: started},
		{Kind: model.ErrorKindRateLimit, Entity: model.EntityJob, Page: 4, Reason: "page fetch failed", OccurredAt: started},
	}
}

func TestGenerate(t *testing.T) {
	rep, err := Generate(completedJob(), sampleErrors(), 7)
	require.NoError(t, err)

	assert.Equal(t, "job-1", rep.JobID)
	assert.Equal(t, model.StageCompleted, rep.Stage)
	assert.Equal(t, 90.0, rep.DurationSeconds)
	assert.Equal(t, 11, rep.Counts.Created)
	assert.Len(t, rep.Errors, 2)
	assert.Equal(t, 7, rep.TotalErrors)
	assert.Equal(t, []string{"large dataset, consider batching"}, rep.Warnings)
}

func TestGenerate_FailedJobKeepsReason(t *testing.T) {
	job := completedJob()
	job.Stage = model.StageFailed
	job.FailureReason = "source rejected the credentials during execution"
	job.Warnings = nil

	rep, err := Generate(job, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, "source rejected the credentials during execution", rep.FailureReason)
	assert.NotNil(t, rep.Errors)
	assert.NotNil(t, rep.Warnings)
	assert.Zero(t, rep.TotalErrors)
}

func TestGenerate_RejectsRunningJob(t *testing.T) {
	job := completedJob()
	job.Stage = model.StageExecuting
	_, err := Generate(job, nil, 0)
	assert.ErrorIs(t, err, ErrNotTerminal)
}

func TestProgress(t *testing.T) {
	job := completedJob()
	job.Stage = model.StageExecuting
	job.CompletedAt = nil
	job.CancelRequested = true
	job.Checkpoint = model.Checkpoint{
		model.EntityContact: {Page: 3, Processed: 5, Total: 5, Done: true},
		model.EntityJob:     {Page: 1, Processed: 2, Total: 3},
	}

	p := Progress(job)
	assert.Equal(t, model.StageExecuting, p.Stage)
	assert.True(t, p.CancelRequested)
	assert.Equal(t, 58.3, p.Percent, "7 of 12")
	assert.Equal(t, job.Checkpoint, p.Checkpoint)

	p.Checkpoint[model.EntityJob] = model.EntityCheckpoint{}
	assert.Equal(t, 2, job.Checkpoint[model.EntityJob].Processed, "progress holds a copy")
}

func TestPercent(t *testing.T) {
	tests := []struct {
		name string
		job  *model.MigrationJob
		want float64
	}{
		{"empty", &model.MigrationJob{Stage: model.StagePreflight}, 0},
		{"completed", &model.MigrationJob{Stage: model.StageCompleted}, 100},
		{
			"reconciled total",
			&model.MigrationJob{
				Stage:      model.StageExecuting,
				Counts:     model.Counts{ContactsTotal: 10, JobsTotal: 10},
				Checkpoint: model.Checkpoint{model.EntityContact: {Page: 2, Processed: 3, Total: 3, Done: true}},
			},
			23.1,
		},
		{
			"totals from counts",
			&model.MigrationJob{Stage: model.StageExecuting, Counts: model.Counts{ContactsTotal: 4}},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Percent(tt.job))
		})
	}
}

func TestWriteJSON(t *testing.T) {
	rep, err := Generate(completedJob(), sampleErrors(), 2)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, rep))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "job-1", decoded["job_id"])
	assert.Equal(t, 90.0, decoded["duration_seconds"])
	assert.Contains(t, buf.String(), "\n  \"org_id\"")
}

func TestWriteXLSX(t *testing.T) {
	rep, err := Generate(completedJob(), sampleErrors(), 5)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, rep))

	f, err := xlsx.OpenBinary(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)
	assert.Equal(t, "Summary", f.Sheets[0].Name)
	assert.Equal(t, "Warnings", f.Sheets[1].Name)
	assert.Equal(t, "Errors", f.Sheets[2].Name)

	summary := f.Sheet["Summary"]
	assert.Equal(t, "Job ID", summary.Rows[1].Cells[0].String())
	assert.Equal(t, "job-1", summary.Rows[1].Cells[1].String())

	warnings := f.Sheet["Warnings"]
	require.Len(t, warnings.Rows, 2)
	assert.Equal(t, "large dataset, consider batching", warnings.Rows[1].Cells[1].String())

	errs := f.Sheet["Errors"]
	require.Len(t, errs.Rows, 4, "header, two errors and the overflow note")
	assert.Equal(t, "c3", errs.Rows[1].Cells[2].String())
	assert.Equal(t, "4", errs.Rows[2].Cells[3].String())
	assert.Equal(t, "3 more errors not shown", errs.Rows[3].Cells[4].String())
}
