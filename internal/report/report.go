// Package report projects migration jobs into operator-facing reports and
// exports them as JSON or XLSX workbooks.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/crm-migrate/internal/model"
)

// ErrNotTerminal is returned by Generate for a job that is still running.
var ErrNotTerminal = eris.New("report: job has not reached a terminal stage")

// Generate builds the final report of a terminal job. errs holds the first
// recorded errors and total how many were recorded in all.
func Generate(job *model.MigrationJob, errs []model.RecordError, total int) (*model.MigrationReport, error) {
	if !job.Stage.Terminal() {
		return nil, eris.Wrapf(ErrNotTerminal, "report: job %s is %s", job.ID, job.Stage)
	}
	if errs == nil {
		errs = []model.RecordError{}
	}
	rep := &model.MigrationReport{
		JobID:         job.ID,
		OrgID:         job.OrgID,
		Source:        job.Source,
		Stage:         job.Stage,
		Counts:        job.Counts,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		Warnings:      append([]string{}, job.Warnings...),
		Errors:        errs,
		TotalErrors:   max(total, len(errs)),
		FailureReason: job.FailureReason,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		rep.DurationSeconds = job.CompletedAt.Sub(*job.StartedAt).Seconds()
	}
	return rep, nil
}

// Progress returns the live view of a job.
func Progress(job *model.MigrationJob) *model.Progress {
	return &model.Progress{
		JobID:            job.ID,
		Stage:            job.Stage,
		Checkpoint:       job.Checkpoint.Clone(),
		Counts:           job.Counts,
		Percent:          Percent(job),
		Warnings:         append([]string{}, job.Warnings...),
		CancelRequested:  job.CancelRequested,
		StartedAt:        job.StartedAt,
		LastCheckpointAt: job.LastCheckpointAt,
	}
}

// Percent is the share of source records processed, rounded to one decimal.
// A completed job is always 100.
func Percent(job *model.MigrationJob) float64 {
	if job.Stage == model.StageCompleted {
		return 100
	}
	var processed, total int
	for _, et := range model.EntityTypes {
		cp := job.Checkpoint[et]
		t := job.Counts.Total(et)
		if cp.Total > 0 {
			t = cp.Total
		}
		done := min(cp.Processed, t)
		if cp.Done {
			done = t
		}
		processed += done
		total += t
	}
	if total == 0 {
		return 0
	}
	pct := float64(processed) / float64(total) * 100
	return float64(int(pct*10+0.5)) / 10
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "report: encode json")
}

// WriteXLSX writes rep as a workbook with Summary, Warnings and Errors sheets.
func WriteXLSX(w io.Writer, rep *model.MigrationReport) error {
	f := xlsx.NewFile()

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "report: add summary sheet")
	}
	addRow(summary, "Field", "Value")
	addRow(summary, "Job ID", rep.JobID)
	addRow(summary, "Org ID", rep.OrgID)
	addRow(summary, "Source", string(rep.Source))
	addRow(summary, "Stage", string(rep.Stage))
	addRow(summary, "Started At", formatTime(rep.StartedAt))
	addRow(summary, "Completed At", formatTime(rep.CompletedAt))
	durRow := summary.AddRow()
	durRow.AddCell().SetString("Duration (s)")
	durRow.AddCell().SetFloat(rep.DurationSeconds)
	for _, kv := range []struct {
		name string
		n    int
	}{
		{"Contacts", rep.Counts.ContactsTotal},
		{"Jobs", rep.Counts.JobsTotal},
		{"Documents", rep.Counts.DocumentsTotal},
		{"Tasks", rep.Counts.TasksTotal},
		{"Created", rep.Counts.Created},
		{"Updated", rep.Counts.Updated},
		{"Skipped", rep.Counts.Skipped},
		{"Failed", rep.Counts.Failed},
		{"Total Errors", rep.TotalErrors},
	} {
		row := summary.AddRow()
		row.AddCell().SetString(kv.name)
		row.AddCell().SetInt(kv.n)
	}
	if rep.FailureReason != "" {
		addRow(summary, "Failure Reason", rep.FailureReason)
	}

	warnings, err := f.AddSheet("Warnings")
	if err != nil {
		return eris.Wrap(err, "report: add warnings sheet")
	}
	addRow(warnings, "#", "Warning")
	for i, warn := range rep.Warnings {
		addRow(warnings, strconv.Itoa(i+1), warn)
	}

	errs, err := f.AddSheet("Errors")
	if err != nil {
		return eris.Wrap(err, "report: add errors sheet")
	}
	addRow(errs, "Kind", "Entity", "Source ID", "Page", "Reason", "Occurred At")
	for _, e := range rep.Errors {
		page := ""
		if e.Page > 0 {
			page = strconv.Itoa(e.Page)
		}
		addRow(errs, string(e.Kind), string(e.Entity), e.SourceID, page, e.Reason, e.OccurredAt.UTC().Format(time.RFC3339))
	}
	if rep.TotalErrors > len(rep.Errors) {
		addRow(errs, "", "", "", "", fmt.Sprintf("%d more errors not shown", rep.TotalErrors-len(rep.Errors)), "")
	}

	return eris.Wrap(f.Write(w), "report: write xlsx")
}

func addRow(sheet *xlsx.Sheet, cells ...string) {
	row := sheet.AddRow()
	for _, c := range cells {
		row.AddCell().SetString(c)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
