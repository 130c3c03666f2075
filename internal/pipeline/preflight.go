package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-migrate/internal/dedup"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/normalize"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/vault"
	"github.com/sells-group/crm-migrate/pkg/salesforce"
)

const (
	samplePageSize    = 5
	maxPreviewSamples = 3

	largeContactThreshold  = 10000
	largeDocumentThreshold = 5000
)

// PreflightRequest starts a migration for one tenant and source.
type PreflightRequest struct {
	OrgID       string
	Source      model.Source
	Credentials vault.Credentials
}

// Preflight creates a job, seals its credentials and records the preflight
// result on it. Connection and fetch failures are reported inside the result
// with the job moved to failed; a Go error means the job could not be stored.
func (e *Engine) Preflight(ctx context.Context, req PreflightRequest) (*model.MigrationJob, error) {
	now := e.opts.Now()
	job := model.NewJob(req.OrgID, req.Source, now)
	ref, err := e.vault.Put(ctx, req.OrgID, req.Source, req.Credentials)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: seal credentials")
	}
	job.CredentialsRef = ref
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: create job")
	}

	log := jobLogger(job)
	log.Info("pipeline: preflight started", zap.String("credentials", model.RedactRef(ref)))

	var res *model.PreflightResult
	client, err := e.clients.Client(req.OrgID, req.Source, req.Credentials)
	if err != nil {
		res = connectionFailed(err.Error())
	} else {
		res = e.runPreflight(ctx, client, req.OrgID)
	}

	job.Preflight = res
	job.Counts.ContactsTotal = res.Preview.Contacts.Total
	job.Counts.JobsTotal = res.Preview.Jobs.Total
	job.Counts.DocumentsTotal = res.Preview.Documents.Total
	job.Counts.TasksTotal = res.Preview.Tasks.Total
	for _, w := range res.Warnings {
		job.AddWarning(w)
	}

	next := model.StagePreflight
	if !res.ConnectionValid {
		next = model.StageFailed
		job.FailureReason = res.ConnectionError
	}
	if err := job.Transition(next, e.opts.Now()); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: store preflight")
	}

	log.Info("pipeline: preflight finished",
		zap.Bool("connection_valid", res.ConnectionValid),
		zap.Int("contacts_total", res.Preview.Contacts.Total),
		zap.Int("jobs_total", res.Preview.Jobs.Total),
		zap.Int("warnings", len(res.Warnings)),
	)
	return job, nil
}

// runPreflight validates the connection, samples page one of each fetched
// entity and derives the duplicate estimate, duration and warnings.
func (e *Engine) runPreflight(ctx context.Context, client source.Client, orgID string) *model.PreflightResult {
	conn := client.ValidateCredentials(ctx)
	if !conn.OK {
		return connectionFailed(conn.Error)
	}

	var contacts, jobs, tasks *source.Page
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		contacts, err = client.ListContacts(gctx, 1, samplePageSize)
		return eris.Wrap(err, "contacts")
	})
	g.Go(func() (err error) {
		jobs, err = client.ListJobs(gctx, 1, samplePageSize)
		return eris.Wrap(err, "jobs")
	})
	g.Go(func() (err error) {
		tasks, err = client.ListTasks(gctx, 1, samplePageSize)
		return eris.Wrap(err, "tasks")
	})
	if err := g.Wait(); err != nil {
		return connectionFailed(err.Error())
	}

	norm, err := normalize.New(orgID, client.Source())
	if err != nil {
		return connectionFailed(err.Error())
	}

	res := &model.PreflightResult{ConnectionValid: true, Warnings: []string{}}
	res.Preview.Contacts = preview(norm, contacts)
	res.Preview.Jobs = preview(norm, jobs)
	res.Preview.Tasks = preview(norm, tasks)
	res.Preview.Documents = model.EntityPreview{
		Total:   EstimateDocuments(jobs.TotalCount, client.DocumentMultiplier()),
		Samples: []map[string]any{},
	}

	sample := make([]*model.CanonicalRecord, 0, len(contacts.Records))
	for _, rec := range contacts.Records {
		c, _ := norm.Normalize(rec)
		sample = append(sample, c)
	}
	dups, err := dedup.Sampled(ctx, e.tenant.Contacts, orgID, sample, contacts.TotalCount)
	if err != nil {
		zap.L().Warn("pipeline: sampled duplicate estimate failed", zap.String("org_id", orgID), zap.Error(err))
		res.Warnings = append(res.Warnings, "duplicate estimate unavailable: tenant records could not be read")
	}
	res.Duplicates = dups

	res.EstimatedMinutes = EstimateMinutes(res.Preview.Contacts.Total, res.Preview.Jobs.Total)
	res.EstimatedDuration = FormatDuration(res.EstimatedMinutes)
	res.Warnings = append(res.Warnings, Warnings(client.Source(), res)...)
	return res
}

func connectionFailed(msg string) *model.PreflightResult {
	empty := model.EntityPreview{Samples: []map[string]any{}}
	return &model.PreflightResult{
		ConnectionValid: false,
		ConnectionError: msg,
		Preview:         model.Preview{Contacts: empty, Jobs: empty, Documents: empty, Tasks: empty},
		Warnings:        []string{},
	}
}

func preview(norm *normalize.Normalizer, p *source.Page) model.EntityPreview {
	out := model.EntityPreview{Total: p.TotalCount, Samples: []map[string]any{}}
	for i, rec := range p.Records {
		if i == maxPreviewSamples {
			break
		}
		out.Samples = append(out.Samples, norm.Preview(rec))
	}
	return out
}

// EstimateDocuments projects the document total from the job total.
func EstimateDocuments(jobs int, multiplier float64) int {
	return int(math.Ceil(float64(jobs) * multiplier))
}

// EstimateMinutes is ceil(contacts/100 + jobs/50).
func EstimateMinutes(contacts, jobs int) int {
	return int(math.Ceil(float64(contacts)/100 + float64(jobs)/50))
}

// FormatDuration renders minutes below an hour as minutes, otherwise as
// whole hours rounded up.
func FormatDuration(minutes int) string {
	if minutes < 60 {
		return plural(minutes, "minute")
	}
	return plural(int(math.Ceil(float64(minutes)/60)), "hour")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// Warnings derives the operator warnings for a valid preflight result.
func Warnings(src model.Source, res *model.PreflightResult) []string {
	var out []string
	if res.Preview.Contacts.Total > largeContactThreshold {
		out = append(out, "large dataset, consider batching")
	}
	if res.Duplicates.EmailMatches > 0 {
		out = append(out, fmt.Sprintf("%d existing contacts will be updated, not duplicated", res.Duplicates.EmailMatches))
	}
	if res.Preview.Documents.Total > largeDocumentThreshold {
		out = append(out, "document import may be slow")
	}
	if src == model.SourceSalesforce {
		totals := []struct {
			entity model.EntityType
			total  int
		}{
			{model.EntityContact, res.Preview.Contacts.Total},
			{model.EntityJob, res.Preview.Jobs.Total},
			{model.EntityDocument, res.Preview.Documents.Total},
			{model.EntityTask, res.Preview.Tasks.Total},
		}
		for _, t := range totals {
			if t.total > salesforce.MaxOffset {
				out = append(out, fmt.Sprintf("salesforce %s total %d exceeds the %d record offset limit; records past it will be reported as failed pages",
					t.entity, t.total, salesforce.MaxOffset))
			}
		}
	}
	return out
}
