// Package pipeline runs the migration stages: preflight, dry-run, execution
// and resume, plus the background runner that owns executing jobs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/config"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

var (
	// ErrAlreadyExecuting is returned when another job for the same org and
	// source is executing.
	ErrAlreadyExecuting = eris.New("pipeline: a job is already executing for this org and source")
	// ErrInvalidStage is returned when a job's stage does not allow the request.
	ErrInvalidStage = eris.New("pipeline: job stage does not allow this operation")
)

// ClientFactory builds source clients from stored credentials.
type ClientFactory interface {
	Client(orgID string, src model.Source, creds vault.Credentials) (source.Client, error)
}

// CredentialVault seals credentials under an opaque reference.
type CredentialVault interface {
	Put(ctx context.Context, orgID string, src model.Source, creds vault.Credentials) (string, error)
	Get(ctx context.Context, ref string) (vault.Credentials, error)
}

// Options tunes the engine.
type Options struct {
	PageSize         int
	WriteConcurrency int
	ErrorReportLimit int
	LeaseTTL         time.Duration
	StorageRetry     resilience.RetryConfig
	StorageBreaker   resilience.CircuitBreakerConfig
	Now              func() time.Time
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:         100,
		WriteConcurrency: 5,
		ErrorReportLimit: 50,
		LeaseTTL:         2 * time.Minute,
		StorageRetry:     resilience.StorageRetryConfig(),
		StorageBreaker:   resilience.StorageBreakerConfig(0),
	}
}

// OptionsFromConfig builds engine options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	if cfg.Source.PageSize > 0 {
		opts.PageSize = cfg.Source.PageSize
	}
	if cfg.Pipeline.WriteConcurrency > 0 {
		opts.WriteConcurrency = cfg.Pipeline.WriteConcurrency
	}
	if cfg.Pipeline.ErrorReportLimit > 0 {
		opts.ErrorReportLimit = cfg.Pipeline.ErrorReportLimit
	}
	if cfg.Pipeline.LeaseTTLSecs > 0 {
		opts.LeaseTTL = time.Duration(cfg.Pipeline.LeaseTTLSecs) * time.Second
	}
	opts.StorageBreaker = resilience.StorageBreakerConfig(cfg.Pipeline.StorageFailureThreshold)
	return opts
}

// Engine drives jobs through their stages.
type Engine struct {
	jobs    store.JobStore
	tenant  store.Tenant
	clients ClientFactory
	vault   CredentialVault
	opts    Options
	breaker *resilience.CircuitBreaker
}

// New returns an engine. Tenant writes share one storage circuit breaker.
func New(jobs store.JobStore, tenant store.Tenant, clients ClientFactory, v CredentialVault, opts Options) *Engine {
	def := DefaultOptions()
	if opts.PageSize <= 0 {
		opts.PageSize = def.PageSize
	}
	if opts.WriteConcurrency <= 0 {
		opts.WriteConcurrency = def.WriteConcurrency
	}
	if opts.ErrorReportLimit <= 0 {
		opts.ErrorReportLimit = def.ErrorReportLimit
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = def.LeaseTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	bcfg := opts.StorageBreaker
	if bcfg.ShouldTrip == nil {
		bcfg.ShouldTrip = func(err error) bool {
			return !errors.Is(err, store.ErrNotFound) && !errors.Is(err, context.Canceled)
		}
	}
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("pipeline: storage circuit state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		}
	}
	if opts.StorageRetry.OnRetry == nil {
		opts.StorageRetry.OnRetry = resilience.RetryLogger(zap.L(), "tenant storage")
	}

	return &Engine{
		jobs:    jobs,
		tenant:  tenant,
		clients: clients,
		vault:   v,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(bcfg),
	}
}

// Job loads a job owned by orgID. Jobs of other orgs are reported as not found.
func (e *Engine) Job(ctx context.Context, orgID, jobID string) (*model.MigrationJob, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OrgID != orgID {
		return nil, eris.Wrapf(store.ErrNotFound, "pipeline: job %s", jobID)
	}
	return job, nil
}

// Jobs lists jobs, newest first.
func (e *Engine) Jobs(ctx context.Context, filter store.JobFilter) ([]model.MigrationJob, error) {
	return e.jobs.ListJobs(ctx, filter)
}

// Errors returns the first limit recorded errors of a job and the total.
func (e *Engine) Errors(ctx context.Context, jobID string, limit int) ([]model.RecordError, int, error) {
	if limit <= 0 {
		limit = e.opts.ErrorReportLimit
	}
	return e.jobs.ListErrors(ctx, jobID, limit)
}

// Cancel requests cooperative cancellation. A job that is not executing has
// no batch loop to observe the flag and is cancelled immediately.
func (e *Engine) Cancel(ctx context.Context, job *model.MigrationJob) (*model.MigrationJob, error) {
	if job.Stage.Terminal() {
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: cancel %s job %s", job.Stage, job.ID)
	}
	if err := e.jobs.RequestCancel(ctx, job.ID); err != nil {
		return nil, err
	}
	job.CancelRequested = true
	if job.Stage == model.StageExecuting {
		return job, nil
	}

	if job.Stage == model.StagePending {
		// pending cannot move to cancelled directly; it has not been validated yet.
		job.FailureReason = "cancelled before preflight completed"
		if err := job.Transition(model.StageFailed, e.opts.Now()); err != nil {
			return nil, err
		}
	} else if err := job.Transition(model.StageCancelled, e.opts.Now()); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Resume creates a new job continuing a cancelled or failed one. The new job
// inherits source, credentials, checkpoint, counts and preflight, starts in
// the preflight stage and must be executed explicitly.
func (e *Engine) Resume(ctx context.Context, prev *model.MigrationJob) (*model.MigrationJob, error) {
	if prev.Stage != model.StageCancelled && prev.Stage != model.StageFailed {
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: resume %s job %s", prev.Stage, prev.ID)
	}
	if prev.CredentialsRef == "" {
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: job %s has no stored credentials", prev.ID)
	}
	// A job that never passed preflight needs a new preflight, not a resume.
	if prev.Preflight == nil || !prev.Preflight.ConnectionValid {
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: job %s did not pass preflight", prev.ID)
	}

	now := e.opts.Now()
	job := model.NewJob(prev.OrgID, prev.Source, now)
	job.CredentialsRef = prev.CredentialsRef
	job.Checkpoint = prev.Checkpoint.Clone()
	job.Counts = prev.Counts
	job.Preflight = prev.Preflight
	job.ResumedFrom = prev.ID
	job.AddWarning(fmt.Sprintf("resumed from job %s (%s)", prev.ID, prev.Stage))
	if err := job.Transition(model.StagePreflight, now); err != nil {
		return nil, err
	}
	if err := e.jobs.CreateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: create resumed job")
	}

	zap.L().Info("pipeline: job resumed",
		zap.String("job_id", job.ID),
		zap.String("resumed_from", prev.ID),
		zap.String("org_id", job.OrgID),
		zap.String("source", string(job.Source)),
		zap.String("credentials", model.RedactRef(job.CredentialsRef)),
	)
	return job, nil
}

// clientFor opens the job's sealed credentials and builds its source client.
func (e *Engine) clientFor(ctx context.Context, job *model.MigrationJob) (source.Client, error) {
	creds, err := e.vault.Get(ctx, job.CredentialsRef)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: credentials for job %s", job.ID)
	}
	return e.clients.Client(job.OrgID, job.Source, creds)
}

// storage runs a tenant storage call through the breaker and retry policy.
func (e *Engine) storage(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, e.opts.StorageRetry, fn)
	})
}

func jobLogger(job *model.MigrationJob) *zap.Logger {
	return zap.L().With(
		zap.String("job_id", job.ID),
		zap.String("org_id", job.OrgID),
		zap.String("source", string(job.Source)),
	)
}
