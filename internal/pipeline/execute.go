package pipeline

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/normalize"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
)

// Execution is a job that holds the lease and is ready to run.
type Execution struct {
	job    *model.MigrationJob
	holder string
	client source.Client
	norm   *normalize.Normalizer
}

// Job returns the job as it stood when execution began.
func (ex *Execution) Job() *model.MigrationJob { return ex.job }

// Execute begins and runs a job in the calling goroutine. Fatal conditions
// move the job to failed and are returned; cancellation returns nil.
func (e *Engine) Execute(ctx context.Context, jobID string) error {
	ex, err := e.Begin(ctx, jobID)
	if err != nil {
		return err
	}
	return e.Run(ctx, ex)
}

// Begin validates the job, takes the (orgId, source) lease and moves the job
// to executing. Every call holds the lease under a fresh token, so a second
// executor of the same job is refused until the first one stops renewing. A
// job already executing whose lease expired is taken over, which is how a
// crashed execution is resumed.
func (e *Engine) Begin(ctx context.Context, jobID string) (*Execution, error) {
	job, err := e.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Stage {
	case model.StagePreflight, model.StageDryRun, model.StageExecuting:
	default:
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: execute %s job %s", job.Stage, job.ID)
	}

	holder := uuid.NewString()
	if err := e.jobs.AcquireLease(ctx, job.OrgID, job.Source, job.ID, holder, e.opts.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return nil, eris.Wrapf(ErrAlreadyExecuting, "pipeline: %s/%s", job.OrgID, job.Source)
		}
		return nil, err
	}
	release := true
	defer func() {
		if release {
			e.releaseLease(job, holder)
		}
	}()

	client, err := e.clientFor(ctx, job)
	if err != nil {
		return nil, err
	}
	norm, err := normalize.New(job.OrgID, job.Source)
	if err != nil {
		return nil, err
	}

	if job.Checkpoint == nil {
		job.Checkpoint = model.Checkpoint{}
	}
	for _, et := range model.EntityTypes {
		if _, ok := job.Checkpoint[et]; !ok {
			job.Checkpoint[et] = model.EntityCheckpoint{Total: job.Counts.Total(et)}
		}
	}
	if job.Stage != model.StageExecuting {
		if err := job.Transition(model.StageExecuting, e.opts.Now()); err != nil {
			return nil, err
		}
		if err := e.jobs.UpdateJob(ctx, job); err != nil {
			return nil, eris.Wrap(err, "pipeline: start execution")
		}
	}

	release = false
	return &Execution{job: job, holder: holder, client: client, norm: norm}, nil
}

// Run executes entity by entity from the committed checkpoint. Each batch is
// committed atomically with its counts, warnings and errors before the next
// page is fetched; cancellation is checked between batches.
func (e *Engine) Run(ctx context.Context, ex *Execution) error {
	job := ex.job
	log := jobLogger(job)
	defer e.releaseLease(job, ex.holder)

	log.Info("pipeline: execution started", zap.Any("checkpoint", job.Checkpoint))

	w := e.newWalker(ex.client, ex.norm, e.tenant)
	w.onBatch = func(ctx context.Context, entity model.EntityType, cp model.EntityCheckpoint, b *batch) error {
		return e.commit(ctx, ex, entity, cp, b)
	}

	for _, entity := range model.EntityTypes {
		cp := job.Checkpoint[entity]
		if cp.Done {
			continue
		}
		if err := e.checkCancel(ctx, job); err != nil {
			return e.stop(ctx, job, err)
		}
		if _, err := w.walk(ctx, entity, cp); err != nil {
			return e.stop(ctx, job, err)
		}
		elog := log.With(zap.String("entity", string(entity)))
		elog.Info("pipeline: entity finished", zap.Any("checkpoint", job.Checkpoint[entity]))
	}

	if err := job.Transition(model.StageCompleted, e.opts.Now()); err != nil {
		return e.stop(ctx, job, fatal(err))
	}
	if err := e.jobs.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		return eris.Wrap(err, "pipeline: complete job")
	}
	log.Info("pipeline: execution completed",
		zap.Int("created", job.Counts.Created),
		zap.Int("updated", job.Counts.Updated),
		zap.Int("skipped", job.Counts.Skipped),
		zap.Int("failed", job.Counts.Failed),
	)
	return nil
}

// errCancelled signals an operator cancellation observed between batches.
var errCancelled = eris.New("pipeline: cancellation requested")

// commit persists one batch, renews the lease and checks for cancellation.
func (e *Engine) commit(ctx context.Context, ex *Execution, entity model.EntityType, cp model.EntityCheckpoint, b *batch) error {
	job := ex.job
	next := job.Checkpoint.Clone()
	next[entity] = cp
	counts := job.Counts
	counts.AddTally(b.tally)
	counts.SetTotal(entity, cp.Total)
	warnings := append([]string(nil), job.Warnings...)
	for _, w := range b.warnings {
		if !slices.Contains(warnings, w) {
			warnings = append(warnings, w)
		}
	}

	now := e.opts.Now()
	c := store.BatchCommit{
		JobID:       job.ID,
		Checkpoint:  next,
		Counts:      counts,
		Warnings:    warnings,
		Errors:      b.errors,
		CommittedAt: now,
	}
	if err := e.storage(ctx, func(ctx context.Context) error { return e.jobs.CommitBatch(ctx, c) }); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fatal(eris.Wrapf(err, "pipeline: commit %s page %d", entity, b.page))
	}
	job.Checkpoint = next
	job.Counts = counts
	job.Warnings = warnings
	job.LastCheckpointAt = &now
	job.UpdatedAt = now

	jobLogger(job).Debug("pipeline: batch committed",
		zap.String("entity", string(entity)),
		zap.Int("page", b.page),
		zap.Int("processed", cp.Processed),
		zap.Int("total", cp.Total),
		zap.Int("errors", len(b.errors)),
	)

	if err := e.jobs.AcquireLease(ctx, job.OrgID, job.Source, job.ID, ex.holder, e.opts.LeaseTTL); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return eris.Wrap(err, "pipeline: lease lost")
		}
		jobLogger(job).Warn("pipeline: lease renewal failed", zap.Error(err))
	}
	return e.checkCancel(ctx, job)
}

func (e *Engine) checkCancel(ctx context.Context, job *model.MigrationJob) error {
	requested, err := e.jobs.CancelRequested(ctx, job.ID)
	if err != nil {
		return eris.Wrap(err, "pipeline: read cancel flag")
	}
	if requested {
		job.CancelRequested = true
		return errCancelled
	}
	return nil
}

// stop settles the job after the batch loop ended early. Cancellation moves
// it to cancelled, fatal conditions to failed; both keep the checkpoint. A
// done context or a lost lease leaves the job executing for a later takeover.
func (e *Engine) stop(ctx context.Context, job *model.MigrationJob, cause error) error {
	log := jobLogger(job)
	bg := context.WithoutCancel(ctx)

	switch {
	case errors.Is(cause, errCancelled):
		if err := job.Transition(model.StageCancelled, e.opts.Now()); err != nil {
			return err
		}
		if err := e.jobs.UpdateJob(bg, job); err != nil {
			return eris.Wrap(err, "pipeline: cancel job")
		}
		log.Info("pipeline: execution cancelled", zap.Any("checkpoint", job.Checkpoint))
		return nil

	case errors.Is(cause, store.ErrLeaseHeld):
		log.Warn("pipeline: execution lease taken over; stopping", zap.Error(cause))
		return cause

	case ctx.Err() != nil && !isFatal(cause):
		log.Warn("pipeline: execution interrupted; job stays executing", zap.Error(cause))
		return cause
	}

	job.FailureReason = cause.Error()
	if errors.Is(cause, source.ErrUnauthorized) {
		job.FailureReason = "source rejected the credentials during execution: " + cause.Error()
	}
	if err := job.Transition(model.StageFailed, e.opts.Now()); err != nil {
		return eris.Wrap(err, "pipeline: fail job")
	}
	if err := e.jobs.UpdateJob(bg, job); err != nil {
		log.Error("pipeline: could not record job failure", zap.Error(err))
	}
	log.Error("pipeline: execution failed", zap.Error(cause))
	return cause
}

func (e *Engine) releaseLease(job *model.MigrationJob, holder string) {
	if err := e.jobs.ReleaseLease(context.Background(), job.OrgID, job.Source, holder); err != nil {
		jobLogger(job).Warn("pipeline: release lease", zap.Error(err))
	}
}
