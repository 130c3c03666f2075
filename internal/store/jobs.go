package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/model"
)

const jobColumns = `id, org_id, source, credentials_ref, stage, checkpoint, counts, warnings, preflight, dry_run,
	cancel_requested, failure_reason, resumed_from, started_at, completed_at, last_checkpoint_at, created_at, updated_at`

// CreateJob inserts a new job.
func (s *Store) CreateJob(ctx context.Context, job *model.MigrationJob) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO migration_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		job.ID, job.OrgID, string(job.Source), job.CredentialsRef, string(job.Stage),
		enc.checkpoint, enc.counts, enc.warnings, enc.preflight, enc.dryRun,
		job.CancelRequested, job.FailureReason, job.ResumedFrom,
		job.StartedAt, job.CompletedAt, job.LastCheckpointAt, job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrap(err, "store: create job")
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.MigrationJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM migration_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, db.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "store: get job %s", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: get job %s", jobID)
	}
	return job, nil
}

// UpdateJob persists the mutable fields of a non-terminal job. The durable
// cancel flag is owned by RequestCancel and is never overwritten here.
func (s *Store) UpdateJob(ctx context.Context, job *model.MigrationJob) error {
	enc, err := encodeJob(job)
	if err != nil {
		return err
	}
	n, err := s.db.Exec(ctx, `UPDATE migration_jobs SET
		stage = $1, checkpoint = $2, counts = $3, warnings = $4, preflight = $5, dry_run = $6,
		failure_reason = $7, started_at = $8, completed_at = $9, last_checkpoint_at = $10,
		credentials_ref = $11, updated_at = $12
		WHERE id = $13 AND stage NOT IN ('completed', 'failed', 'cancelled')`,
		string(job.Stage), enc.checkpoint, enc.counts, enc.warnings, enc.preflight, enc.dryRun,
		job.FailureReason, job.StartedAt, job.CompletedAt, job.LastCheckpointAt,
		job.CredentialsRef, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "store: update job %s", job.ID)
	}
	if n == 0 {
		return s.missingOrTerminal(ctx, job.ID)
	}
	return nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter JobFilter) ([]model.MigrationJob, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `SELECT `+jobColumns+` FROM migration_jobs
		WHERE ($1 = '' OR org_id = $1) AND ($2 = '' OR source = $2) AND ($3 = '' OR stage = $3)
		ORDER BY created_at DESC LIMIT $4`,
		filter.OrgID, string(filter.Source), string(filter.Stage), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "store: list jobs")
	}
	defer rows.Close()

	var jobs []model.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "store: list jobs")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "store: list jobs")
}

// CommitBatch atomically advances the checkpoint and records the batch's
// counts, warnings and errors. A commit that would move any entity's page or
// processed count backwards is rejected with ErrCheckpointRegression.
func (s *Store) CommitBatch(ctx context.Context, c BatchCommit) error {
	checkpoint, err := json.Marshal(c.Checkpoint)
	if err != nil {
		return eris.Wrap(err, "store: marshal checkpoint")
	}
	counts, err := json.Marshal(c.Counts)
	if err != nil {
		return eris.Wrap(err, "store: marshal counts")
	}
	warnings, err := json.Marshal(nonNil(c.Warnings))
	if err != nil {
		return eris.Wrap(err, "store: marshal warnings")
	}

	return db.InTx(ctx, s.db, func(tx db.Tx) error {
		var stage string
		var prevRaw []byte
		err := tx.QueryRow(ctx, `SELECT stage, checkpoint FROM migration_jobs WHERE id = $1`, c.JobID).Scan(&stage, &prevRaw)
		if errors.Is(err, db.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "store: commit batch %s", c.JobID)
		}
		if err != nil {
			return eris.Wrapf(err, "store: commit batch %s: load", c.JobID)
		}
		if model.Stage(stage).Terminal() {
			return eris.Wrapf(ErrTerminalJob, "store: commit batch %s", c.JobID)
		}

		prev := model.Checkpoint{}
		if len(prevRaw) > 0 {
			if err := json.Unmarshal(prevRaw, &prev); err != nil {
				return eris.Wrap(err, "store: unmarshal checkpoint")
			}
		}
		if et, regressed := prev.Regression(c.Checkpoint); regressed {
			return eris.Wrapf(ErrCheckpointRegression, "store: commit batch %s: %s", c.JobID, et)
		}

		if _, err := tx.Exec(ctx, `UPDATE migration_jobs SET
			checkpoint = $1, counts = $2, warnings = $3, last_checkpoint_at = $4, updated_at = $5
			WHERE id = $6`,
			checkpoint, counts, warnings, c.CommittedAt, c.CommittedAt, c.JobID,
		); err != nil {
			return eris.Wrapf(err, "store: commit batch %s: update", c.JobID)
		}

		for _, e := range c.Errors {
			if _, err := tx.Exec(ctx, `INSERT INTO migration_errors
				(job_id, kind, entity, source_id, page, reason, occurred_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				c.JobID, string(e.Kind), string(e.Entity), e.SourceID, e.Page, e.Reason, e.OccurredAt,
			); err != nil {
				return eris.Wrapf(err, "store: commit batch %s: insert error", c.JobID)
			}
		}
		return nil
	})
}

// ListErrors returns the first limit errors in insertion order plus the total.
func (s *Store) ListErrors(ctx context.Context, jobID string, limit int) ([]model.RecordError, int, error) {
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM migration_errors WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "store: count errors")
	}
	if limit <= 0 || total == 0 {
		return []model.RecordError{}, total, nil
	}

	rows, err := s.db.Query(ctx, `SELECT kind, entity, source_id, page, reason, occurred_at
		FROM migration_errors WHERE job_id = $1 ORDER BY seq LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, 0, eris.Wrap(err, "store: list errors")
	}
	defer rows.Close()

	out := make([]model.RecordError, 0, min(limit, total))
	for rows.Next() {
		var e model.RecordError
		var kind, entity string
		if err := rows.Scan(&kind, &entity, &e.SourceID, &e.Page, &e.Reason, &e.OccurredAt); err != nil {
			return nil, 0, eris.Wrap(err, "store: scan error row")
		}
		e.Kind = model.ErrorKind(kind)
		e.Entity = model.EntityType(entity)
		out = append(out, e)
	}
	return out, total, eris.Wrap(rows.Err(), "store: list errors")
}

// RequestCancel sets the durable cancel flag on a non-terminal job.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	n, err := s.db.Exec(ctx, `UPDATE migration_jobs SET cancel_requested = TRUE, updated_at = $1
		WHERE id = $2 AND stage NOT IN ('completed', 'failed', 'cancelled')`, s.now(), jobID)
	if err != nil {
		return eris.Wrapf(err, "store: request cancel %s", jobID)
	}
	if n == 0 {
		return s.missingOrTerminal(ctx, jobID)
	}
	return nil
}

// CancelRequested reads the durable cancel flag.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := s.db.QueryRow(ctx, `SELECT cancel_requested FROM migration_jobs WHERE id = $1`, jobID).Scan(&requested)
	if errors.Is(err, db.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "store: cancel flag %s", jobID)
	}
	return requested, eris.Wrapf(err, "store: cancel flag %s", jobID)
}

// AcquireLease takes or renews the execution lease for (orgId, source) on
// behalf of holder, a token unique to one execution. The lease is renewed
// only by the same holder; a different holder takes it over only after it
// expired, even when both run the same job.
func (s *Store) AcquireLease(ctx context.Context, orgID string, source model.Source, jobID, holder string, ttl time.Duration) error {
	now := s.now()
	var got string
	err := s.db.QueryRow(ctx, `INSERT INTO migration_leases (org_id, source, job_id, holder, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (org_id, source) DO UPDATE
		SET job_id = excluded.job_id, holder = excluded.holder, expires_at = excluded.expires_at
		WHERE migration_leases.holder = excluded.holder OR migration_leases.expires_at < $6
		RETURNING holder`,
		orgID, string(source), jobID, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	).Scan(&got)
	if errors.Is(err, db.ErrNoRows) {
		return eris.Wrapf(ErrLeaseHeld, "store: lease %s/%s", orgID, source)
	}
	return eris.Wrapf(err, "store: lease %s/%s", orgID, source)
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, orgID string, source model.Source, holder string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM migration_leases WHERE org_id = $1 AND source = $2 AND holder = $3`,
		orgID, string(source), holder)
	return eris.Wrapf(err, "store: release lease %s/%s", orgID, source)
}

// SaveCredentials stores a sealed credential blob under ref.
func (s *Store) SaveCredentials(ctx context.Context, ref, orgID string, source model.Source, sealed []byte) error {
	_, err := s.db.Exec(ctx, `INSERT INTO migration_credentials (ref, org_id, source, sealed, created_at)
		VALUES ($1, $2, $3, $4, $5)`, ref, orgID, string(source), sealed, s.now())
	return eris.Wrap(err, "store: save credentials")
}

// LoadCredentials returns the sealed blob stored under ref.
func (s *Store) LoadCredentials(ctx context.Context, ref string) ([]byte, error) {
	var sealed []byte
	err := s.db.QueryRow(ctx, `SELECT sealed FROM migration_credentials WHERE ref = $1`, ref).Scan(&sealed)
	if errors.Is(err, db.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "store: load credentials")
	}
	if err != nil {
		return nil, eris.Wrap(err, "store: load credentials")
	}
	return sealed, nil
}

func (s *Store) missingOrTerminal(ctx context.Context, jobID string) error {
	var stage string
	err := s.db.QueryRow(ctx, `SELECT stage FROM migration_jobs WHERE id = $1`, jobID).Scan(&stage)
	if errors.Is(err, db.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "store: job %s", jobID)
	}
	if err != nil {
		return eris.Wrapf(err, "store: job %s", jobID)
	}
	return eris.Wrapf(ErrTerminalJob, "store: job %s is %s", jobID, stage)
}

type encodedJob struct {
	checkpoint, counts, warnings []byte
	preflight, dryRun            []byte
}

func encodeJob(job *model.MigrationJob) (*encodedJob, error) {
	var enc encodedJob
	var err error
	cp := job.Checkpoint
	if cp == nil {
		cp = model.Checkpoint{}
	}
	if enc.checkpoint, err = json.Marshal(cp); err != nil {
		return nil, eris.Wrap(err, "store: marshal checkpoint")
	}
	if enc.counts, err = json.Marshal(job.Counts); err != nil {
		return nil, eris.Wrap(err, "store: marshal counts")
	}
	if enc.warnings, err = json.Marshal(nonNil(job.Warnings)); err != nil {
		return nil, eris.Wrap(err, "store: marshal warnings")
	}
	if job.Preflight != nil {
		if enc.preflight, err = json.Marshal(job.Preflight); err != nil {
			return nil, eris.Wrap(err, "store: marshal preflight")
		}
	}
	if job.DryRun != nil {
		if enc.dryRun, err = json.Marshal(job.DryRun); err != nil {
			return nil, eris.Wrap(err, "store: marshal dry run")
		}
	}
	return &enc, nil
}

func scanJob(row db.Row) (*model.MigrationJob, error) {
	var j model.MigrationJob
	var source, stage string
	var checkpoint, counts, warnings, preflight, dryRun []byte
	err := row.Scan(&j.ID, &j.OrgID, &source, &j.CredentialsRef, &stage,
		&checkpoint, &counts, &warnings, &preflight, &dryRun,
		&j.CancelRequested, &j.FailureReason, &j.ResumedFrom,
		&j.StartedAt, &j.CompletedAt, &j.LastCheckpointAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Source = model.Source(source)
	j.Stage = model.Stage(stage)

	j.Checkpoint = model.Checkpoint{}
	if err := unmarshalIfSet(checkpoint, &j.Checkpoint); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal checkpoint")
	}
	if err := unmarshalIfSet(counts, &j.Counts); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal counts")
	}
	if err := unmarshalIfSet(warnings, &j.Warnings); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal warnings")
	}
	if len(preflight) > 0 {
		j.Preflight = &model.PreflightResult{}
		if err := json.Unmarshal(preflight, j.Preflight); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal preflight")
		}
	}
	if len(dryRun) > 0 {
		j.DryRun = &model.DryRunResult{}
		if err := json.Unmarshal(dryRun, j.DryRun); err != nil {
			return nil, eris.Wrap(err, "store: unmarshal dry run")
		}
	}
	return &j, nil
}

func unmarshalIfSet(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ JobStore = (*Store)(nil)
