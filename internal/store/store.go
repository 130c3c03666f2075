// Package store persists migration jobs, their errors, leases, sealed
// credentials and the canonical tenant records they import into.
package store

import (
	"context"
	"embed"
	"io/fs"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/model"
)

//go:embed migrations
var migrationFS embed.FS

var (
	// ErrNotFound is returned when a job, credential or tenant record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrTerminalJob is returned when mutating a completed, failed or cancelled job.
	ErrTerminalJob = eris.New("store: job is terminal")
	// ErrCheckpointRegression is returned when a commit would move a checkpoint backwards.
	ErrCheckpointRegression = eris.New("store: checkpoint regression")
	// ErrLeaseHeld is returned when another job holds an unexpired execution lease.
	ErrLeaseHeld = eris.New("store: execution lease held by another job")
)

// JobFilter narrows ListJobs.
type JobFilter struct {
	OrgID  string
	Source model.Source
	Stage  model.Stage
	Limit  int
}

// BatchCommit is everything persisted atomically after one page is processed.
type BatchCommit struct {
	JobID       string
	Checkpoint  model.Checkpoint
	Counts      model.Counts
	Warnings    []string
	Errors      []model.RecordError
	CommittedAt time.Time
}

// JobStore persists migration jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *model.MigrationJob) error
	GetJob(ctx context.Context, jobID string) (*model.MigrationJob, error)
	UpdateJob(ctx context.Context, job *model.MigrationJob) error
	ListJobs(ctx context.Context, filter JobFilter) ([]model.MigrationJob, error)

	// CommitBatch writes checkpoint, counts, warnings and record errors in
	// one transaction.
	CommitBatch(ctx context.Context, c BatchCommit) error
	ListErrors(ctx context.Context, jobID string, limit int) ([]model.RecordError, int, error)

	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// AcquireLease and ReleaseLease guard (orgId, source) for one
	// execution, identified by holder.
	AcquireLease(ctx context.Context, orgID string, source model.Source, jobID, holder string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, orgID string, source model.Source, holder string) error

	SaveCredentials(ctx context.Context, ref, orgID string, source model.Source, sealed []byte) error
	LoadCredentials(ctx context.Context, ref string) ([]byte, error)
}

// RecordRepository reads and writes one family of tenant records.
type RecordRepository interface {
	FindByExternalID(ctx context.Context, orgID string, source model.Source, sourceID string) (*model.ExistingRecord, error)
	// UpsertByExternalID writes rec keyed on (orgId, source, sourceId). When
	// matchedID is set the existing record with that id is updated; it takes
	// over rec's external id unless it already carries one from rec's
	// source. Returns the tenant record id.
	UpsertByExternalID(ctx context.Context, rec *model.CanonicalRecord, matchedID string) (string, error)
}

// ContactRepository adds the contact-only duplicate lookups.
type ContactRepository interface {
	RecordRepository
	FindByEmail(ctx context.Context, orgID, email string) ([]model.ExistingRecord, error)
	FindByPhone(ctx context.Context, orgID, phone string) ([]model.ExistingRecord, error)
	FindByAddressKey(ctx context.Context, orgID, key string) ([]model.ExistingRecord, error)
}

// JobRepository stores imported jobs.
type JobRepository interface{ RecordRepository }

// DocumentRepository stores imported document metadata.
type DocumentRepository interface{ RecordRepository }

// TaskRepository stores imported tasks.
type TaskRepository interface{ RecordRepository }

// Tenant groups the typed repositories for canonical tenant records.
type Tenant struct {
	Contacts  ContactRepository
	Jobs      JobRepository
	Documents DocumentRepository
	Tasks     TaskRepository
}

// For returns the repository for an entity type.
func (t Tenant) For(et model.EntityType) RecordRepository {
	switch et {
	case model.EntityContact:
		return t.Contacts
	case model.EntityJob:
		return t.Jobs
	case model.EntityDocument:
		return t.Documents
	case model.EntityTask:
		return t.Tasks
	}
	return nil
}

// Store implements JobStore and the tenant repositories over a db.DB.
type Store struct {
	db  db.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(d db.DB) *Store {
	return &Store{db: d, now: func() time.Time { return time.Now().UTC() }}
}

// Open connects to the configured driver ("postgres" or "sqlite").
func Open(ctx context.Context, driver, dsn string, poolCfg *db.PoolConfig) (*Store, error) {
	switch driver {
	case "postgres":
		pool, err := db.NewPool(ctx, dsn, poolCfg)
		if err != nil {
			return nil, err
		}
		return New(db.NewPgx(pool)), nil
	case "sqlite":
		d, err := db.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return New(d), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", driver)
	}
}

// Migrate applies the schema for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations/"+string(s.db.Dialect()))
	if err != nil {
		return eris.Wrap(err, "store: migrations")
	}
	return db.Migrate(ctx, s.db, sub)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return eris.Wrap(s.db.QueryRow(ctx, "SELECT 1").Scan(&one), "store: ping")
}

// Close releases the underlying database handle.
func (s *Store) Close() {
	s.db.Close()
}

// Tenant returns the typed tenant repositories.
func (s *Store) Tenant() Tenant {
	return Tenant{
		Contacts:  &contactRepo{recordRepo{s: s, table: "contacts", entity: model.EntityContact, indexed: contactLookups}},
		Jobs:      &recordRepo{s: s, table: "jobs", entity: model.EntityJob},
		Documents: &recordRepo{s: s, table: "documents", entity: model.EntityDocument},
		Tasks:     &recordRepo{s: s, table: "tasks", entity: model.EntityTask},
	}
}
