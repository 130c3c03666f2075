package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/normalize"
	"github.com/sells-group/crm-migrate/internal/store"
)

// DryRun walks the whole source dataset through normalization and duplicate
// detection without writing tenant data. Simulated creates and updates land
// in an in-memory overlay so later records see earlier ones exactly as they
// would during execution. The result is stored on the job.
func (e *Engine) DryRun(ctx context.Context, job *model.MigrationJob) (*model.DryRunResult, error) {
	if job.Stage != model.StagePreflight && job.Stage != model.StageDryRun {
		return nil, eris.Wrapf(ErrInvalidStage, "pipeline: dry-run %s job %s", job.Stage, job.ID)
	}
	log := jobLogger(job)

	client, err := e.clientFor(ctx, job)
	if err != nil {
		return nil, err
	}
	norm, err := normalize.New(job.OrgID, job.Source)
	if err != nil {
		return nil, err
	}

	sim := newSimulatedWriter(e.tenant, e.opts.Now)
	w := e.newWalker(client, norm, sim.Tenant())

	res := &model.DryRunResult{
		Entities: map[model.EntityType]model.EntityOutcome{},
		Warnings: []string{},
		Errors:   []model.RecordError{},
	}
	w.onBatch = func(_ context.Context, entity model.EntityType, cp model.EntityCheckpoint, b *batch) error {
		out := res.Entities[entity]
		out.Total = cp.Total
		out.Tally.Add(b.tally)
		res.Entities[entity] = out
		res.Totals.Add(b.tally)
		for _, warn := range b.warnings {
			if !slices.Contains(res.Warnings, warn) {
				res.Warnings = append(res.Warnings, warn)
			}
		}
		for _, re := range b.errors {
			if len(res.Errors) < e.opts.ErrorReportLimit {
				res.Errors = append(res.Errors, re)
			}
		}
		return nil
	}

	for _, entity := range model.EntityTypes {
		start := model.EntityCheckpoint{Total: job.Counts.Total(entity)}
		cp, err := w.walk(ctx, entity, start)
		if err != nil {
			log.Warn("pipeline: dry-run aborted", zap.String("entity", string(entity)), zap.Error(err))
			return nil, eris.Wrapf(err, "pipeline: dry-run %s", entity)
		}
		if _, ok := res.Entities[entity]; !ok {
			res.Entities[entity] = model.EntityOutcome{Total: cp.Total}
		}
		job.Counts.SetTotal(entity, cp.Total)
	}

	job.DryRun = res
	for _, warn := range res.Warnings {
		job.AddWarning(warn)
	}
	if err := job.Transition(model.StageDryRun, e.opts.Now()); err != nil {
		return nil, err
	}
	if err := e.jobs.UpdateJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "pipeline: store dry-run")
	}

	log.Info("pipeline: dry-run finished",
		zap.Int("created", res.Totals.Created),
		zap.Int("updated", res.Totals.Updated),
		zap.Int("skipped", res.Totals.Skipped),
		zap.Int("failed", res.Totals.Failed),
	)
	return res, nil
}

// simulatedWriter overlays simulated writes on top of the real tenant
// repositories. Reads fall through to the real store; writes never do.
type simulatedWriter struct {
	base store.Tenant
	now  func() time.Time

	mu       sync.Mutex
	seq      int
	records  map[string]model.ExistingRecord // by id
	external map[string]string               // entity|source|sourceId -> id
	index    map[string][]string             // column|value -> contact ids
}

func newSimulatedWriter(base store.Tenant, now func() time.Time) *simulatedWriter {
	return &simulatedWriter{
		base:     base,
		now:      now,
		records:  map[string]model.ExistingRecord{},
		external: map[string]string{},
		index:    map[string][]string{},
	}
}

// Tenant returns repositories backed by the overlay.
func (s *simulatedWriter) Tenant() store.Tenant {
	return store.Tenant{
		Contacts:  &simContacts{simRepo{s: s, entity: model.EntityContact, base: s.base.Contacts}},
		Jobs:      &simRepo{s: s, entity: model.EntityJob, base: s.base.Jobs},
		Documents: &simRepo{s: s, entity: model.EntityDocument, base: s.base.Documents},
		Tasks:     &simRepo{s: s, entity: model.EntityTask, base: s.base.Tasks},
	}
}

// overlay replaces stored records with their simulated versions.
func (s *simulatedWriter) overlay(found []model.ExistingRecord) []model.ExistingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ExistingRecord, len(found))
	for i, rec := range found {
		if sim, ok := s.records[rec.ID]; ok {
			rec = sim
		}
		out[i] = rec
	}
	return out
}

type simRepo struct {
	s      *simulatedWriter
	entity model.EntityType
	base   store.RecordRepository
}

func externalKey(entity model.EntityType, src model.Source, sourceID string) string {
	return fmt.Sprintf("%s|%s|%s", entity, src, sourceID)
}

func (r *simRepo) FindByExternalID(ctx context.Context, orgID string, src model.Source, sourceID string) (*model.ExistingRecord, error) {
	r.s.mu.Lock()
	id, ok := r.s.external[externalKey(r.entity, src, sourceID)]
	rec := r.s.records[id]
	r.s.mu.Unlock()
	if ok {
		return &rec, nil
	}

	found, err := r.base.FindByExternalID(ctx, orgID, src, sourceID)
	if err != nil || found == nil {
		return found, err
	}
	over := r.s.overlay([]model.ExistingRecord{*found})
	return &over[0], nil
}

func (r *simRepo) UpsertByExternalID(_ context.Context, rec *model.CanonicalRecord, matchedID string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := externalKey(rec.Entity, rec.Source, rec.SourceID)
	id := matchedID
	if id == "" {
		id = r.s.external[key]
	}
	if id == "" {
		r.s.seq++
		id = fmt.Sprintf("simulated-%s-%d", r.entity, r.s.seq)
	}
	r.s.records[id] = model.ExistingRecord{ID: id, Fingerprint: rec.Fingerprint, UpdatedAt: r.s.now()}
	r.s.external[key] = id

	if rec.Contact != nil {
		for _, k := range []string{"email|" + rec.Contact.Email, "phone|" + rec.Contact.Phone, "address_key|" + rec.AddressKey} {
			if k[len(k)-1] == '|' || slices.Contains(r.s.index[k], id) {
				continue
			}
			r.s.index[k] = append(r.s.index[k], id)
		}
	}
	return id, nil
}

type simContacts struct {
	simRepo
}

func (c *simContacts) FindByEmail(ctx context.Context, orgID, email string) ([]model.ExistingRecord, error) {
	return c.find(ctx, "email", email, func() ([]model.ExistingRecord, error) {
		return c.s.base.Contacts.FindByEmail(ctx, orgID, email)
	})
}

func (c *simContacts) FindByPhone(ctx context.Context, orgID, phone string) ([]model.ExistingRecord, error) {
	return c.find(ctx, "phone", phone, func() ([]model.ExistingRecord, error) {
		return c.s.base.Contacts.FindByPhone(ctx, orgID, phone)
	})
}

func (c *simContacts) FindByAddressKey(ctx context.Context, orgID, key string) ([]model.ExistingRecord, error) {
	return c.find(ctx, "address_key", key, func() ([]model.ExistingRecord, error) {
		return c.s.base.Contacts.FindByAddressKey(ctx, orgID, key)
	})
}

// find merges stored candidates with simulated ones for column = value.
func (c *simContacts) find(_ context.Context, column, value string, stored func() ([]model.ExistingRecord, error)) ([]model.ExistingRecord, error) {
	if value == "" {
		return nil, nil
	}
	found, err := stored()
	if err != nil {
		return nil, err
	}
	out := c.s.overlay(found)

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	for _, id := range c.s.index[column+"|"+value] {
		if slices.ContainsFunc(out, func(r model.ExistingRecord) bool { return r.ID == id }) {
			continue
		}
		out = append(out, c.s.records[id])
	}
	return out, nil
}
