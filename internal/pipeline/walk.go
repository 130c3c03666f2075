package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/crm-migrate/internal/dedup"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/normalize"
	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/store"
)

// fatalError marks a condition that must stop the job.
type fatalError struct {
	err error
}

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return &fatalError{err: err} }

// isFatal reports whether err must abort the job: rejected credentials, an
// open storage breaker or an explicitly marked condition.
func isFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f) || errors.Is(err, source.ErrUnauthorized) || errors.Is(err, resilience.ErrCircuitOpen)
}

// batch is the outcome of one page.
type batch struct {
	page     int
	fetched  int
	tally    model.Tally
	errors   []model.RecordError
	warnings []string
}

// walker pages through one entity and pushes every record through
// normalize, dedup and the write path. Dry-run and execution share it; they
// differ only in the tenant the writes land in and in what happens after
// each batch.
type walker struct {
	engine  *Engine
	client  source.Client
	norm    *normalize.Normalizer
	tenant  store.Tenant
	det     *dedup.Detector
	label   string
	onBatch func(ctx context.Context, entity model.EntityType, cp model.EntityCheckpoint, b *batch) error
}

func (e *Engine) newWalker(client source.Client, norm *normalize.Normalizer, tenant store.Tenant) *walker {
	return &walker{
		engine: e,
		client: client,
		norm:   norm,
		tenant: tenant,
		det:    dedup.NewDetector(tenant),
		label:  string(client.Source()),
	}
}

// walk processes entity starting after cp.Page until the checkpoint is done.
// Page fetch failures become page errors whose expected records count as
// failed; the cursor still advances so the walk terminates.
func (w *walker) walk(ctx context.Context, entity model.EntityType, cp model.EntityCheckpoint) (model.EntityCheckpoint, error) {
	pageSize := w.engine.opts.PageSize
	for !cp.Done {
		if err := ctx.Err(); err != nil {
			return cp, err
		}
		page := cp.Page + 1
		b := &batch{page: page}

		p, err := w.client.List(ctx, entity, page, pageSize)
		var pageErr *source.PageError
		switch {
		case err == nil:
			b.fetched = len(p.Records)
			cp.Total = p.TotalCount
			if err := w.process(ctx, p.Records, b); err != nil {
				return cp, err
			}
			cp.Processed += b.fetched
			if b.fetched < pageSize && cp.Processed < cp.Total {
				b.warnings = append(b.warnings, fmt.Sprintf(
					"%s %s: page %d returned %d of %d records; total reconciled from %d to %d",
					w.label, entity, page, b.fetched, pageSize, cp.Total, cp.Processed))
				cp.Total = cp.Processed
			}
			if b.fetched == 0 || cp.Processed >= cp.Total {
				cp.Done = true
			}

		case errors.As(err, &pageErr):
			expected := min(pageSize, max(cp.Total-cp.Processed, 0))
			b.tally.Failed += expected
			b.errors = append(b.errors, model.RecordError{
				Kind:       pageErr.Kind,
				Entity:     entity,
				Page:       page,
				Reason:     fmt.Sprintf("page fetch failed after %d attempts (%d records skipped): %v", pageErr.Attempts, expected, pageErr.Err),
				OccurredAt: w.engine.opts.Now(),
			})
			cp.Processed += expected
			if expected == 0 || cp.Processed >= cp.Total {
				cp.Done = true
			}

		case errors.Is(err, source.ErrUnauthorized):
			return cp, fatal(eris.Wrapf(err, "pipeline: %s page %d", entity, page))
		default:
			return cp, err
		}

		cp.Page = page
		if w.onBatch != nil {
			if err := w.onBatch(ctx, entity, cp, b); err != nil {
				return cp, err
			}
		}
	}
	return cp, nil
}

// process normalizes a page and writes it in waves. Records sharing a source
// id or match key land in different waves, so they are never written
// concurrently and later records see earlier ones.
func (w *walker) process(ctx context.Context, records []model.SourceRecord, b *batch) error {
	var ready []*model.CanonicalRecord
	for _, raw := range records {
		rec, rerr := w.norm.Normalize(raw)
		if rerr != nil {
			b.tally.Failed++
			b.errors = append(b.errors, *rerr)
			continue
		}
		ready = append(ready, rec)
	}

	var mu sync.Mutex
	for _, wave := range waves(ready) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.engine.opts.WriteConcurrency)
		for _, rec := range wave {
			g.Go(func() error {
				action, match, err := w.write(gctx, rec)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if isFatal(err) || ctx.Err() != nil {
						return err
					}
					b.tally.Failed++
					b.errors = append(b.errors, model.RecordError{
						Kind:       model.ErrorKindPersistence,
						Entity:     rec.Entity,
						SourceID:   rec.SourceID,
						Reason:     err.Error(),
						OccurredAt: w.engine.opts.Now(),
					})
					return nil
				}
				switch action {
				case dedup.ActionCreate:
					b.tally.Created++
				case dedup.ActionUpdate:
					b.tally.Updated++
				case dedup.ActionSkip:
					b.tally.Skipped++
				}
				if match != nil && match.TieBroken {
					b.warnings = append(b.warnings, dedup.TieBreakWarning(match))
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if errors.Is(err, resilience.ErrCircuitOpen) {
				return fatal(eris.Wrap(err, "pipeline: tenant storage unavailable"))
			}
			return err
		}
	}
	return nil
}

// write matches rec and applies the resulting action through the storage
// breaker.
func (w *walker) write(ctx context.Context, rec *model.CanonicalRecord) (dedup.Action, *model.DuplicateMatch, error) {
	var match *model.DuplicateMatch
	err := w.engine.storage(ctx, func(ctx context.Context) error {
		m, err := w.det.Match(ctx, rec)
		match = m
		return err
	})
	if err != nil {
		return 0, nil, err
	}

	action := dedup.Decide(match)
	if action == dedup.ActionSkip {
		return action, match, nil
	}
	matchedID := ""
	if match != nil {
		matchedID = match.ExistingRecordID
	}
	err = w.engine.storage(ctx, func(ctx context.Context) error {
		_, err := w.tenant.For(rec.Entity).UpsertByExternalID(ctx, rec, matchedID)
		return err
	})
	return action, match, err
}

// waves splits records so that no two records in one wave share a key.
// Order between records with a common key is preserved.
func waves(records []*model.CanonicalRecord) [][]*model.CanonicalRecord {
	next := map[string]int{}
	var out [][]*model.CanonicalRecord
	for _, rec := range records {
		keys := recordKeys(rec)
		wave := 0
		for _, k := range keys {
			wave = max(wave, next[k])
		}
		for _, k := range keys {
			next[k] = wave + 1
		}
		if wave == len(out) {
			out = append(out, nil)
		}
		out[wave] = append(out[wave], rec)
	}
	return out
}

func recordKeys(rec *model.CanonicalRecord) []string {
	keys := []string{"id:" + rec.SourceID}
	if rec.Contact != nil {
		if rec.Contact.Email != "" {
			keys = append(keys, "email:"+rec.Contact.Email)
		}
		if rec.Contact.Phone != "" {
			keys = append(keys, "phone:"+rec.Contact.Phone)
		}
		if rec.AddressKey != "" {
			keys = append(keys, "addr:"+rec.AddressKey)
		}
	}
	return keys
}
