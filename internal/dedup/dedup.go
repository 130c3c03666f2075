// Package dedup matches incoming canonical records against existing tenant
// records, exactly for dry-run and execution, and by extrapolated sample for
// preflight.
package dedup

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/store"
)

// Action is what the engine does with a normalized record.
type Action int

const (
	ActionCreate Action = iota
	ActionUpdate
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionUpdate:
		return "update"
	case ActionSkip:
		return "skip"
	}
	return "unknown"
}

// Decide maps a match result onto an action. A nil match creates.
func Decide(m *model.DuplicateMatch) Action {
	switch {
	case m == nil:
		return ActionCreate
	case m.Unchanged:
		return ActionSkip
	default:
		return ActionUpdate
	}
}

// Detector performs exact duplicate detection against one tenant's records.
type Detector struct {
	tenant store.Tenant
}

// NewDetector returns a detector reading from tenant.
func NewDetector(tenant store.Tenant) *Detector {
	return &Detector{tenant: tenant}
}

// Match returns the existing record rec should update, or nil when rec is new.
//
// The idempotency key (orgId, source, sourceId) is tried first for every
// entity. Contacts then fall back to email, phone and address key in that
// order; the first key with any candidate wins. Jobs, documents and tasks only
// match on the idempotency key.
func (d *Detector) Match(ctx context.Context, rec *model.CanonicalRecord) (*model.DuplicateMatch, error) {
	repo := d.tenant.For(rec.Entity)
	if repo == nil {
		return nil, eris.Errorf("dedup: no repository for %s", rec.Entity)
	}

	existing, err := repo.FindByExternalID(ctx, rec.OrgID, rec.Source, rec.SourceID)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: match external id")
	}
	if existing != nil {
		return newMatch(rec, model.MatchExternalID, []model.ExistingRecord{*existing}), nil
	}

	if rec.Entity != model.EntityContact || rec.Contact == nil {
		return nil, nil
	}

	contacts := d.tenant.Contacts
	keys := []struct {
		kind  model.MatchKind
		value string
		find  func(context.Context, string, string) ([]model.ExistingRecord, error)
	}{
		{model.MatchEmail, rec.Contact.Email, contacts.FindByEmail},
		{model.MatchPhone, rec.Contact.Phone, contacts.FindByPhone},
		{model.MatchAddress, rec.AddressKey, contacts.FindByAddressKey},
	}
	for _, k := range keys {
		if k.value == "" {
			continue
		}
		candidates, err := k.find(ctx, rec.OrgID, k.value)
		if err != nil {
			return nil, eris.Wrapf(err, "dedup: match %s", k.kind)
		}
		if len(candidates) > 0 {
			return newMatch(rec, k.kind, candidates), nil
		}
	}
	return nil, nil
}

// newMatch picks the most recently updated candidate. Equal timestamps fall
// back to the lowest id so the choice is stable across runs.
func newMatch(rec *model.CanonicalRecord, kind model.MatchKind, candidates []model.ExistingRecord) *model.DuplicateMatch {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.UpdatedAt.After(best.UpdatedAt) || (c.UpdatedAt.Equal(best.UpdatedAt) && c.ID < best.ID) {
			best = c
		}
	}
	return &model.DuplicateMatch{
		Record:           rec,
		ExistingRecordID: best.ID,
		MatchedOn:        kind,
		Confidence:       kind.Confidence(),
		Unchanged:        best.Fingerprint != "" && best.Fingerprint == rec.Fingerprint,
		TieBroken:        len(candidates) > 1,
		Candidates:       len(candidates),
	}
}

// TieBreakWarning is the operator-facing note for a match that had to pick
// between several existing records.
func TieBreakWarning(m *model.DuplicateMatch) string {
	return fmt.Sprintf("%s %s matched %d existing records by %s; updated the most recently modified (%s)",
		m.Record.Entity, m.Record.SourceID, m.Candidates, m.MatchedOn, m.ExistingRecordID)
}

// ContactLookup is the slice of the contact repository the sampled estimate needs.
type ContactLookup interface {
	FindByEmail(ctx context.Context, orgID, email string) ([]model.ExistingRecord, error)
	FindByPhone(ctx context.Context, orgID, phone string) ([]model.ExistingRecord, error)
}

// Sampled counts how many sample contacts match existing tenant contacts by
// exact email and, separately, by exact phone, then extrapolates each count to
// total as round(matches/sampleSize*total). Nil entries are sample records
// that failed normalization; they count toward the sample size only.
func Sampled(ctx context.Context, lookup ContactLookup, orgID string, sample []*model.CanonicalRecord, total int) (model.DuplicateEstimate, error) {
	est := model.DuplicateEstimate{SampleSize: len(sample)}
	if len(sample) == 0 {
		return est, nil
	}

	for _, rec := range sample {
		if rec == nil || rec.Contact == nil {
			continue
		}
		if rec.Contact.Email != "" {
			found, err := lookup.FindByEmail(ctx, orgID, rec.Contact.Email)
			if err != nil {
				return model.DuplicateEstimate{}, eris.Wrap(err, "dedup: sample email")
			}
			if len(found) > 0 {
				est.SampleEmailMatches++
			}
		}
		if rec.Contact.Phone != "" {
			found, err := lookup.FindByPhone(ctx, orgID, rec.Contact.Phone)
			if err != nil {
				return model.DuplicateEstimate{}, eris.Wrap(err, "dedup: sample phone")
			}
			if len(found) > 0 {
				est.SamplePhoneMatches++
			}
		}
	}

	est.EmailMatches = Extrapolate(est.SampleEmailMatches, est.SampleSize, total)
	est.PhoneMatches = Extrapolate(est.SamplePhoneMatches, est.SampleSize, total)
	est.Estimated = true
	return est, nil
}

// Extrapolate scales a sample count to the full dataset.
func Extrapolate(matches, sampleSize, total int) int {
	if sampleSize <= 0 {
		return 0
	}
	return int(math.Round(float64(matches) / float64(sampleSize) * float64(total)))
}
