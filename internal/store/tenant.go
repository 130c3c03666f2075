package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/model"
)

type recordRepo struct {
	s       *Store
	table   string
	entity  model.EntityType
	indexed func(rec *model.CanonicalRecord) ([]string, []any)
}

func (r *recordRepo) FindByExternalID(ctx context.Context, orgID string, source model.Source, sourceID string) (*model.ExistingRecord, error) {
	var rec model.ExistingRecord
	err := r.s.db.QueryRow(ctx, `SELECT id, fingerprint, updated_at FROM `+r.table+`
		WHERE org_id = $1 AND source = $2 AND source_id = $3`,
		orgID, string(source), sourceID,
	).Scan(&rec.ID, &rec.Fingerprint, &rec.UpdatedAt)
	if errors.Is(err, db.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "store: find %s by external id", r.entity)
	}
	return &rec, nil
}

func (r *recordRepo) UpsertByExternalID(ctx context.Context, rec *model.CanonicalRecord, matchedID string) (string, error) {
	payload, err := recordPayload(r.entity, rec)
	if err != nil {
		return "", err
	}
	now := r.s.now()

	cols := []string{"source", "source_id", "fingerprint", "payload", "updated_at"}
	vals := []any{string(rec.Source), rec.SourceID, rec.Fingerprint, payload, now}
	if r.indexed != nil {
		extraCols, extraVals := r.indexed(rec)
		cols = append(cols, extraCols...)
		vals = append(vals, extraVals...)
	}

	if matchedID != "" {
		// A record already keyed by this source keeps its external id, so the
		// source record that created it still matches it by idempotency key.
		sets := make([]string, len(cols))
		for i, c := range cols {
			sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
			if c == "source_id" {
				sets[i] = fmt.Sprintf("source_id = CASE WHEN source = $1 AND source_id <> '' THEN source_id ELSE $%d END", i+1)
			}
		}
		args := append(vals, matchedID, rec.OrgID)
		n, err := r.s.db.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d AND org_id = $%d`,
			r.table, strings.Join(sets, ", "), len(vals)+1, len(vals)+2), args...)
		if err != nil {
			return "", eris.Wrapf(err, "store: update %s %s", r.entity, matchedID)
		}
		if n == 0 {
			return "", eris.Wrapf(ErrNotFound, "store: update %s %s", r.entity, matchedID)
		}
		return matchedID, nil
	}

	insertCols := append([]string{"id", "org_id", "created_at"}, cols...)
	args := append([]any{uuid.New().String(), rec.OrgID, now}, vals...)
	placeholders := make([]string, len(insertCols))
	for i := range insertCols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	var updates []string
	for _, c := range cols {
		if c == "source" || c == "source_id" {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}

	var id string
	err = r.s.db.QueryRow(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)
		ON CONFLICT (org_id, source, source_id) DO UPDATE SET %s
		RETURNING id`,
		r.table, strings.Join(insertCols, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", ")),
		args...,
	).Scan(&id)
	if err != nil {
		return "", eris.Wrapf(err, "store: upsert %s %s", r.entity, rec.SourceID)
	}
	return id, nil
}

type contactRepo struct {
	recordRepo
}

// contactLookups are the columns duplicate detection queries.
func contactLookups(rec *model.CanonicalRecord) ([]string, []any) {
	return []string{"email", "phone", "address_key"}, []any{rec.Contact.Email, rec.Contact.Phone, rec.AddressKey}
}

func (r *contactRepo) FindByEmail(ctx context.Context, orgID, email string) ([]model.ExistingRecord, error) {
	return r.findBy(ctx, "email", orgID, email)
}

func (r *contactRepo) FindByPhone(ctx context.Context, orgID, phone string) ([]model.ExistingRecord, error) {
	return r.findBy(ctx, "phone", orgID, phone)
}

func (r *contactRepo) FindByAddressKey(ctx context.Context, orgID, key string) ([]model.ExistingRecord, error) {
	return r.findBy(ctx, "address_key", orgID, key)
}

// findBy returns candidates most recently updated first.
func (r *contactRepo) findBy(ctx context.Context, column, orgID, value string) ([]model.ExistingRecord, error) {
	if value == "" {
		return nil, nil
	}
	rows, err := r.s.db.Query(ctx, `SELECT id, fingerprint, updated_at FROM contacts
		WHERE org_id = $1 AND `+column+` = $2 ORDER BY updated_at DESC, id`, orgID, value)
	if err != nil {
		return nil, eris.Wrapf(err, "store: find contacts by %s", column)
	}
	defer rows.Close()

	var out []model.ExistingRecord
	for rows.Next() {
		var rec model.ExistingRecord
		if err := rows.Scan(&rec.ID, &rec.Fingerprint, &rec.UpdatedAt); err != nil {
			return nil, eris.Wrapf(err, "store: scan contact by %s", column)
		}
		out = append(out, rec)
	}
	return out, eris.Wrapf(rows.Err(), "store: find contacts by %s", column)
}

func recordPayload(entity model.EntityType, rec *model.CanonicalRecord) ([]byte, error) {
	if rec.Entity != entity {
		return nil, eris.Errorf("store: %s record written to %s repository", rec.Entity, entity)
	}
	var v any
	switch {
	case entity == model.EntityContact && rec.Contact != nil:
		v = rec.Contact
	case entity == model.EntityJob && rec.Job != nil:
		v = rec.Job
	case entity == model.EntityDocument && rec.Document != nil:
		v = rec.Document
	case entity == model.EntityTask && rec.Task != nil:
		v = rec.Task
	default:
		return nil, eris.Errorf("store: %s %s has no payload", entity, rec.SourceID)
	}
	b, err := json.Marshal(v)
	return b, eris.Wrapf(err, "store: marshal %s payload", entity)
}
