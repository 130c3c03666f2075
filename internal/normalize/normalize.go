// Package normalize maps raw source records onto canonical tenant records
// using per-source field-mapping tables.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/source"
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonDigitRe   = regexp.MustCompile(`\D`)
	emailRe      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// Normalizer converts SourceRecords for one tenant and source.
type Normalizer struct {
	orgID   string
	source  model.Source
	mapping *Mapping
}

// New returns a normalizer using the embedded mapping for src.
func New(orgID string, src model.Source) (*Normalizer, error) {
	m, err := MappingFor(src)
	if err != nil {
		return nil, err
	}
	return &Normalizer{orgID: orgID, source: src, mapping: m}, nil
}

// NewWithMapping returns a normalizer using a caller-supplied mapping.
func NewWithMapping(orgID string, m *Mapping) *Normalizer {
	return &Normalizer{orgID: orgID, source: m.Source, mapping: m}
}

// Normalize converts rec. Records missing mandatory fields produce a
// RecordError carrying the source external id instead of a record.
func (n *Normalizer) Normalize(rec model.SourceRecord) (*model.CanonicalRecord, *model.RecordError) {
	sourceID := Text(rec.ExternalID)
	if sourceID == "" {
		return nil, n.fail(rec, model.ErrorKindNormalization, "missing external id")
	}

	out := &model.CanonicalRecord{
		Entity:   rec.Entity,
		OrgID:    n.orgID,
		Source:   n.source,
		SourceID: sourceID,
	}
	get := func(field string) any { return n.mapping.first(rec.Entity, field, rec.Fields) }
	str := func(field string) string { return Text(asString(get(field))) }

	var payload any
	switch rec.Entity {
	case model.EntityContact:
		rawEmail := str("email")
		email := Email(rawEmail)
		c := &model.Contact{
			FirstName:   str("first_name"),
			LastName:    str("last_name"),
			DisplayName: str("display_name"),
			Company:     str("company"),
			Email:       email,
			Phone:       n.phone(rec),
			Address:     address(str),
		}
		if c.DisplayName == "" {
			c.DisplayName = strings.TrimSpace(c.FirstName + " " + c.LastName)
		}
		if c.DisplayName == "" && c.Email == "" {
			if rawEmail != "" {
				return nil, n.fail(rec, model.ErrorKindNormalization, fmt.Sprintf("invalid email %q and no name", rawEmail))
			}
			return nil, n.fail(rec, model.ErrorKindNormalization, "contact has no name and no email")
		}
		if c.DisplayName == "" {
			c.DisplayName = c.Email
		}
		out.Contact = c
		out.DedupKey = c.Email
		if out.DedupKey == "" {
			out.DedupKey = c.Phone
		}
		out.AddressKey = AddressKey(c.Address)
		payload = c

	case model.EntityJob:
		j := &model.Job{
			Name:            str("name"),
			Number:          str("number"),
			Status:          fold(str("status")),
			ContactSourceID: ExternalIDText(get("contact_id")),
			Amount:          asFloat(get("amount")),
			Address:         address(str),
			StartDate:       asTime(get("start_date")),
		}
		if j.Name == "" && j.Number == "" {
			return nil, n.fail(rec, model.ErrorKindNormalization, "job has no name and no number")
		}
		if j.Name == "" {
			j.Name = "Job #" + j.Number
		}
		out.Job = j
		out.AddressKey = AddressKey(j.Address)
		payload = j

	case model.EntityDocument:
		d := &model.Document{
			FileName:    str("file_name"),
			MimeType:    str("mime_type"),
			SizeBytes:   int64(asFloat(get("size_bytes"))),
			JobSourceID: ExternalIDText(get("job_id")),
			RemoteURL:   str("url"),
		}
		if d.FileName == "" {
			return nil, n.fail(rec, model.ErrorKindNormalization, "document has no file name")
		}
		if ext := strings.TrimPrefix(str("file_extension"), "."); ext != "" && path.Ext(d.FileName) == "" {
			d.FileName += "." + ext
		}
		out.Document = d
		payload = d

	case model.EntityTask:
		t := &model.Task{
			Title:       str("title"),
			Description: str("description"),
			DueAt:       asTime(get("due_at")),
			Completed:   asBool(get("completed")),
			JobSourceID: ExternalIDText(get("job_id")),
		}
		if t.Title == "" {
			return nil, n.fail(rec, model.ErrorKindNormalization, "task has no title")
		}
		out.Task = t
		payload = t

	default:
		return nil, n.fail(rec, model.ErrorKindNormalization, fmt.Sprintf("unknown entity %q", rec.Entity))
	}

	out.Fingerprint = Fingerprint(payload)
	return out, nil
}

// Preview returns the raw fields with the source's volatile fields removed,
// for display in preflight samples.
func (n *Normalizer) Preview(rec model.SourceRecord) map[string]any {
	out := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		out[k] = v
	}
	for _, f := range n.mapping.Volatile {
		delete(out, f)
	}
	return out
}

func (n *Normalizer) fail(rec model.SourceRecord, kind model.ErrorKind, reason string) *model.RecordError {
	return &model.RecordError{
		Kind:       kind,
		Entity:     rec.Entity,
		SourceID:   rec.ExternalID,
		Reason:     reason,
		OccurredAt: time.Now().UTC(),
	}
}

// fold case-folds s. Casers are stateful, so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func address(str func(string) string) model.Address {
	return model.Address{
		Street: str("street"),
		City:   str("city"),
		State:  str("state"),
		Zip:    str("zip"),
	}
}

// Text NFC-normalizes s, trims it and collapses internal whitespace.
func Text(s string) string {
	s = norm.NFC.String(s)
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// Email case-folds an address. Malformed addresses normalize to "".
func Email(s string) string {
	s = fold(Text(s))
	if !emailRe.MatchString(s) {
		return ""
	}
	return s
}

// Phone reduces a number to digits. Ten-digit NANP numbers gain a leading 1;
// anything shorter than seven digits normalizes to "".
func Phone(s string) string {
	d := nonDigitRe.ReplaceAllString(s, "")
	switch {
	case len(d) < 7:
		return ""
	case len(d) == 10:
		return "1" + d
	}
	return d
}

// phone picks the first mapped phone that survives normalization, so a junk
// mobile value does not hide a usable home or work number.
func (n *Normalizer) phone(rec model.SourceRecord) string {
	v := n.mapping.firstWhere(rec.Entity, "phone", rec.Fields, func(v any) bool {
		return Phone(Text(asString(v))) != ""
	})
	return Phone(Text(asString(v)))
}

// AddressKey is the lower-cased street|city|state|zip5 fingerprint used for
// low-confidence duplicate matching. Empty without a street and a city or zip.
func AddressKey(a model.Address) string {
	zip := nonDigitRe.ReplaceAllString(a.Zip, "")
	if len(zip) > 5 {
		zip = zip[:5]
	}
	if a.Street == "" || (a.City == "" && zip == "") {
		return ""
	}
	parts := []string{a.Street, a.City, a.State, zip}
	for i, p := range parts {
		parts[i] = fold(Text(p))
	}
	return strings.Join(parts, "|")
}

// Fingerprint hashes the canonical payload so unchanged records can be skipped.
func Fingerprint(payload any) string {
	b, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ExternalIDText renders a reference to another source record as a string.
func ExternalIDText(v any) string {
	if v == nil {
		return ""
	}
	if id := source.ExternalID(v); id != "" {
		return Text(id)
	}
	return Text(fmt.Sprint(v))
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return fmt.Sprint(v)
}

func asFloat(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case int:
		return float64(f)
	case int64:
		return float64(f)
	case json.Number:
		x, _ := f.Float64()
		return x
	case string:
		x, _ := strconv.ParseFloat(strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(f), "$"), ",", ""), 64)
		return x
	}
	return 0
}

func asBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "1", "done", "completed", "complete", "closed":
			return true
		}
	case json.Number:
		return b.String() != "0"
	case float64:
		return b != 0
	}
	return false
}

func asTime(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
