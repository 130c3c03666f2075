package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/crm-migrate/internal/model"
)

func newNormalizer(t *testing.T, src model.Source) *Normalizer {
	t.Helper()
	n, err := New("org-1", src)
	require.NoError(t, err)
	return n
}

func TestEmbeddedMappingsLoad(t *testing.T) {
	for _, src := range model.Sources() {
		m, err := MappingFor(src)
		require.NoError(t, err, src)
		assert.Equal(t, src, m.Source)
	}
	_, err := MappingFor(model.Source("hubspot"))
	assert.Error(t, err)
}

func TestParseMapping_Rejects(t *testing.T) {
	tests := []struct {
		name, yaml, want string
	}{
		{"bad yaml", "source: [", "parse mapping"},
		{"unknown source", "source: hubspot\nentities: {}", "unknown source"},
		{"missing entity", "source: source_a\nentities:\n  contact: {email: [email]}", "no job entity"},
		{"unknown field", `source: source_a
entities:
  contact: {email: [email], shoe_size: [shoe]}
  job: {}
  document: {}
  task: {}`, "unknown fields shoe_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMapping([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNormalize_SourceAContact(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	rec, rerr := n.Normalize(model.SourceRecord{
		Entity:     model.EntityContact,
		ExternalID: "c-1",
		Fields: map[string]any{
			"firstName": "  Jane ",
			"lastName":  "Doe",
			"email":     "Jane.Doe@Example.COM",
			"phones":    map[string]any{"home": "(512) 555-0100", "work": "512-555-9999"},
			"address":   map[string]any{"street": "1  Main St", "city": "Austin", "state": "TX", "zip": "78701-1234"},
		},
	})
	require.Nil(t, rerr)
	require.NotNil(t, rec.Contact)
	assert.Equal(t, "Jane Doe", rec.Contact.DisplayName)
	assert.Equal(t, "jane.doe@example.com", rec.Contact.Email)
	assert.Equal(t, "15125550100", rec.Contact.Phone, "home wins when mobile is absent")
	assert.Equal(t, "jane.doe@example.com", rec.DedupKey)
	assert.Equal(t, "1 main st|austin|tx|78701", rec.AddressKey)
	assert.Equal(t, "org-1", rec.OrgID)
	assert.Equal(t, model.SourceA, rec.Source)
	assert.Equal(t, "c-1", rec.SourceID)
	assert.Len(t, rec.Fingerprint, 64)
}

func TestNormalize_PhonePrecedenceAndDedupFallback(t *testing.T) {
	n := newNormalizer(t, model.SourceB)
	rec, rerr := n.Normalize(model.SourceRecord{
		Entity:     model.EntityContact,
		ExternalID: "cus_9",
		Fields: map[string]any{
			"name": "Acme Plumbing",
			"contact": map[string]any{
				"mobilePhone": "+44 20 7946 0958",
				"homePhone":   "512 555 0100",
			},
		},
	})
	require.Nil(t, rerr)
	assert.Equal(t, "442079460958", rec.Contact.Phone)
	assert.Equal(t, "442079460958", rec.DedupKey, "phone is the dedup key without an email")
	assert.Empty(t, rec.AddressKey)
}

func TestNormalize_MandatoryFields(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	tests := []struct {
		name   string
		rec    model.SourceRecord
		kind   model.ErrorKind
		reason string
	}{
		{"no external id", model.SourceRecord{Entity: model.EntityContact, Fields: map[string]any{"email": "a@b.co"}},
			model.ErrorKindNormalization, "missing external id"},
		{"contact without name or email", model.SourceRecord{Entity: model.EntityContact, ExternalID: "c1", Fields: map[string]any{"phone": "5125550100"}},
			model.ErrorKindNormalization, "no name and no email"},
		{"contact with only a bad email", model.SourceRecord{Entity: model.EntityContact, ExternalID: "c2", Fields: map[string]any{"email": "not-an-email"}},
			model.ErrorKindNormalization, "invalid email \"not-an-email\" and no name"},
		{"job without name or number", model.SourceRecord{Entity: model.EntityJob, ExternalID: "j1", Fields: map[string]any{"status": "open"}},
			model.ErrorKindNormalization, "no name and no number"},
		{"document without file name", model.SourceRecord{Entity: model.EntityDocument, ExternalID: "d1", Fields: map[string]any{}},
			model.ErrorKindNormalization, "no file name"},
		{"task without title", model.SourceRecord{Entity: model.EntityTask, ExternalID: "t1", Fields: map[string]any{"notes": "x"}},
			model.ErrorKindNormalization, "no title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, rerr := n.Normalize(tt.rec)
			assert.Nil(t, rec)
			require.NotNil(t, rerr)
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Equal(t, tt.rec.ExternalID, rerr.SourceID)
			assert.Contains(t, rerr.Reason, tt.reason)
		})
	}
}

func TestNormalize_PhoneSkipsJunkCandidates(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	tests := []struct {
		name   string
		phones map[string]any
		want   string
	}{
		{"junk mobile falls through to work", map[string]any{"mobile": "n/a", "work": "512-555-9999"}, "15125559999"},
		{"short mobile falls through to home", map[string]any{"mobile": "555", "home": "(512) 555-0100"}, "15125550100"},
		{"valid mobile wins", map[string]any{"mobile": "512.555.0001", "home": "(512) 555-0100"}, "15125550001"},
		{"nothing usable", map[string]any{"mobile": "none", "work": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, rerr := n.Normalize(model.SourceRecord{
				Entity: model.EntityContact, ExternalID: "c-1",
				Fields: map[string]any{"firstName": "Jane", "phones": tt.phones},
			})
			require.Nil(t, rerr)
			assert.Equal(t, tt.want, rec.Contact.Phone)
		})
	}
}

func TestNormalize_ContactEmailOnly(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	rec, rerr := n.Normalize(model.SourceRecord{
		Entity: model.EntityContact, ExternalID: "c1",
		Fields: map[string]any{"emails": []any{"Solo@Example.com"}},
	})
	require.Nil(t, rerr)
	assert.Equal(t, "solo@example.com", rec.Contact.DisplayName)
}

func TestNormalize_Job(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	rec, rerr := n.Normalize(model.SourceRecord{
		Entity: model.EntityJob, ExternalID: "42",
		Fields: map[string]any{
			"jobNumber":      json.Number("1007"),
			"status":         "Scheduled",
			"contactId":      json.Number("9007199254740993"),
			"totalAmount":    "$1,250.50",
			"scheduledStart": "2026-05-01",
		},
	})
	require.Nil(t, rerr)
	assert.Equal(t, "Job #1007", rec.Job.Name)
	assert.Equal(t, "scheduled", rec.Job.Status)
	assert.Equal(t, "9007199254740993", rec.Job.ContactSourceID)
	assert.InDelta(t, 1250.50, rec.Job.Amount, 0.001)
	require.NotNil(t, rec.Job.StartDate)
	assert.Equal(t, 2026, rec.Job.StartDate.Year())
	assert.Empty(t, rec.DedupKey, "jobs only match on external id")
}

func TestNormalize_SalesforceDocumentAndTask(t *testing.T) {
	n := newNormalizer(t, model.SourceSalesforce)
	doc, rerr := n.Normalize(model.SourceRecord{
		Entity: model.EntityDocument, ExternalID: "069A",
		Fields: map[string]any{"Title": "Invoice 17", "FileExtension": "pdf", "FileType": "PDF", "ContentSize": float64(2048)},
	})
	require.Nil(t, rerr)
	assert.Equal(t, "Invoice 17.pdf", doc.Document.FileName)
	assert.Equal(t, int64(2048), doc.Document.SizeBytes)

	task, rerr := n.Normalize(model.SourceRecord{
		Entity: model.EntityTask, ExternalID: "00T1",
		Fields: map[string]any{"Subject": "Call back", "IsClosed": true, "ActivityDate": "2026-06-30", "WhatId": "006X"},
	})
	require.Nil(t, rerr)
	assert.True(t, task.Task.Completed)
	assert.Equal(t, "006X", task.Task.JobSourceID)
	require.NotNil(t, task.Task.DueAt)
}

func TestNormalize_FingerprintStableAndSensitive(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	src := model.SourceRecord{
		Entity: model.EntityContact, ExternalID: "c1",
		Fields: map[string]any{"displayName": "Café Owner", "email": "owner@cafe.test", "updatedAt": "2026-01-01"},
	}
	a, _ := n.Normalize(src)
	src.Fields["updatedAt"] = "2026-02-02"
	b, _ := n.Normalize(src)
	assert.Equal(t, a.Fingerprint, b.Fingerprint, "unmapped fields do not change the fingerprint")

	// NFD input normalizes to the same NFC text.
	src.Fields["displayName"] = "Cafe\u0301 Owner"
	c, _ := n.Normalize(src)
	assert.Equal(t, a.Fingerprint, c.Fingerprint)

	src.Fields["displayName"] = "Cafe Owner"
	d, _ := n.Normalize(src)
	assert.NotEqual(t, a.Fingerprint, d.Fingerprint)
}

func TestPreview_StripsVolatile(t *testing.T) {
	n := newNormalizer(t, model.SourceA)
	fields := map[string]any{"firstName": "Jane", "updatedAt": "x", "etag": "y"}
	p := n.Preview(model.SourceRecord{Entity: model.EntityContact, ExternalID: "c1", Fields: fields})
	assert.Equal(t, map[string]any{"firstName": "Jane"}, p)
	assert.Contains(t, fields, "etag", "input is not mutated")
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "", Phone("555-01"))
	assert.Equal(t, "15125550100", Phone("512.555.0100"))
	assert.Equal(t, "15125550100", Phone("+1 (512) 555-0100"))
	assert.Equal(t, "", Email("bob@"))
	assert.Equal(t, "", AddressKey(model.Address{City: "Austin", Zip: "78701"}))
	assert.Equal(t, "", AddressKey(model.Address{Street: "1 Main"}))
	assert.Equal(t, "1 main|||78701", AddressKey(model.Address{Street: "1 Main", Zip: "78701"}))
	assert.Equal(t, "a b", Text("  a \t\n b "))
}
