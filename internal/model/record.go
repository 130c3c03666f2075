package model

import (
	"time"
)

// SourceRecord is a raw record as returned by a source adapter. It is never
// persisted as-is.
type SourceRecord struct {
	Entity     EntityType     `json:"entity"`
	ExternalID string         `json:"external_id"`
	Fields     map[string]any `json:"fields"`
}

// Address is a postal address in canonical form.
type Address struct {
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// IsZero reports whether no address component is set.
func (a Address) IsZero() bool {
	return a.Street == "" && a.City == "" && a.State == "" && a.Zip == ""
}

// Contact is the canonical contact shape.
type Contact struct {
	FirstName   string  `json:"first_name,omitempty"`
	LastName    string  `json:"last_name,omitempty"`
	DisplayName string  `json:"display_name"`
	Company     string  `json:"company,omitempty"`
	Email       string  `json:"email,omitempty"`
	Phone       string  `json:"phone,omitempty"`
	Address     Address `json:"address"`
}

// Job is the canonical job (work order / opportunity) shape.
type Job struct {
	Name            string     `json:"name"`
	Number          string     `json:"number,omitempty"`
	Status          string     `json:"status,omitempty"`
	ContactSourceID string     `json:"contact_source_id,omitempty"`
	Amount          float64    `json:"amount,omitempty"`
	Address         Address    `json:"address"`
	StartDate       *time.Time `json:"start_date,omitempty"`
}

// Document is canonical document metadata. File bytes are not migrated.
type Document struct {
	FileName    string `json:"file_name"`
	MimeType    string `json:"mime_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
	JobSourceID string `json:"job_source_id,omitempty"`
	RemoteURL   string `json:"remote_url,omitempty"`
}

// Task is the canonical task shape.
type Task struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Completed   bool       `json:"completed"`
	JobSourceID string     `json:"job_source_id,omitempty"`
}

// CanonicalRecord is a normalized record. Exactly one of the typed variants
// is set, matching Entity.
type CanonicalRecord struct {
	Entity      EntityType `json:"entity"`
	OrgID       string     `json:"org_id"`
	Source      Source     `json:"source"`
	SourceID    string     `json:"source_id"`
	DedupKey    string     `json:"dedup_key,omitempty"`
	AddressKey  string     `json:"address_key,omitempty"`
	Fingerprint string     `json:"fingerprint"`

	Contact  *Contact  `json:"contact,omitempty"`
	Job      *Job      `json:"job,omitempty"`
	Document *Document `json:"document,omitempty"`
	Task     *Task     `json:"task,omitempty"`
}

// MatchKind names the key a duplicate was matched on.
type MatchKind string

const (
	MatchExternalID MatchKind = "external_id"
	MatchEmail      MatchKind = "email"
	MatchPhone      MatchKind = "phone"
	MatchAddress    MatchKind = "address"
)

// Confidence returns the fixed confidence assigned to a match kind.
func (k MatchKind) Confidence() float64 {
	switch k {
	case MatchExternalID, MatchEmail:
		return 1.0
	case MatchPhone:
		return 0.9
	case MatchAddress:
		return 0.6
	}
	return 0
}

// ExistingRecord is the slice of a stored tenant record the detector needs.
type ExistingRecord struct {
	ID          string    `json:"id"`
	Fingerprint string    `json:"fingerprint"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DuplicateMatch links an incoming record to an existing tenant record.
type DuplicateMatch struct {
	Record           *CanonicalRecord `json:"record"`
	ExistingRecordID string           `json:"existing_record_id"`
	MatchedOn        MatchKind        `json:"matched_on"`
	Confidence       float64          `json:"confidence"`
	Unchanged        bool             `json:"unchanged"`
	TieBroken        bool             `json:"tie_broken"`
	Candidates       int              `json:"candidates"`
}
