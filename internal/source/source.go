// Package source defines the contract every third-party CRM adapter
// satisfies and wraps adapters with rate limiting, retries and per-page
// timeouts.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/resilience"
)

// ErrUnauthorized is returned when the source rejects the credentials (401/403).
var ErrUnauthorized = eris.New("source: unauthorized")

// Page is one page of raw records plus the source's reported total.
type Page struct {
	Records    []model.SourceRecord
	TotalCount int
}

// PageError reports a page that could not be fetched after retries.
type PageError struct {
	Kind     model.ErrorKind
	Entity   model.EntityType
	Page     int
	Attempts int
	Err      error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("source: %s page %d: %s after %d attempt(s): %v", e.Entity, e.Page, e.Kind, e.Attempts, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }

// Fetcher performs a single page request against a vendor API. Pages are
// 1-based. Implementations return ErrUnauthorized for rejected credentials
// and a *resilience.TransientError for statuses worth retrying.
type Fetcher interface {
	Source() model.Source
	Fetch(ctx context.Context, entity model.EntityType, page, pageSize int) (*Page, error)
	// DocumentMultiplier estimates documents per job when the source has no
	// cheap document count.
	DocumentMultiplier() float64
}

// Client is the contract the pipeline uses to read a source CRM.
type Client interface {
	Source() model.Source
	ValidateCredentials(ctx context.Context) model.ConnectionResult
	List(ctx context.Context, entity model.EntityType, page, pageSize int) (*Page, error)
	ListContacts(ctx context.Context, page, pageSize int) (*Page, error)
	ListJobs(ctx context.Context, page, pageSize int) (*Page, error)
	ListDocuments(ctx context.Context, page, pageSize int) (*Page, error)
	ListTasks(ctx context.Context, page, pageSize int) (*Page, error)
	DocumentMultiplier() float64
}

// CheckStatus maps a vendor HTTP response status onto the error contract
// Fetchers share. The body is read for the message and left for the caller
// to close.
func CheckStatus(resp *http.Response, vendor string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return eris.Wrapf(ErrUnauthorized, "%s: status %d", vendor, resp.StatusCode)
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return resilience.FromResponse(resp, eris.Errorf("%s: status %d: %s", vendor, resp.StatusCode, string(body)))
	default:
		return eris.Errorf("%s: unexpected status %d: %s", vendor, resp.StatusCode, string(body))
	}
}
