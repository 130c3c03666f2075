// Package salesforce reads CRM records from Salesforce over the REST API.
package salesforce

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/k-capehart/go-salesforce/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
)

// Client defines the Salesforce API operations used by the source adapter.
type Client interface {
	// Query runs a SOQL query and decodes every record into out.
	Query(ctx context.Context, soql string, out any) error
	// Count runs a SELECT COUNT() query and returns totalSize.
	Count(ctx context.Context, soql string) (int, error)
}

type countResponse struct {
	TotalSize int  `json:"totalSize"`
	Done      bool `json:"done"`
}

// sfClient wraps the go-salesforce/v3 Salesforce struct.
//
// NOTE: The underlying go-salesforce/v3 library does not accept context.Context,
// so the per-page timeout cannot interrupt an in-flight call. ctx is checked
// before each request so cancelled work does not start.
type sfClient struct {
	sf *salesforce.Salesforce
}

// NewClient creates a new Salesforce Client wrapping the given go-salesforce instance.
func NewClient(sf *salesforce.Salesforce) Client {
	return &sfClient{sf: sf}
}

// Connect builds a client from an access token and instance URL. The token
// is not validated here; the first query reports a rejected token.
func Connect(accessToken, instanceURL string) (Client, error) {
	sf, err := salesforce.Init(salesforce.Creds{
		AccessToken: accessToken,
		Domain:      instanceURL,
	}, salesforce.WithValidateAuthentication(false))
	if err != nil {
		return nil, eris.Wrap(err, "sf: init")
	}
	return NewClient(sf), nil
}

func (c *sfClient) Query(ctx context.Context, soql string, out any) error {
	if err := ctx.Err(); err != nil {
		return eris.Wrap(err, "sf: query")
	}
	if err := c.sf.Query(soql, out); err != nil {
		return eris.Wrap(classify(err), "sf: query")
	}
	return nil
}

func (c *sfClient) Count(ctx context.Context, soql string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, eris.Wrap(err, "sf: count")
	}
	resp, err := c.sf.DoRequest(http.MethodGet, "/query/?q="+url.QueryEscape(soql), nil)
	if resp != nil {
		defer resp.Body.Close() //nolint:errcheck
		if serr := source.CheckStatus(resp, "sf"); serr != nil {
			return 0, eris.Wrap(serr, "sf: count")
		}
	}
	if err != nil {
		return 0, eris.Wrap(classify(err), "sf: count")
	}

	var body countResponse
	if err := source.DecodeJSON(resp.Body, &body); err != nil {
		return 0, eris.Wrap(err, "sf: decode count")
	}
	return body.TotalSize, nil
}

// classify maps Salesforce error codes found in go-salesforce error text onto
// the source error contract.
func classify(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "INVALID_SESSION_ID"), strings.Contains(msg, "INVALID_AUTH_HEADER"):
		return eris.Wrap(source.ErrUnauthorized, msg)
	case strings.Contains(msg, "REQUEST_LIMIT_EXCEEDED"):
		return resilience.NewTransientError(err, http.StatusTooManyRequests)
	case strings.Contains(msg, "SERVER_UNAVAILABLE"), strings.Contains(msg, "UNABLE_TO_LOCK_ROW"):
		return resilience.NewTransientError(err, http.StatusServiceUnavailable)
	}
	return err
}
