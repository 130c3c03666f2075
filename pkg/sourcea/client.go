// Package sourcea reads contacts, jobs, files and tasks from Source CRM A's
// offset-paginated REST API using an account API key.
package sourcea

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/source"
)

// documentMultiplier is the observed files-per-job ratio on Source A accounts.
const documentMultiplier = 3.0

var resources = map[model.EntityType]string{
	model.EntityContact:  "contacts",
	model.EntityJob:      "jobs",
	model.EntityDocument: "files",
	model.EntityTask:     "tasks",
}

type listResponse struct {
	Count   int              `json:"count"`
	Results []map[string]any `json:"results"`
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client implements source.Fetcher for Source A.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// New creates a Source A client.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: "https://api.source-a.example.com",
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Source() model.Source { return model.SourceA }

func (c *Client) DocumentMultiplier() float64 { return documentMultiplier }

// Fetch requests one page. Source A paginates by record offset.
func (c *Client) Fetch(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	resource, ok := resources[entity]
	if !ok {
		return nil, eris.Errorf("sourcea: unsupported entity %q", entity)
	}
	q := url.Values{}
	q.Set("from", strconv.Itoa((page-1)*pageSize))
	q.Set("size", strconv.Itoa(pageSize))
	reqURL := fmt.Sprintf("%s/api/v1/%s?%s", c.baseURL, resource, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sourcea: create request")
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "sourcea: get %s", resource)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := source.CheckStatus(resp, "sourcea"); err != nil {
		return nil, err
	}

	var body listResponse
	if err := source.DecodeJSON(resp.Body, &body); err != nil {
		return nil, eris.Wrapf(err, "sourcea: decode %s", resource)
	}
	return &source.Page{
		Records:    source.Records(entity, "id", body.Results),
		TotalCount: body.Count,
	}, nil
}

var _ source.Fetcher = (*Client)(nil)
