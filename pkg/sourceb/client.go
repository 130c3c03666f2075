// Package sourceb reads customers, jobs, attachments and tasks from Source
// CRM B's page-numbered v2 API using an OAuth bearer token.
package sourceb

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

const documentMultiplier = 2.0

var resources = map[model.EntityType]string{
	model.EntityContact:  "customers",
	model.EntityJob:      "jobs",
	model.EntityDocument: "attachments",
	model.EntityTask:     "tasks",
}

type listResponse struct {
	Data       []map[string]any `json:"data"`
	TotalCount int              `json:"totalCount"`
	HasMore    bool             `json:"hasMore"`
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

// Client implements source.Fetcher for Source B.
type Client struct {
	accessToken string
	baseURL     string
	http        *http.Client
}

// New creates a Source B client.
func New(accessToken string, opts ...Option) *Client {
	c := &Client{
		accessToken: accessToken,
		baseURL:     "https://api.source-b.example.com",
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

func (c *Client) Source() model.Source { return model.SourceB }

func (c *Client) DocumentMultiplier() float64 { return documentMultiplier }

// Fetch requests one page by page number.
func (c *Client) Fetch(ctx context.Context, entity model.EntityType, page, pageSize int) (*source.Page, error) {
	resource, ok := resources[entity]
	if !ok {
		return nil, eris.Errorf("sourceb: unsupported entity %q", entity)
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	reqURL := fmt.Sprintf("%s/v2/%s?%s", c.baseURL, resource, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sourceb: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "sourceb: get %s", resource)
	}
	defer resp.Body.Close() //nolint:errcheck

	if err := source.CheckStatus(resp, "sourceb"); err != nil {
		return nil, err
	}

	var body listResponse
	if err := source.DecodeJSON(resp.Body, &body); err != nil {
		return nil, eris.Wrapf(err, "sourceb: decode %s", resource)
	}
	return &source.Page{
		Records:    source.Records(entity, "id", body.Data),
		TotalCount: body.TotalCount,
	}, nil
}

var _ source.Fetcher = (*Client)(nil)
