package source

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/ratelimit"
	"github.com/sells-group/crm-migrate/internal/resilience"
)

// validationPageSize is the page size used to probe credentials.
const validationPageSize = 5

// Options tunes the wrapping client.
type Options struct {
	Retry       resilience.RetryConfig
	PageTimeout time.Duration
}

// DefaultOptions returns the production retry policy and a 30s page timeout.
func DefaultOptions() Options {
	return Options{Retry: resilience.SourceRetryConfig(), PageTimeout: 30 * time.Second}
}

type client struct {
	fetcher Fetcher
	bucket  *ratelimit.Bucket
	opts    Options
	log     *zap.Logger
}

// New wraps f so every call waits on bucket, retries transient failures and
// runs each attempt under its own timeout.
func New(f Fetcher, bucket *ratelimit.Bucket, opts Options) Client {
	if opts.PageTimeout <= 0 {
		opts.PageTimeout = 30 * time.Second
	}
	log := zap.L().With(zap.String("source", string(f.Source())))
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger(log, "source fetch")
	}
	return &client{fetcher: f, bucket: bucket, opts: opts, log: log}
}

func (c *client) Source() model.Source { return c.fetcher.Source() }

func (c *client) DocumentMultiplier() float64 { return c.fetcher.DocumentMultiplier() }

// ValidateCredentials lists the first contacts page. Failures are reported in
// the result, never as an error.
func (c *client) ValidateCredentials(ctx context.Context) model.ConnectionResult {
	if _, err := c.ListContacts(ctx, 1, validationPageSize); err != nil {
		msg := err.Error()
		if errors.Is(err, ErrUnauthorized) {
			msg = "invalid credentials: the source rejected the supplied key or token"
		}
		return model.ConnectionResult{OK: false, Error: msg}
	}
	return model.ConnectionResult{OK: true}
}

// List fetches one page. Rejected credentials return ErrUnauthorized;
// a page that keeps failing returns *PageError; a done ctx returns its error.
func (c *client) List(ctx context.Context, entity model.EntityType, page, pageSize int) (*Page, error) {
	attempts := 0
	p, err := resilience.DoVal(ctx, c.opts.Retry, func(ctx context.Context) (*Page, error) {
		attempts++
		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}
		actx, cancel := context.WithTimeout(ctx, c.opts.PageTimeout)
		defer cancel()
		p, err := c.fetcher.Fetch(actx, entity, page, pageSize)
		if err != nil {
			if resilience.IsRateLimited(err) {
				c.bucket.OnRateLimit()
			}
			return nil, err
		}
		c.bucket.OnSuccess()
		return p, nil
	})
	if err == nil {
		return p, nil
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return nil, err
	case ctx.Err() != nil:
		return nil, eris.Wrapf(ctx.Err(), "source: list %s page %d", entity, page)
	}

	kind := model.ErrorKindSourceUnavailable
	if resilience.IsRateLimited(err) {
		kind = model.ErrorKindRateLimit
	}
	c.log.Warn("source: page failed",
		zap.String("entity", string(entity)),
		zap.Int("page", page),
		zap.Int("attempts", attempts),
		zap.Error(err),
	)
	return nil, &PageError{Kind: kind, Entity: entity, Page: page, Attempts: attempts, Err: err}
}

func (c *client) ListContacts(ctx context.Context, page, pageSize int) (*Page, error) {
	return c.List(ctx, model.EntityContact, page, pageSize)
}

func (c *client) ListJobs(ctx context.Context, page, pageSize int) (*Page, error) {
	return c.List(ctx, model.EntityJob, page, pageSize)
}

func (c *client) ListDocuments(ctx context.Context, page, pageSize int) (*Page, error) {
	return c.List(ctx, model.EntityDocument, page, pageSize)
}

func (c *client) ListTasks(ctx context.Context, page, pageSize int) (*Page, error) {
	return c.List(ctx, model.EntityTask, page, pageSize)
}
