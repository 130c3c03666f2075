// Package connect builds rate-limited, retrying source clients for a tenant
// from stored credentials.
package connect

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crm-migrate/internal/config"
	"github.com/sells-group/crm-migrate/internal/model"
	"github.com/sells-group/crm-migrate/internal/ratelimit"
	"github.com/sells-group/crm-migrate/internal/resilience"
	"github.com/sells-group/crm-migrate/internal/source"
	"github.com/sells-group/crm-migrate/internal/vault"
	"github.com/sells-group/crm-migrate/pkg/salesforce"
	"github.com/sells-group/crm-migrate/pkg/sourcea"
	"github.com/sells-group/crm-migrate/pkg/sourceb"
)

// ErrMissingCredentials is returned when the credentials a source needs are absent.
var ErrMissingCredentials = eris.New("connect: missing credentials")

// Factory creates source clients. Clients for the same (orgId, source) share
// one token bucket.
type Factory struct {
	cfg    config.SourceConfig
	limits *ratelimit.Registry
	opts   source.Options
}

// NewFactory returns a factory using cfg for endpoints and retry policy.
func NewFactory(cfg config.SourceConfig, limits *ratelimit.Registry) *Factory {
	retry := resilience.SourceRetryConfig()
	if cfg.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	opts := source.Options{Retry: retry, PageTimeout: time.Duration(cfg.PageTimeoutSecs) * time.Second}
	return &Factory{cfg: cfg, limits: limits, opts: opts}
}

// Client returns a source client for orgID authenticated with creds.
func (f *Factory) Client(orgID string, src model.Source, creds vault.Credentials) (source.Client, error) {
	fetcher, err := f.fetcher(src, creds)
	if err != nil {
		return nil, err
	}
	return source.New(fetcher, f.limits.Bucket(orgID, src), f.opts), nil
}

func (f *Factory) fetcher(src model.Source, creds vault.Credentials) (source.Fetcher, error) {
	switch src {
	case model.SourceA:
		if creds.APIKey == "" {
			return nil, eris.Wrap(ErrMissingCredentials, "source_a requires an api key")
		}
		var opts []sourcea.Option
		if f.cfg.SourceABaseURL != "" {
			opts = append(opts, sourcea.WithBaseURL(f.cfg.SourceABaseURL))
		}
		return sourcea.New(creds.APIKey, opts...), nil
	case model.SourceB:
		if creds.AccessToken == "" {
			return nil, eris.Wrap(ErrMissingCredentials, "source_b requires an access token")
		}
		var opts []sourceb.Option
		if f.cfg.SourceBBaseURL != "" {
			opts = append(opts, sourceb.WithBaseURL(f.cfg.SourceBBaseURL))
		}
		return sourceb.New(creds.AccessToken, opts...), nil
	case model.SourceSalesforce:
		if creds.AccessToken == "" || creds.InstanceURL == "" {
			return nil, eris.Wrap(ErrMissingCredentials, "salesforce requires an access token and instance url")
		}
		c, err := salesforce.Connect(creds.AccessToken, creds.InstanceURL)
		if err != nil {
			return nil, err
		}
		return salesforce.NewSource(c), nil
	default:
		return nil, eris.Errorf("connect: unsupported source %q", src)
	}
}
