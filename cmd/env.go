package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/crm-migrate/internal/connect"
	"github.com/sells-group/crm-migrate/internal/db"
	"github.com/sells-group/crm-migrate/internal/pipeline"
	"github.com/sells-group/crm-migrate/internal/ratelimit"
	"github.com/sells-group/crm-migrate/internal/store"
	"github.com/sells-group/crm-migrate/internal/vault"
)

// appEnv holds the store and the pipeline built on it.
type appEnv struct {
	Store  *store.Store
	Engine *pipeline.Engine
	Runner *pipeline.Runner
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the configuration for mode and wires the store, vault,
// rate limiters, source clients and pipeline. Callers should defer
// env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.Vault.Key, st)
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "init vault")
	}

	limits := ratelimit.NewRegistry(cfg.Source.RatePerSec, cfg.Source.Burst, ratelimit.RealClock)
	clients := connect.NewFactory(cfg.Source, limits)
	engine := pipeline.New(st, st.Tenant(), clients, v, pipeline.OptionsFromConfig(cfg))

	zap.L().Debug("pipeline environment ready",
		zap.String("store", cfg.Store.Driver),
		zap.Int("page_size", cfg.Source.PageSize),
		zap.Int("write_concurrency", cfg.Pipeline.WriteConcurrency),
	)

	return &appEnv{
		Store:  st,
		Engine: engine,
		Runner: pipeline.NewRunner(engine),
	}, nil
}
