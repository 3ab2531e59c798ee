// Package bootstrap assembles the scheduler engine and its
// collaborators from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/schrodinger-ai/imagegen-scheduler/internal/clock"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/config"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/scheduler"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/state"
	"github.com/schrodinger-ai/imagegen-scheduler/internal/worker"
)

// NewScheduler builds the store, worker pool and engine, loads the last
// persisted snapshot and registers any configured seed keys. The pool
// reports back into the engine it serves.
func NewScheduler(ctx context.Context, cfg config.Config) (*scheduler.Engine, *worker.Pool, error) {
	store, err := newStore(cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	artifacts, err := newArtifactStore(cfg.Artifacts)
	if err != nil {
		return nil, nil, err
	}

	clk := clock.System()
	pool := worker.NewPool(worker.PoolOptions{
		Clock:     clk,
		Artifacts: artifacts,
	})
	engine := scheduler.NewEngine(scheduler.Options{
		Clock:   clk,
		Store:   store,
		Workers: pool,
	})
	pool.SetReceiver(engine)

	if err := engine.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load scheduler state: %w", err)
	}
	if seed := cfg.SeedKeyRecords(); len(seed) > 0 {
		// Seeding keys already present is expected across restarts.
		if _, _, err := engine.AddAPIKeys(ctx, seed); err != nil && err != scheduler.ErrAllKeysDuplicate {
			return nil, nil, fmt.Errorf("seed api keys: %w", err)
		}
	}
	return engine, pool, nil
}

func newStore(cfg config.StoreConfig) (state.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return state.NewMemoryStore(), nil
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path is required when store backend is sqlite")
		}
		return state.NewSQLiteStore(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Backend)
	}
}

func newArtifactStore(cfg config.ArtifactConfig) (worker.ArtifactStore, error) {
	switch cfg.Backend {
	case "", "local":
		return worker.NewLocalArtifactStore(cfg.Root), nil
	case "minio":
		return worker.NewMinIOArtifactStore(worker.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported artifact backend %q", cfg.Backend)
	}
}
