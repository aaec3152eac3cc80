package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/verifiedmeasure/leadvault/archive"
	"github.com/verifiedmeasure/leadvault/config"
	"github.com/verifiedmeasure/leadvault/entitlement"
	"github.com/verifiedmeasure/leadvault/leads"
	"github.com/verifiedmeasure/leadvault/lock"
	"github.com/verifiedmeasure/leadvault/logger"
	"github.com/verifiedmeasure/leadvault/metrics"
	"github.com/verifiedmeasure/leadvault/staging"
	"github.com/verifiedmeasure/leadvault/store/postgres"
	"github.com/verifiedmeasure/leadvault/store/sqlite"
)

// backend is what a store package hands the services.
type backend interface {
	leads.Store
	Entitlements() entitlement.TxStore
	Staging() staging.TxStore
	Close() error
}

// app is one process worth of wired services.
type app struct {
	cfg     config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	entitlements *entitlement.Service
	staging      *staging.Service

	closers []func() error
}

// openApp wires config -> logger -> store -> locker -> archive -> services.
func openApp(ctx context.Context, cfg config.Config) (*app, error) {
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	st, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, st.Close)

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rl, rdb, err := lock.Dial(ctx, cfg.RedisAddr, cfg.LockTTL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		locker = rl
		log.Info("using redis locker", "addr", cfg.RedisAddr)
	}

	arch, err := archive.Open(ctx, cfg.Archive)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("archive: %w", err)
	}

	required, err := staging.ParseRequired(cfg.RequiredFields)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.entitlements = entitlement.NewService(st.Entitlements(), st,
		entitlement.WithLocker(locker),
		entitlement.WithLogger(log.With("service", "entitlement")),
		entitlement.WithRecorder(a.metrics),
	)
	stagingOpts := []staging.Option{
		staging.WithValidator(staging.NewValidator(required, cfg.PhoneRegion)),
		staging.WithLocker(locker),
		staging.WithLogger(log.With("service", "staging")),
		staging.WithRecorder(a.metrics),
		staging.WithChunkSize(cfg.ChunkSize),
	}
	if arch != nil {
		stagingOpts = append(stagingOpts, staging.WithArchive(arch))
	}
	a.staging = staging.NewService(st.Staging(), stagingOpts...)

	log.Debug("app ready", "db_driver", cfg.DBDriver, "archive", cfg.Archive.Driver, "chunk_size", cfg.ChunkSize)
	return a, nil
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DBDriver {
	case "sqlite":
		st, err := sqlite.New(ctx, cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		return st, nil
	case "postgres":
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.log.Sync()
	return errors.Join(errs...)
}
