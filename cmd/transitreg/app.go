package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"transitreg/internal/adapters/changesets"
	"transitreg/internal/blob"
	"transitreg/internal/config"
	"transitreg/internal/core"
)

type app struct {
	cfg     config.Config
	svc     *core.Service
	gateway *changesets.Gateway
	archive *core.Archive
	metrics *core.PrometheusMetrics
	logger  *logrus.Logger
	closers []func() error
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: cfg.Logger(), metrics: core.NewPrometheusMetrics()}
	logger := core.NewLogrusLogger(a.logger)

	store, closeStore, err := core.OpenPersistentStore(ctx, cfg.Storage())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.closers = append(a.closers, closeStore)

	blobs, err := blob.Open(ctx, cfg.Blob())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open archive: %w", err)
	}

	a.archive = core.NewArchive(blobs)
	a.svc = core.NewService(store,
		core.WithLogger(logger),
		core.WithMetricsRecorder(a.metrics),
		core.WithAuditRecorder(core.NewLoggingAuditRecorder(logger)),
		core.WithArchive(a.archive),
		core.WithStorageTimeout(cfg.StorageTimeout),
		core.WithRulesEngine(core.NewDefaultRulesEngine(cfg.StopDistanceThreshold)),
	)

	var cache changesets.StatusCache
	if cfg.RedisAddr != "" {
		redisCache, err := changesets.OpenRedisStatusCache(ctx, cfg.RedisAddr)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, redisCache.Close)
		cache = redisCache
	} else {
		cache = changesets.NewMemoryStatusCache(nil)
	}
	a.gateway = changesets.NewGateway(a.svc, cache,
		changesets.WithWorkers(cfg.ApplyWorkers),
		changesets.WithStatusTTL(cfg.ApplyStatusTTL),
		changesets.WithLogger(logger),
	)
	a.gateway.RegisterMetrics(a.metrics.Registry())
	a.svc.UseAsyncGateway(a.gateway)
	return a, nil
}

// Close drains the apply pool before releasing caches and storage.
func (a *app) Close() error {
	if a.gateway != nil {
		a.gateway.Stop()
		a.gateway = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
