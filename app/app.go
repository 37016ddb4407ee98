// Package app wires configuration into the stores, feeds and repository
// shared by the dashboard binaries.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-dashboard/config"
	"prism-dashboard/gateway"
	"prism-dashboard/repository"
	"prism-dashboard/storage"
)

// cachedEntities are read on nearly every request and rarely written.
var cachedEntities = []gateway.Entity{gateway.Profiles, gateway.NotificationPreferences}

// Runtime holds the long-lived dependencies of one process.
type Runtime struct {
	Config   *config.Config
	Logger   *log.Logger
	Registry *prometheus.Registry
	Redis    *redis.Client
	Gateway  *gateway.Client
	Repo     *repository.Repository

	store       gateway.Store
	provisioner interface{ Provision(context.Context) error }
	closers     []func() error
}

// Open connects to the configured store and, when configured, Redis. Redis
// adds query caching and cross-instance change fan-out; without it changes
// only reach subscribers in this process.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	rt := &Runtime{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	rt.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		db, err := storage.OpenSQLite(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		rt.store = db
		rt.closers = append(rt.closers, db.Close)
	case config.DriverTables:
		tables, err := storage.NewTables(cfg.Storage.ConnectionString, cfg.Storage.TablePrefix)
		if err != nil {
			return nil, fmt.Errorf("table storage: %w", err)
		}
		rt.store = tables
		rt.provisioner = tables
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	var feed gateway.Feed = gateway.NewBroker()
	store := rt.store
	if cfg.Redis.ConnectionString != "" {
		opts, err := config.RedisOptions(cfg.Redis.ConnectionString)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rc := redis.NewClient(opts)
		rt.closers = append(rt.closers, rc.Close)
		if err := rc.Ping(ctx).Err(); err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		rt.Redis = rc
		store = storage.NewCache(store, rc, cfg.Redis.ProfileCacheTTL, cachedEntities...)
		feed = gateway.NewRedisFeed(rc, cfg.Redis.ChangesChannel+":", logger)
	} else {
		logger.Warn("redis not configured; live updates stay within this process")
	}

	rt.Gateway = gateway.NewClient(store, feed,
		gateway.WithMetrics(gateway.NewMetrics(rt.Registry)),
		gateway.WithLogger(logger),
	)
	rt.Repo = repository.New(rt.Gateway)
	return rt, nil
}

// Provision creates missing Azure tables. SQLite migrates on open.
func (rt *Runtime) Provision(ctx context.Context) error {
	if rt.provisioner == nil {
		return nil
	}
	return rt.provisioner.Provision(ctx)
}

// Queue returns the notification queue, or nil when notifications are
// written directly.
func (rt *Runtime) Queue() (*storage.Queue, error) {
	if !rt.Config.UsesQueue() {
		return nil, nil
	}
	return storage.NewQueue(rt.Config.Storage.ConnectionString, rt.Config.Storage.NotificationQueue)
}

func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
