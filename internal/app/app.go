// Package app assembles the address service from configuration: remote
// driver, backstop, cache, engine, sync subsystem, counters, labels and the
// HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/xelth-com/eckaddr/internal/allocation"
	"github.com/xelth-com/eckaddr/internal/backstop"
	"github.com/xelth-com/eckaddr/internal/backstop/badgerstore"
	"github.com/xelth-com/eckaddr/internal/backstop/sqlitestore"
	"github.com/xelth-com/eckaddr/internal/cache"
	"github.com/xelth-com/eckaddr/internal/config"
	"github.com/xelth-com/eckaddr/internal/database"
	"github.com/xelth-com/eckaddr/internal/handlers"
	"github.com/xelth-com/eckaddr/internal/labels"
	"github.com/xelth-com/eckaddr/internal/metrics"
	"github.com/xelth-com/eckaddr/internal/models"
	"github.com/xelth-com/eckaddr/internal/remote"
	"github.com/xelth-com/eckaddr/internal/remote/memory"
	"github.com/xelth-com/eckaddr/internal/remote/odoo"
	"github.com/xelth-com/eckaddr/internal/remote/postgres"
	eksync "github.com/xelth-com/eckaddr/internal/sync"
	"github.com/xelth-com/eckaddr/internal/usage"
	"github.com/xelth-com/eckaddr/internal/websocket"
)

// Remote is what every remote driver provides.
type Remote interface {
	remote.Store
	remote.CounterStore
	remote.LabelLogStore
}

// App holds the wired components. Fields are exported for the CLI and tests.
type App struct {
	Config     *config.Config
	SyncConfig *config.SyncConfig
	Log        zerolog.Logger

	Remote   Remote
	Backstop backstop.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Cache      *cache.Cache
	Queue      *eksync.Queue
	Connection *eksync.ConnectionManager
	Engine     *allocation.Engine
	Drainer    *eksync.Drainer
	Reconciler *eksync.Reconciler
	Audit      *eksync.AuditLog
	Resolver   *eksync.ConflictResolver
	Usage      *usage.Service
	Labels     *labels.Log
	Printer    *labels.Printer
	Hub        *websocket.Hub
	Sync       *eksync.SyncEngine

	closers []func() error
}

// New wires every component over rem and bs. Nothing talks to the network
// until Start.
func New(cfg *config.Config, syncCfg *config.SyncConfig, logger zerolog.Logger, rem Remote, bs backstop.Store) (*App, error) {
	if syncCfg == nil {
		syncCfg = config.DefaultSyncConfig()
	}
	a := &App{
		Config:     cfg,
		SyncConfig: syncCfg,
		Log:        logger,
		Remote:     rem,
		Backstop:   bs,
		Registry:   prometheus.NewRegistry(),
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)
	a.Hub = websocket.NewHub(logger)

	var err error
	a.Queue, err = eksync.NewQueue(bs, logger, a.Metrics)
	if err != nil {
		return nil, fmt.Errorf("restore offline queue: %w", err)
	}
	a.Connection = eksync.NewConnectionManager(rem, syncCfg.HealthCheckInterval, syncCfg.PingTimeout, logger)

	a.Cache = cache.New(rem, cache.Options{
		FacilityID: cfg.FacilityID,
		PageSize:   syncCfg.PageSize,
		Capacity:   allocation.Capacity,
		Location:   cfg.Location(),
		Logger:     logger,
		Metrics:    a.Metrics,
		Pending:    a.Queue,
	})
	a.Engine = allocation.New(a.Cache, rem, allocation.Options{
		FacilityID:   cfg.FacilityID,
		Queue:        a.Queue,
		Connectivity: a.Connection,
		Logger:       logger,
		Metrics:      a.Metrics,
		OnChange: func(c allocation.Change) {
			a.Hub.Broadcast(websocket.EventAllocationChanged, c)
		},
		OnBacklog: func() {
			a.Sync.Request(eksync.RequestDrain, "mutation queued behind backlog")
		},
	})
	a.Drainer = eksync.NewDrainer(a.Queue, rem, eksync.DrainerOptions{
		FacilityID: cfg.FacilityID,
		MaxRetries: syncCfg.MaxRetries,
		Link:       a.Connection,
		Reloader:   a.Engine,
		Logger:     logger,
		Metrics:    a.Metrics,
		OnPermanent: func(f models.PermanentFailure) {
			a.Hub.Broadcast(websocket.EventPermanentFailure, f)
		},
	})
	a.Reconciler = eksync.NewReconciler(rem, a.Cache, eksync.ReconcilerOptions{
		FacilityID: cfg.FacilityID,
		Folder:     a.Engine,
		Pending:    a.Queue,
		Backoff:    syncCfg.LiveBackoff,
		Logger:     logger,
		Metrics:    a.Metrics,
	})

	a.Audit = eksync.NewAuditLog(bs, syncCfg.AuditCap, logger)
	a.Resolver = eksync.NewConflictResolver(a.Audit, logger, a.Metrics)
	a.Usage = usage.New(bs, rem, a.Resolver, usage.Options{Keys: syncCfg.CounterKeys, Logger: logger})
	a.Labels = labels.NewLog(bs, rem, a.Resolver, labels.LogOptions{
		FacilityID: cfg.FacilityID,
		Counters:   a.Usage,
		Logger:     logger,
	})
	a.Printer = &labels.Printer{Directory: a.Cache, Log: a.Labels}

	a.Sync = eksync.NewSyncEngine(eksync.EngineOptions{
		Config:     syncCfg,
		Connection: a.Connection,
		Drainer:    a.Drainer,
		Queue:      a.Queue,
		Reloader:   a.Engine,
		Counters:   a.Usage,
		Labels:     a.Labels,
		Logger:     logger,
		OnResult:   a.publishResult,
	})
	return a, nil
}

func (a *App) publishResult(res eksync.SyncResult) {
	if !res.Success && res.Drain == nil {
		return
	}
	switch res.Type {
	case eksync.RequestDrain:
		if res.Drain != nil && !res.Drain.Skipped && (res.Drain.Replayed > 0 || len(res.Drain.Permanent) > 0) {
			a.Hub.Broadcast(websocket.EventSyncDrained, res.Drain)
		}
		if res.Drain != nil && res.Drain.Reloaded {
			a.broadcastReload()
		}
	case eksync.RequestReload:
		a.broadcastReload()
	}
}

func (a *App) broadcastReload() {
	addrs, allocs := a.Cache.Stats()
	a.Hub.Broadcast(websocket.EventCacheReloaded, map[string]any{
		"addresses":   addrs,
		"allocations": allocs,
		"loaded_at":   a.Cache.LoadedAt(),
	})
}

// Router returns the HTTP API over the wired components.
func (a *App) Router() *handlers.Router {
	return handlers.NewRouter(handlers.Deps{
		Engine:         a.Engine,
		Reconciler:     a.Reconciler,
		Sync:           a.Sync,
		Queue:          a.Queue,
		Audit:          a.Audit,
		Usage:          a.Usage,
		Printer:        a.Printer,
		Hub:            a.Hub,
		JWTSecret:      a.Config.JWTSecret,
		LiveTimeout:    a.SyncConfig.LiveTimeout,
		LiveMaxRetries: a.SyncConfig.LiveMaxRetries,
		Gatherer:       a.Registry,
		Logger:         a.Log,
	})
}

// Load checks the link and performs the first cache load. A failed load
// leaves the cache empty; the sync engine keeps retrying through reloads.
func (a *App) Load(ctx context.Context) error {
	a.Connection.Check(ctx)
	if err := a.Engine.Reload(ctx); err != nil {
		return err
	}
	addrs, allocs := a.Cache.Stats()
	a.Log.Info().Int("addresses", addrs).Int("allocations", allocs).Msg("✅ Address cache loaded")
	return nil
}

// Start runs the hub and the background sync.
func (a *App) Start() error {
	go a.Hub.Run()
	return a.Sync.Start()
}

// Stop halts background work. Close releases the drivers.
func (a *App) Stop() {
	a.Sync.Stop()
	a.Hub.Stop()
}

// OnClose registers a release function run by Close in reverse order.
func (a *App) OnClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases the remote and backstop drivers.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// OpenRemote connects the configured remote driver. The returned function
// releases it.
func OpenRemote(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (Remote, func() error, error) {
	noop := func() error { return nil }
	switch cfg.RemoteDriver {
	case "memory":
		logger.Warn().Msg("⚠️  Using the in-memory remote store; data is lost on exit")
		return memory.New(memory.WithLocation(cfg.Location())), noop, nil

	case "odoo":
		client := odoo.NewClient(odoo.Config{
			URL:      cfg.Odoo.URL,
			Database: cfg.Odoo.Database,
			Username: cfg.Odoo.Username,
			Password: cfg.Odoo.Password,
			Timeout:  cfg.Odoo.Timeout,
		})
		return client, noop, nil

	case "postgres":
		db, err := database.Connect(ctx, cfg.Database, database.Options{
			Facility: cfg.FacilityID,
			TimeZone: cfg.FacilityTZ,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		store := postgres.New(db.DB)
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store, db.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.RemoteDriver)
}

// OpenBackstop opens the configured backstop driver.
func OpenBackstop(cfg *config.Config, logger zerolog.Logger) (backstop.Store, func() error, error) {
	switch cfg.BackstopDriver {
	case "memory":
		return backstop.NewMemory(0), func() error { return nil }, nil
	case "badger":
		s, err := badgerstore.Open(badgerstore.Config{Path: cfg.BackstopPath, SyncWrites: true, Logger: &logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := sqlitestore.Open(filepath.Join(cfg.BackstopPath, "backstop.db"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown backstop driver %q", cfg.BackstopDriver)
}

// Open builds an App from configuration, opening both drivers.
func Open(ctx context.Context, cfg *config.Config, syncCfg *config.SyncConfig, logger zerolog.Logger) (*App, error) {
	rem, closeRemote, err := OpenRemote(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open remote store: %w", err)
	}
	bs, closeBackstop, err := OpenBackstop(cfg, logger)
	if err != nil {
		closeRemote()
		return nil, fmt.Errorf("open backstop: %w", err)
	}
	a, err := New(cfg, syncCfg, logger, rem, bs)
	if err != nil {
		closeBackstop()
		closeRemote()
		return nil, err
	}
	a.OnClose(closeRemote)
	a.OnClose(closeBackstop)
	return a, nil
}
