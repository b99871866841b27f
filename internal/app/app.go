// Package app wires the configured components into a runnable
// process: storage, cache, bus, registry, engine, streams, HTTP
// server, and sweeper.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolflow/toolflow/internal/cache"
	"github.com/toolflow/toolflow/internal/config"
	"github.com/toolflow/toolflow/internal/engine"
	"github.com/toolflow/toolflow/internal/eventbus"
	"github.com/toolflow/toolflow/internal/observability"
	"github.com/toolflow/toolflow/internal/registry"
	"github.com/toolflow/toolflow/internal/repo"
	"github.com/toolflow/toolflow/internal/server"
	"github.com/toolflow/toolflow/internal/storage"
	"github.com/toolflow/toolflow/internal/stream"
	"github.com/toolflow/toolflow/internal/sweeper"
)

// App holds the assembled components of one toolflow process.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	Engine  *engine.Engine
	Repo    *repo.Repository
	Sweeper *sweeper.Sweeper

	metrics       *observability.Metrics
	tracerStop    func(context.Context) error
	stateCache    *cache.Memory
	bus           *eventbus.MemoryBus
	stores        storage.StoreSet
	httpServer    *server.Server
	sweeperEnable bool
}

// New assembles an App from configuration. Nothing is started; call
// Run or use the components directly.
func New(cfg *config.Config) (*App, error) {
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := obsLogger.Slog()

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	var tracer *observability.Tracer
	tracerStop := func(context.Context) error { return nil }
	if cfg.Observability.TracingEnabled {
		tracer, tracerStop = observability.NewTracer(observability.TraceConfig{
			ServiceName:  cfg.Observability.ServiceName,
			Endpoint:     cfg.Observability.OTLPEndpoint,
			SamplingRate: cfg.Observability.SampleRate,
		})
	}

	auditStore := observability.NewMemoryAuditStore(0)
	audit := observability.NewAuditRecorder(auditStore, obsLogger)

	stores, err := openStores(cfg.Storage)
	if err != nil {
		return nil, err
	}
	stores.SetTracer(tracer)

	stateCache := cache.NewMemory(cache.Config{
		RecordTTL:       cfg.Cache.RecordTTL,
		IndexTTL:        cfg.Cache.IndexTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})

	bus := eventbus.NewMemory(eventbus.Config{
		LogCap:        cfg.Bus.LogCap,
		TTL:           cfg.Bus.TTL,
		PruneInterval: cfg.Bus.PruneInterval,
	})

	reg := registry.New()
	for _, def := range cfg.Tools.Definitions {
		d := registry.Definition{
			Name:             def.Name,
			Description:      def.Description,
			RequiresApproval: def.RequiresApproval,
		}
		if def.ArgsSchema != "" {
			d.ArgsSchema = json.RawMessage(def.ArgsSchema)
		}
		if err := reg.Register(d); err != nil {
			closeQuietly(stores, stateCache, bus)
			return nil, fmt.Errorf("register tool %q: %w", def.Name, err)
		}
	}

	r := repo.New(stores, stateCache, logger)
	r.SetMetrics(metrics)
	eng := engine.New(r, bus, reg, engine.Options{
		Metrics: metrics,
		Tracer:  tracer,
		Audit:   audit,
		Logger:  logger,
	})
	streams := stream.New(eng, bus, stream.Options{
		Metrics:   metrics,
		Audit:     audit,
		Logger:    logger,
		Heartbeat: cfg.Stream.Heartbeat,
	})
	httpServer := server.New(cfg.Server, eng, streams, server.Options{
		Metrics: metrics,
		Tracer:  tracer,
		Audit:   auditStore,
		Logger:  logger,
	})

	sw, err := sweeper.New(r, sweeper.Config{
		Schedule:       cfg.Sweeper.Schedule,
		StaleAfter:     cfg.Sweeper.StaleAfter,
		AuditRetention: cfg.Sweeper.AuditRetention,
	}, sweeper.Options{
		Metrics:    metrics,
		Tracer:     tracer,
		Audit:      audit,
		AuditStore: auditStore,
		Logger:     logger,
	})
	if err != nil {
		closeQuietly(stores, stateCache, bus)
		return nil, err
	}

	return &App{
		Config:        cfg,
		Logger:        logger,
		Engine:        eng,
		Repo:          r,
		Sweeper:       sw,
		metrics:       metrics,
		tracerStop:    tracerStop,
		stateCache:    stateCache,
		bus:           bus,
		stores:        stores,
		httpServer:    httpServer,
		sweeperEnable: cfg.Sweeper.Enabled,
	}, nil
}

func openStores(cfg config.StorageConfig) (storage.StoreSet, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStores(), nil
	case "sqlite", "postgres":
		sqlCfg := storage.DefaultSQLConfig()
		if cfg.MaxConnections > 0 {
			sqlCfg.MaxOpenConns = cfg.MaxConnections
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		return storage.OpenSQLStores(cfg.Driver, cfg.DSN, sqlCfg)
	default:
		return storage.StoreSet{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Run starts the HTTP server and sweeper, then blocks until ctx is
// canceled and everything has shut down.
func (a *App) Run(ctx context.Context) error {
	if err := a.httpServer.Start(ctx); err != nil {
		return err
	}
	if a.sweeperEnable {
		if err := a.Sweeper.Start(ctx); err != nil {
			a.stopServer()
			return err
		}
	}

	<-ctx.Done()
	a.Logger.Info("shutting down")

	a.stopServer()
	a.Sweeper.Stop()
	a.Close()
	return nil
}

func (a *App) stopServer() {
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	a.httpServer.Stop(shutdownCtx)
}

// Close releases resources without draining the server; Run calls it
// as the last shutdown step.
func (a *App) Close() {
	a.bus.Close()
	a.stateCache.Stop()
	if err := a.stores.Close(); err != nil {
		a.Logger.Warn("store close failed", "error", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracerStop(stopCtx); err != nil {
		a.Logger.Warn("tracer shutdown failed", "error", err)
	}
}

func closeQuietly(stores storage.StoreSet, c *cache.Memory, b *eventbus.MemoryBus) {
	b.Close()
	c.Stop()
	_ = stores.Close()
}
