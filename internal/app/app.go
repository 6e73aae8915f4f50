// Package app wires the local store, remote adapter, sync engine,
// scheduler and connectivity monitor into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"ledgersync/internal/amqp"
	"ledgersync/internal/audit"
	"ledgersync/internal/backend"
	"ledgersync/internal/cache"
	"ledgersync/internal/config"
	"ledgersync/internal/connectivity"
	"ledgersync/internal/log"
	"ledgersync/internal/queue"
	"ledgersync/internal/services"
	"ledgersync/internal/storage"
	"ledgersync/internal/worker"
)

const (
	cacheSweepInterval = 10 * time.Minute
	probeTimeout       = 3 * time.Second
)

// Options overrides parts of the assembly, mostly for tests.
type Options struct {
	Factory backend.Factory
	Prober  connectivity.Prober
	// Source replaces the polling source fed by Prober.
	Source connectivity.Source
}

// App holds every long-lived component. Events is nil when no AMQP URL is
// configured.
type App struct {
	Config    *config.Config
	Logger    *log.Logger
	Repo      *storage.SQLiteRepository
	Backend   *backend.BackendResult
	Monitor   *connectivity.Monitor
	Engine    *services.SyncEngine
	Queue     *queue.Queue
	Scheduler *worker.Scheduler
	Entities  *services.EntityService
	Caches    *cache.Manager
	Events    *amqp.Client

	audit  audit.Logger
	prober connectivity.Prober
	source connectivity.Source
	cancel context.CancelFunc
}

// New opens the local store and the remote backend and connects the
// components. Nothing runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, logger *log.Logger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}

	a := &App{
		Config: cfg,
		Logger: logger,
		Caches: cache.NewManager(),
		audit: audit.New(audit.Config{
			Path:       cfg.AuditLogPath,
			MaxSizeMB:  cfg.AuditLogMaxSizeMB,
			MaxBackups: cfg.AuditLogMaxBackups,
		}),
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	a.Repo = repo

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	factory := opts.Factory
	if factory == nil {
		factory = backend.NewFactory(logger.WithComponent(log.ComponentBackend).Logger)
	}
	res, err := factory.CreateBackend(ctx, backendCfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("create %s backend: %w", backendCfg.Type, err)
	}
	a.Backend = res

	if cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.WarnContext(ctx, "AMQP unavailable, events disabled", log.FieldError, err)
		} else {
			a.Events = client
		}
	}

	a.Monitor = connectivity.NewMonitor(connectivity.MonitorConfig{Grace: cfg.ConnectivityGrace}, a.audit)

	engineCfg := services.DefaultSyncEngineConfig()
	engineCfg.KindParallelism = cfg.SyncKindParallelism
	a.Engine = services.NewSyncEngine(repo, res.Backend, a.Monitor, a.audit, engineCfg)

	a.Queue = queue.New(repo)
	if a.Events != nil {
		a.Queue.AddSink(a.Events)
	}
	a.Caches.Register(a.Queue.Cache())

	a.Scheduler = worker.NewScheduler(a.Engine, repo, worker.SchedulerConfig{
		Debounce:        cfg.SyncDebounce,
		SafetyInterval:  cfg.SyncSafetyInterval,
		StartupSync:     true,
		RetryBackoff:    cfg.SyncRetryBackoff,
		MaxRetryBackoff: cfg.SyncRetryMax,
	})
	a.Entities = services.NewEntityService(repo, a.Scheduler, a.audit)

	repo.OnChange(func(ctx context.Context, ownerID string) {
		if _, err := a.Queue.Refresh(ctx, ownerID); err != nil {
			logger.WarnContext(ctx, "Failed to refresh pending count", log.FieldOwnerID, ownerID, log.FieldError, err)
		}
	})
	a.Engine.OnResult(a.recordRun)
	if a.Events != nil {
		a.Engine.OnResult(func(ctx context.Context, r *services.SyncResult) {
			if err := a.Events.PublishSyncResult(ctx, r); err != nil {
				logger.WarnContext(ctx, "Failed to publish sync result", log.FieldOwnerID, r.OwnerID, log.FieldError, err)
			}
		})
	}
	a.Monitor.OnReconnect(a.Scheduler.HandleReconnect)

	a.prober = opts.Prober
	if a.prober == nil {
		a.prober = a.defaultProber()
	}
	a.source = opts.Source
	if a.source == nil {
		a.source = connectivity.PollingSource{Prober: a.prober, Interval: cfg.ConnectivityPollInterval}
	}
	return a, nil
}

func (a *App) defaultProber() connectivity.Prober {
	if a.Config.ConnectivityProbeAddr != "" {
		return connectivity.DialProber{Addr: a.Config.ConnectivityProbeAddr, Timeout: probeTimeout}
	}
	return connectivity.PingProber{
		Pinger:    a.Backend.Backend,
		Timeout:   probeTimeout,
		Transport: a.Config.RemoteBackend,
	}
}

func (a *App) recordRun(ctx context.Context, r *services.SyncResult) {
	if !r.Status.Ran() {
		return
	}
	err := a.Repo.RecordRun(ctx, storage.SyncRun{
		OwnerID:   r.OwnerID,
		Status:    r.Status.String(),
		StartedAt: r.StartedAt,
		Duration:  r.Duration,
		Changes:   r.Changes(),
		Errors:    len(r.Errors),
	})
	if err != nil {
		a.Logger.WarnContext(ctx, "Failed to record sync run", log.FieldOwnerID, r.OwnerID, log.FieldError, err)
		return
	}
	log.NewStructuredLogger(a.Logger).LogSyncRun(ctx, r.OwnerID, r.Status.String(), r.Changes(), len(r.Errors), r.Pending)
}

// Probe sets the monitor's initial state without starting anything.
func (a *App) Probe(ctx context.Context) connectivity.State {
	return a.Monitor.Init(ctx, a.prober)
}

// Start probes connectivity, then starts the monitor, the scheduler and
// cache cleanup. ctx bounds all of them.
func (a *App) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	state := a.Probe(ctx)
	a.Logger.InfoContext(ctx, "Initial connectivity", "state", state.String())

	go a.Monitor.Run(ctx, a.source)

	if err := a.Scheduler.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.Caches.StartCleanup(cacheSweepInterval)
	return nil
}

// Stop shuts everything down in reverse order. It is safe to call without
// Start.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	if a.Scheduler != nil && a.Scheduler.IsRunning() {
		if err := a.Scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.Caches.Stop()
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close amqp: %w", err))
		}
		a.Events = nil
	}
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
		a.Backend = nil
	}
	if a.Repo != nil {
		if err := a.Repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close local store: %w", err))
		}
		a.Repo = nil
	}
	if c, ok := a.audit.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit log: %w", err))
		}
	}
	a.audit = audit.Nop{}
	return errors.Join(errs...)
}
