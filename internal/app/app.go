package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"transitpush/internal/config"
	"transitpush/internal/devices"
	"transitpush/internal/eventbus"
	"transitpush/internal/ingest"
	"transitpush/internal/observability/pprof"
	"transitpush/internal/push"
	"transitpush/internal/push/fcm"
	"transitpush/internal/push/queue"
	"transitpush/internal/runtime/supervisor"
	"transitpush/internal/storage"
	logx "transitpush/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry   *devices.Registry
	builder    *push.Builder
	dispatcher *fcm.Dispatcher
	queue      *queue.Service
	snaps      ingest.SnapshotStore
	poller     *ingest.Poller
	pprof      *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var devStore devices.Store
	if store != nil {
		devStore = store
	}
	registry, err := devices.NewRegistry(context.Background(), devStore,
		log.With(logx.String("comp", "devices")))
	if err != nil {
		return nil, err
	}

	builder := push.NewBuilder(mapPolicy(cfg), log.With(logx.String("comp", "builder")))

	dcfg, err := mapDispatcherConfig(cfg)
	if err != nil {
		return nil, err
	}
	dispatcher := fcm.New(dcfg, log.With(logx.String("comp", "fcm")))

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	var qstore queue.Store
	if store != nil {
		qstore = store
	} else {
		qstore = queue.NewMemStore()
	}
	queueSvc := queue.New(qcfg, dispatcher, qstore,
		log.With(logx.String("comp", "queue")), bus)

	// The snapshot store outlives poller rebuilds so a config reload does not
	// re-report every active alert.
	var snaps ingest.SnapshotStore
	if store != nil {
		snaps = store
	} else {
		snaps = ingest.NewMemSnapshots()
	}

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		registry:   registry,
		builder:    builder,
		dispatcher: dispatcher,
		queue:      queueSvc,
		snaps:      snaps,
	}

	a.poller, err = a.buildPoller(cfg)
	if err != nil {
		return nil, err
	}

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.pprof = pprof.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	return a, nil
}

func (a *App) buildPoller(cfg *config.Config) (*ingest.Poller, error) {
	icfg, err := mapIngestConfig(cfg)
	if err != nil {
		return nil, err
	}
	client := ingest.NewClient(icfg.FetchTimeout)
	return ingest.NewPoller(icfg, client, a.snaps, a.registry, a.builder,
		a.queue, a.registry, a.log.With(logx.String("comp", "ingest")), a.bus), nil
}

// Queue exposes the dispatch queue, mainly for operational snapshots.
func (a *App) Queue() *queue.Service { return a.queue }

// Devices exposes the device registry.
func (a *App) Devices() *devices.Registry { return a.registry }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapQueueConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatcherConfig(cfg); err != nil {
			return err
		}
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		icfg, err := mapIngestConfig(cfg)
		if err != nil {
			return err
		}
		// Reject bad schedules here so a hot-reload cannot leave the poller
		// unable to restart.
		for _, f := range icfg.Feeds {
			if _, err := ingest.ParseSchedule(f.Schedule); err != nil {
				return fmt.Errorf("feed %s: %w", f.AgencyID, err)
			}
		}
		return nil
	})

	a.queue.Start(a.sup.Context())

	// Startup recovery: re-queue whatever the last run left unfinished.
	if a.store != nil {
		tasks, err := a.store.PendingTasks(ctx)
		if err != nil {
			return fmt.Errorf("load pending tasks: %w", err)
		}
		if len(tasks) > 0 {
			a.log.Info("resuming unfinished tasks", logx.Int("count", len(tasks)))
			a.queue.Resume(a.sup.Context(), tasks, a.registry)
		}
	}

	if err := a.poller.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes one reloaded config into the running components. The
// queue, dispatcher and storage layers are wired at construction time and
// only warn that a restart is needed.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}
	for _, s := range []string{"storage", "queue", "dispatcher"} {
		if changed[s] {
			a.log.Warn("config changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	if changed["logging"] {
		a.logs.Apply(logx.Config{
			Level:   newCfg.Logging.Level,
			Console: newCfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: newCfg.Logging.File.Enabled,
				Path:    newCfg.Logging.File.Path,
			},
		})
	}

	if changed["policy"] {
		a.builder.SetPolicy(mapPolicy(newCfg))
	}

	if changed["pprof"] {
		if ppc, err := mapPprofConfig(newCfg); err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
		} else {
			a.pprof.Reconfigure(ctx, ppc)
		}
	}

	// Feeds, schedules and accounts all live inside the poller, so any change
	// there swaps the whole poller. The snapshot store is shared, so the new
	// poller diffs against the same state the old one left behind.
	if changed["ingest"] || changed["accounts"] {
		next, err := a.buildPoller(newCfg)
		if err != nil {
			a.log.Warn("invalid ingest config; keeping previous", logx.Err(err))
		} else {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			a.poller.Stop(stopCtx)
			cancel()
			if err := next.Start(ctx); err != nil {
				a.log.Error("restarting feed poller failed", logx.Err(err))
			} else {
				a.poller = next
			}
		}
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop producing first, then let the queue drain its current task.
	step("poller", 5*time.Second, func(c context.Context) error { a.poller.Stop(c); return nil })
	step("queue", 10*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("devices", 1*time.Second, func(c context.Context) error { a.registry.Close(); return nil })
	step("storage", 2*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
