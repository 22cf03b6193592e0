package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pacer/internal/eventbus"
	"pacer/internal/monitor"
	"pacer/internal/observability/pprof"
	"pacer/internal/runtime/supervisor"
	"pacer/internal/storage"
	"pacer/internal/task/scheduler"
	logx "pacer/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	sched *scheduler.Service
	pprof *pprof.Service
	jobs  *jobRunner

	monMu     sync.Mutex
	monCancel context.CancelFunc
	monDone   chan struct{}

	historyUnsub func()
	historyDone  chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

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

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	schedSvc := scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	pprofSvc := pprof.New(pprofCfg, schedSvc, log.With(logx.String("comp", "pprof")))
	if store != nil {
		pprofSvc.AttachRuns(store)
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		sched:   schedSvc,
		pprof:   pprofSvc,
		jobs:    newJobRunner(schedSvc, log.With(logx.String("comp", "jobs"))),
	}, nil
}

func closeStore(st storage.Store) {
	if st != nil {
		_ = st.Close()
	}
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Store returns the run-history store, or nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

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
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *Config) error {
		if _, err := mapSchedulerConfig(c); err != nil {
			return err
		}
		if _, _, err := mapMonitorConfig(c); err != nil {
			return err
		}
		if _, err := mapPprofConfig(c); err != nil {
			return err
		}
		_, _, err := mapStorageConfig(c)
		return err
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(512)
		a.historyUnsub = unsub
		a.historyDone = make(chan struct{})
		log := a.log.With(logx.String("comp", "history"))
		// Not supervised: it must outlive the app context to record runs drained at Stop.
		go func() {
			defer close(a.historyDone)
			recordRuns(context.Background(), events, a.store, log)
		}()
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		logEvents(c, events, a.log.With(logx.String("comp", "events")))
	})

	a.sched.Start(a.sup.Context())
	a.jobs.Apply(cfg.Jobs)

	if mc, enabled, err := mapMonitorConfig(cfg); err != nil {
		return err
	} else if enabled {
		a.startMonitor(mc)
	}

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

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
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		watchdog(c, a.log.With(logx.String("comp", "systemd")))
	})

	sdNotify(a.log, daemon.SdNotifyReady)
	a.log.Info("app started",
		logx.Int("workers", a.sched.Workers()),
		logx.String("timezone", a.sched.Location().String()),
		logx.Int("jobs", len(a.jobs.IDs())),
	)
	return nil
}

// applyConfig applies a committed config: logging, jobs, monitor and pprof
// change live; scheduler and storage changes need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *Config) {
	sections, attrs, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "scheduler", "storage":
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		case "jobs":
			diff := a.jobs.Apply(newCfg.Jobs)
			a.log.Info("jobs reconciled",
				logx.String("added", strings.Join(diff.Added, ",")),
				logx.String("removed", strings.Join(diff.Removed, ",")),
				logx.String("changed", strings.Join(diff.Changed, ",")),
			)
		case "monitor":
			mc, enabled, err := mapMonitorConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid monitor config; keeping previous", logx.Err(err))
				break
			}
			a.stopMonitor()
			if enabled {
				a.startMonitor(mc)
			}
		case "pprof":
			ppc, err := mapPprofConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				break
			}
			a.pprof.Reconfigure(ctx, ppc)
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) startMonitor(cfg monitor.Config) {
	a.monMu.Lock()
	defer a.monMu.Unlock()
	if a.monCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	done := make(chan struct{})
	a.monCancel, a.monDone = cancel, done

	mon := monitor.New(a.sched, cfg, a.log.With(logx.String("comp", "monitor")))
	a.sup.Go0("monitor", func(context.Context) {
		defer close(done)
		mon.Run(ctx)
	})
}

func (a *App) stopMonitor() {
	a.monMu.Lock()
	cancel, done := a.monCancel, a.monDone
	a.monCancel, a.monDone = nil, nil
	a.monMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	var firstErr error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > max {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, stepCtx.Err())
			}
		}
	}

	step("monitor", time.Second, func(context.Context) error { a.stopMonitor(); return nil })
	// Drains in-flight and queued runs.
	step("scheduler", 10*time.Second, a.sched.Stop)
	step("pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	step("history", 2*time.Second, func(c context.Context) error {
		if a.historyUnsub == nil {
			return nil
		}
		a.historyUnsub()
		select {
		case <-a.historyDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}
