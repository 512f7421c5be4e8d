package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hookpilot/internal/cache"
	"hookpilot/internal/config"
	"hookpilot/internal/contextload"
	"hookpilot/internal/eventbus"
	"hookpilot/internal/hook"
	"hookpilot/internal/observability/debugsrv"
	"hookpilot/internal/phase"
	rtsup "hookpilot/internal/runtime/supervisor"
	"hookpilot/internal/scheduler"
	"hookpilot/internal/storage"
	"hookpilot/internal/trigger"
	logx "hookpilot/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	reg      *hook.Registry
	cache    *cache.Cache
	sched    *scheduler.Service
	triggers *trigger.Service
	debug    *debugsrv.Service

	// swapped on reload; read by the scheduler through closures
	keywords  atomic.Pointer[phase.Keyword]
	maxTokens atomic.Int64
}

// Status is served by the debug listener.
type Status struct {
	Config     string             `json:"config"`
	Hooks      []hook.Metadata    `json:"hooks"`
	Scheduler  scheduler.Snapshot `json:"scheduler"`
	Triggers   []trigger.Info     `json:"triggers"`
	Supervisor rtsup.Snapshot     `json:"supervisor"`
	BusDropped uint64             `json:"bus_dropped"`
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start or RunBatch.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	trigs, err := mapTriggers(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLogConfig(cfg), bus)
	log = log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		store = st
		log.Debug("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     hook.NewRegistry(),
		cache:   cache.New(),
	}
	a.keywords.Store(phase.NewKeyword(mapPhaseKeywords(cfg)))
	a.maxTokens.Store(int64(cfg.Context.MaxTokens))

	opts := []scheduler.Option{
		scheduler.WithLogger(log),
		scheduler.WithBus(bus),
		scheduler.WithCache(a.cache),
		scheduler.WithLoader(contextload.LoaderFunc(func(ctx context.Context, req contextload.Request) (map[string]any, contextload.Metrics, error) {
			return contextload.TokenBudget{MaxTokens: int(a.maxTokens.Load())}.Load(ctx, req)
		})),
		scheduler.WithPhaseDetector(phase.DetectorFunc(func(ctx context.Context, input string) (hook.Phase, error) {
			return a.keywords.Load().Detect(ctx, input)
		})),
	}
	if store != nil {
		opts = append(opts, scheduler.WithStore(store))
	}
	a.sched = scheduler.New(schedCfg, a.reg, opts...)

	if err := a.syncHooks(context.Background(), cfg, nil); err != nil {
		a.close()
		return nil, err
	}

	a.triggers = trigger.New(trigger.Config{Timezone: cfg.Scheduler.Timezone}, a.fire, log)
	if err := a.triggers.Set(trigs); err != nil {
		a.close()
		return nil, err
	}
	a.debug = debugsrv.New(mapDebugConfig(cfg), func() any { return a.Status() }, log)
	return a, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Registry() *hook.Registry      { return a.reg }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Triggers() *trigger.Service    { return a.triggers }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Logger() logx.Logger           { return a.log }

// Done is closed when the app context ends (Stop or a fatal error).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error of a supervised loop.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RunBatch executes the hooks registered for req.Event.
func (a *App) RunBatch(ctx context.Context, req scheduler.Request) scheduler.Batch {
	return a.sched.ExecuteHooks(ctx, req)
}

func (a *App) fire(ctx context.Context, t trigger.Trigger) error {
	b := a.sched.ExecuteHooks(ctx, scheduler.Request{
		Event:    t.Event,
		Phase:    t.Phase,
		Context:  t.Context,
		MaxTotal: t.MaxTotal,
	})
	a.log.Info("trigger batch finished",
		logx.String("trigger", t.Name),
		logx.String("batch", b.ID),
		logx.Int("results", len(b.Results)),
		logx.Int("skipped", len(b.Skipped)),
		logx.Duration("took", b.Took))
	if n := b.Failed(); n > 0 {
		return fmt.Errorf("%d of %d hooks failed", n, len(b.Results))
	}
	return nil
}

// Status collects a diagnostics snapshot.
func (a *App) Status() Status {
	st := Status{
		Config:    a.cfgPath,
		Hooks:     a.reg.All(),
		Scheduler: a.sched.Snapshot(),
		Triggers:  a.triggers.Snapshot(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.bus != nil {
		st.BusDropped = a.bus.Dropped()
	}
	return st
}

// syncHooks makes the registry match cfg.Hooks. Hooks listed in changed
// start over with a fresh breaker and profile.
func (a *App) syncHooks(ctx context.Context, cfg *config.Config, changed []string) error {
	want := make(map[string]bool, len(cfg.Hooks))
	for _, hc := range cfg.Hooks {
		if hc.Disabled {
			continue
		}
		id := strings.TrimSpace(hc.ID)
		ev, md, cmd, err := mapHook(hc, a.successRate(ctx, id))
		if err != nil {
			return err
		}
		if err := a.reg.Register(ev, md); err != nil {
			return err
		}
		a.reg.Bind(id, cmd)
		want[id] = true
	}

	for _, md := range a.reg.All() {
		if !want[md.ID] {
			a.reg.Unregister(md.ID)
			a.sched.Forget(md.ID)
			a.log.Debug("hook unregistered", logx.String("hook", md.ID))
		}
	}
	for _, id := range changed {
		if want[id] {
			a.sched.Forget(id)
		}
	}
	return nil
}

// successRate keeps a learned rate across reloads and seeds new hooks from
// execution history.
func (a *App) successRate(ctx context.Context, id string) float64 {
	if md, ok := a.reg.Get(id); ok {
		return md.SuccessRate
	}
	if a.store == nil {
		return 1
	}
	st, err := a.store.Stats(ctx, id)
	if err != nil {
		a.log.Debug("hook stats unavailable", logx.String("hook", id), logx.Err(err))
		return 1
	}
	if st.Runs == 0 {
		return 1
	}
	return 1 - float64(st.Failures)/float64(st.Runs)
}

// validate is installed on the config manager for hot reloads.
func (a *App) validate(_ context.Context, cfg *config.Config) error {
	return validateMapped(cfg, a.triggers)
}

// ValidateFile loads path and checks it the way New would, without
// opening storage or starting anything.
func ValidateFile(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path).Load()
	if err != nil {
		return nil, err
	}
	ts := trigger.New(trigger.Config{Timezone: cfg.Scheduler.Timezone}, nil, logx.Nop())
	if err := validateMapped(cfg, ts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateMapped(cfg *config.Config, ts *trigger.Service) error {
	var errs []error
	if _, err := mapSchedulerConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	for _, hc := range cfg.Hooks {
		if _, _, _, err := mapHook(hc, 1); err != nil {
			errs = append(errs, err)
		}
	}
	if trigs, err := mapTriggers(cfg); err != nil {
		errs = append(errs, err)
	} else if err := ts.Validate(trigs); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolvePhase resolves a phase the way a batch does.
func (a *App) ResolvePhase(ctx context.Context, explicit hook.Phase, input string) phase.Resolution {
	def, ok := hook.ParsePhase(a.Config().Scheduler.DefaultPhase)
	if !ok {
		def = hook.PhasePlanning
	}
	return phase.Resolve(ctx, a.keywords.Load(), explicit, input, def)
}

// Start runs triggers, config hot reload and the debug listener until
// Stop is called or a supervised loop fails.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	a.triggers.Start(a.sup.Context())
	a.debug.Start(a.sup.Context())

	a.sup.Go0("eventbus.log", func(c context.Context) {
		events, unsub := a.bus.Subscribe(128, "hook.", "batch.")
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	a.sup.Go0("cache.sweep", func(c context.Context) {
		every, _ := config.ParseDurationOrDefault("cache.sweep_every", a.cfgm.Get().Cache.SweepEvery, time.Minute)
		if every <= 0 {
			every = time.Minute
		}
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if n := a.cache.Sweep(); n > 0 {
					a.log.Debug("cache swept", logx.Int("removed", n))
				}
			}
		}
	})

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
				// keep only the latest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("config", a.cfgPath),
		logx.Int("hooks", a.reg.Len()),
		logx.Int("triggers", len(a.triggers.Snapshot())))
	return nil
}

// apply hot-swaps a validated config into the running services.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, changedHooks := config.SummarizeChange(oldCfg, newCfg)
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
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "phase":
			a.keywords.Store(phase.NewKeyword(mapPhaseKeywords(newCfg)))
		case "context":
			a.maxTokens.Store(int64(newCfg.Context.MaxTokens))
		case "debug":
			a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))
		case "triggers":
			if ts, err := mapTriggers(newCfg); err != nil {
				a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
			} else if err := a.triggers.Set(ts); err != nil {
				a.log.Warn("invalid triggers; keeping previous", logx.Err(err))
			}
		}
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
	}

	if len(changedHooks) > 0 {
		if err := a.syncHooks(ctx, newCfg, changedHooks); err != nil {
			a.log.Warn("hook sync failed", logx.Err(err))
		} else {
			a.log.Debug("hooks synced", logx.Strs("changed", changedHooks), logx.Int("registered", a.reg.Len()))
		}
	}

	a.triggers.Apply(trigger.Config{Timezone: newCfg.Scheduler.Timezone})

	a.log.Info("config reloaded", fields...)
}

// Stop shuts services down in order. Each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok && time.Until(dl) < limit {
			limit = time.Until(dl)
		}
		if limit > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
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
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline",
					logx.String("name", name),
					logx.Duration("took", time.Since(start)),
					logx.Err(err))
			}()
		}
	}

	// triggers first: their batches may still be writing history
	step("triggers", 5*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	if a.sup != nil {
		step("supervisor", 2*time.Second, func(c context.Context) error {
			if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// close releases what New opened when construction fails half-way.
func (a *App) close() {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
