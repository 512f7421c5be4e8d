package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hookpilot/internal/anomaly"
	"hookpilot/internal/cache"
	"hookpilot/internal/config"
	"hookpilot/internal/hook"
	"hookpilot/internal/observability/debugsrv"
	"hookpilot/internal/phase"
	"hookpilot/internal/prioritize"
	"hookpilot/internal/resilience"
	"hookpilot/internal/runner"
	"hookpilot/internal/scheduler"
	"hookpilot/internal/storage"
	"hookpilot/internal/trigger"
	logx "hookpilot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Bus: logx.BusConfig{
			Enabled:    l.Bus.Enabled,
			MinLevel:   l.Bus.MinLevel,
			RatePerSec: l.Bus.RatePerSec,
		},
	}
}

// mapSchedulerConfig converts the scheduler-related sections. Zero values
// are left for scheduler.Config to default.
func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	var (
		out  scheduler.Config
		errs []error
	)
	dur := func(path, raw string) time.Duration {
		d, e := config.ParseDurationField(path, raw)
		if e != nil {
			errs = append(errs, e)
		}
		return d
	}

	s := cfg.Scheduler
	out.Workers = s.Workers
	out.TopN = s.TopN
	out.DefaultPhase = hook.Phase(strings.ToLower(strings.TrimSpace(s.DefaultPhase)))
	out.MaxTotal = dur("scheduler.max_total_time", s.MaxTotalTime)
	out.DispatchMargin = dur("scheduler.dispatch_margin", s.DispatchMargin)
	out.HookTimeout = dur("scheduler.hook_timeout", s.HookTimeout)
	out.AnomalyWarnEvery = dur("scheduler.anomaly_warn_every", s.AnomalyWarnEvery)

	p := cfg.Prioritizer
	out.Weights = prioritize.Weights{
		High:                 p.TierHigh,
		Normal:               p.TierNormal,
		Low:                  p.TierLow,
		RelevanceWeight:      p.RelevanceWeight,
		TimeNormalizerMS:     p.TimeNormalizerMS,
		UnreliabilityPenalty: p.UnreliabilityPenalty,
	}

	out.TTL = cache.DefaultPolicy()
	if d := dur("cache.default_ttl", cfg.Cache.DefaultTTL); d > 0 {
		out.TTL.Fallback = d
	}
	if len(cfg.Cache.Rules) > 0 {
		rules := make([]cache.Rule, 0, len(cfg.Cache.Rules))
		for i, r := range cfg.Cache.Rules {
			rules = append(rules, cache.Rule{
				Category:  strings.TrimSpace(r.Category),
				Fragments: r.Fragments,
				TTL:       dur(fmt.Sprintf("cache.rules[%d].ttl", i), r.TTL),
			})
		}
		out.TTL.Rules = rules
	}

	c := cfg.Circuit
	out.Breaker = resilience.BreakerConfig{
		Threshold:   c.Threshold,
		Cooldown:    dur("circuit.cooldown", c.Cooldown),
		MaxCooldown: dur("circuit.max_cooldown", c.MaxCooldown),
		ResetAfter:  dur("circuit.reset_after", c.ResetAfter),
	}
	r := cfg.Retry
	out.Retry = resilience.RetryConfig{
		MaxRetries: r.Max,
		Base:       dur("retry.base", r.Base),
		MaxDelay:   dur("retry.max_delay", r.MaxDelay),
		Jitter:     r.Jitter,
	}
	a := cfg.Anomaly
	out.Anomaly = anomaly.Config{
		Window:     a.Window,
		MinSamples: a.MinSamples,
		Factor:     a.Factor,
		Sigma:      a.Sigma,
		MinDeltaMS: a.MinDeltaMS,
	}

	return out, errors.Join(errs...)
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" || driver == "off" {
		return storage.Config{}, false, nil
	}
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), MaxEntries: sc.MaxEntries}

	var err error
	if out.Retention, err = config.ParseDurationField("storage.retention", sc.Retention); err != nil {
		return storage.Config{}, false, err
	}
	switch driver {
	case "", "memory":
	case "file":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return storage.Config{}, false, err
		}
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, true, nil
}

// mapHook builds the metadata and handler for one declared hook. rate is
// used when the config does not pin a success rate.
func mapHook(hc config.HookConfig, rate float64) (hook.Event, hook.Metadata, *runner.Command, error) {
	id := strings.TrimSpace(hc.ID)
	ev, err := hook.ParseEvent(hc.Event)
	if err != nil {
		return "", hook.Metadata{}, nil, fmt.Errorf("hook %s: %w", id, err)
	}
	tier, err := hook.ParseTier(hc.Priority)
	if err != nil {
		return "", hook.Metadata{}, nil, fmt.Errorf("hook %s: %w", id, err)
	}
	timeout, err := config.ParseDurationField("hooks."+id+".timeout", hc.Timeout)
	if err != nil {
		return "", hook.Metadata{}, nil, err
	}
	if hc.SuccessRate != nil {
		rate = *hc.SuccessRate
	}
	rel := make(map[hook.Phase]float64, len(hc.Relevance))
	for name, v := range hc.Relevance {
		p, ok := hook.ParsePhase(name)
		if !ok {
			return "", hook.Metadata{}, nil, fmt.Errorf("hook %s: unknown phase %q", id, name)
		}
		rel[p] = v
	}

	md := hook.Metadata{
		ID:          id,
		Event:       ev,
		Tier:        tier,
		EstimatedMS: hc.EstimatedMS,
		SuccessRate: rate,
		Relevance:   rel,
		Cacheable:   hc.Cacheable,
		Timeout:     timeout,
	}
	cmd := &runner.Command{
		ID:      id,
		Path:    hc.Command,
		Args:    append([]string(nil), hc.Args...),
		Env:     hc.Env,
		Dir:     hc.Dir,
		Timeout: timeout,
	}
	return ev, md, cmd, nil
}

func mapTriggers(cfg *config.Config) ([]trigger.Trigger, error) {
	out := make([]trigger.Trigger, 0, len(cfg.Triggers))
	for i, tc := range cfg.Triggers {
		if tc.Disabled {
			continue
		}
		ev, err := hook.ParseEvent(tc.Event)
		if err != nil {
			return nil, fmt.Errorf("triggers[%d]: %w", i, err)
		}
		budget, err := config.ParseDurationField(fmt.Sprintf("triggers[%d].max_total_time", i), tc.MaxTotalTime)
		if err != nil {
			return nil, err
		}
		ph, _ := hook.ParsePhase(tc.Phase)
		out = append(out, trigger.Trigger{
			Name:     strings.TrimSpace(tc.Name),
			Schedule: tc.Schedule,
			Event:    ev,
			Phase:    ph,
			Context:  tc.Context,
			MaxTotal: budget,
		})
	}
	return out, nil
}

// mapPhaseKeywords overlays configured keywords on the built-in table.
func mapPhaseKeywords(cfg *config.Config) map[hook.Phase][]string {
	kw := phase.DefaultKeywords()
	for name, words := range cfg.Phase.Keywords {
		if p, ok := hook.ParsePhase(name); ok {
			kw[p] = words
		}
	}
	return kw
}

func mapDebugConfig(cfg *config.Config) debugsrv.Config {
	d := cfg.Debug
	return debugsrv.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
	}
}
