package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"hookpilot/internal/hook"
	"hookpilot/internal/prioritize"
)

// Validate checks the parts of the configuration that can be checked
// without building services: bounds, enums and duration strings. Every
// problem is reported, joined into one error.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	s := c.Scheduler
	if s.Workers < 0 {
		add(errors.New("scheduler.workers must be >= 0"))
	}
	if s.TopN < 0 {
		add(errors.New("scheduler.top_n must be >= 0"))
	}
	dur("scheduler.max_total_time", s.MaxTotalTime)
	dur("scheduler.dispatch_margin", s.DispatchMargin)
	dur("scheduler.hook_timeout", s.HookTimeout)
	dur("scheduler.anomaly_warn_every", s.AnomalyWarnEvery)
	if p := strings.TrimSpace(s.DefaultPhase); p != "" {
		if _, ok := hook.ParsePhase(p); !ok {
			add(fmt.Errorf("scheduler.default_phase: unknown phase %q", p))
		}
	}
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}

	pw := prioritize.Weights{High: c.Prioritizer.TierHigh, Normal: c.Prioritizer.TierNormal, Low: c.Prioritizer.TierLow}
	if err := pw.Check(); err != nil {
		add(fmt.Errorf("prioritizer: %w", err))
	}

	dur("cache.default_ttl", c.Cache.DefaultTTL)
	dur("cache.sweep_every", c.Cache.SweepEvery)
	for i, r := range c.Cache.Rules {
		path := fmt.Sprintf("cache.rules[%d]", i)
		if strings.TrimSpace(r.Category) == "" {
			add(fmt.Errorf("%s.category is required", path))
		}
		if len(r.Fragments) == 0 {
			add(fmt.Errorf("%s.fragments must not be empty", path))
		}
		if d, err := ParseDurationField(path+".ttl", r.TTL); err != nil {
			add(err)
		} else if d <= 0 {
			add(fmt.Errorf("%s.ttl must be > 0", path))
		}
	}

	dur("circuit.cooldown", c.Circuit.Cooldown)
	dur("circuit.max_cooldown", c.Circuit.MaxCooldown)
	dur("circuit.reset_after", c.Circuit.ResetAfter)

	dur("retry.base", c.Retry.Base)
	dur("retry.max_delay", c.Retry.MaxDelay)
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		add(errors.New("retry.jitter must be within [0, 1]"))
	}

	a := c.Anomaly
	if a.Window < 0 || a.MinSamples < 0 || a.Factor < 0 || a.MinDeltaMS < 0 {
		add(errors.New("anomaly: window, min_samples, factor and min_delta_ms must be >= 0"))
	}
	if a.Factor > 0 && a.Factor <= 1 {
		add(errors.New("anomaly.factor must be > 1"))
	}
	if c.Context.MaxTokens < 0 {
		add(errors.New("context.max_tokens must be >= 0"))
	}

	for name := range c.Phase.Keywords {
		if _, ok := hook.ParsePhase(name); !ok {
			add(fmt.Errorf("phase.keywords: unknown phase %q", name))
		}
	}

	if st := c.Storage; st != nil {
		dur("storage.busy_timeout", st.BusyTimeout)
		dur("storage.retention", st.Retention)
		if st.MaxEntries < 0 {
			add(errors.New("storage.max_entries must be >= 0"))
		}
	}

	if d := c.Debug; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	seen := map[string]int{}
	for i, h := range c.Hooks {
		add(validateHook(fmt.Sprintf("hooks[%d]", i), h))
		id := strings.TrimSpace(h.ID)
		if j, dup := seen[id]; dup && id != "" {
			add(fmt.Errorf("hooks[%d]: duplicate id %q (also hooks[%d])", i, id, j))
		}
		seen[id] = i
	}

	names := map[string]bool{}
	for i, t := range c.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		name := strings.TrimSpace(t.Name)
		if name == "" {
			add(fmt.Errorf("%s.name is required", path))
		} else if names[name] {
			add(fmt.Errorf("%s: duplicate name %q", path, name))
		}
		names[name] = true
		if strings.TrimSpace(t.Schedule) == "" {
			add(fmt.Errorf("%s.schedule is required", path))
		}
		if _, err := hook.ParseEvent(t.Event); err != nil {
			add(fmt.Errorf("%s.event: %w", path, err))
		}
		if p := strings.TrimSpace(t.Phase); p != "" {
			if _, ok := hook.ParsePhase(p); !ok {
				add(fmt.Errorf("%s.phase: unknown phase %q", path, p))
			}
		}
		dur(path+".max_total_time", t.MaxTotalTime)
	}

	return errors.Join(errs...)
}

func validateHook(path string, h HookConfig) error {
	var errs []error
	if strings.TrimSpace(h.ID) == "" {
		errs = append(errs, fmt.Errorf("%s.id is required", path))
	}
	if _, err := hook.ParseEvent(h.Event); err != nil {
		errs = append(errs, fmt.Errorf("%s.event: %w", path, err))
	}
	if _, err := hook.ParseTier(h.Priority); err != nil {
		errs = append(errs, fmt.Errorf("%s.priority: %w", path, err))
	}
	if strings.TrimSpace(h.Command) == "" && !h.Disabled {
		errs = append(errs, fmt.Errorf("%s.command is required", path))
	}
	if h.EstimatedMS < 0 {
		errs = append(errs, fmt.Errorf("%s.estimated_ms must be >= 0", path))
	}
	if h.SuccessRate != nil && (*h.SuccessRate < 0 || *h.SuccessRate > 1) {
		errs = append(errs, fmt.Errorf("%s.success_rate must be within [0, 1]", path))
	}
	for p, v := range h.Relevance {
		if _, ok := hook.ParsePhase(p); !ok {
			errs = append(errs, fmt.Errorf("%s.relevance: unknown phase %q", path, p))
		}
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s.relevance[%s] must be within [0, 1]", path, p))
		}
	}
	if _, err := ParseDurationField(path+".timeout", h.Timeout); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
