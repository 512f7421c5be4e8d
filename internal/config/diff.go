package config

import (
	"reflect"
	"sort"
	"strings"

	logx "hookpilot/pkg/logx"
)

// SummarizeChange returns the changed sections, log fields describing the
// new values, and the IDs of hooks that were added, removed or changed.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.bus_enabled", newCfg.Logging.Bus.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Int("scheduler.workers", s.Workers),
			logx.String("scheduler.max_total_time", strings.TrimSpace(s.MaxTotalTime)),
			logx.String("scheduler.dispatch_margin", strings.TrimSpace(s.DispatchMargin)),
			logx.Int("scheduler.top_n", s.TopN),
			logx.String("scheduler.default_phase", strings.TrimSpace(s.DefaultPhase)),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Cache, newCfg.Cache) {
		changed = append(changed, "cache")
		attrs = append(attrs,
			logx.String("cache.default_ttl", strings.TrimSpace(newCfg.Cache.DefaultTTL)),
			logx.Int("cache.rules", len(newCfg.Cache.Rules)),
		)
	}
	if oldCfg.Circuit != newCfg.Circuit {
		changed = append(changed, "circuit")
		attrs = append(attrs,
			logx.Int("circuit.threshold", newCfg.Circuit.Threshold),
			logx.String("circuit.cooldown", strings.TrimSpace(newCfg.Circuit.Cooldown)),
		)
	}
	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max", newCfg.Retry.Max),
			logx.String("retry.base", strings.TrimSpace(newCfg.Retry.Base)),
		)
	}
	if oldCfg.Anomaly != newCfg.Anomaly {
		changed = append(changed, "anomaly")
	}
	if oldCfg.Context != newCfg.Context {
		changed = append(changed, "context")
		attrs = append(attrs, logx.Int("context.max_tokens", newCfg.Context.MaxTokens))
	}
	if oldCfg.Prioritizer != newCfg.Prioritizer {
		changed = append(changed, "prioritizer")
	}
	if !reflect.DeepEqual(oldCfg.Phase, newCfg.Phase) {
		changed = append(changed, "phase")
	}

	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", storageKey(newCfg.Storage).driver))
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
		)
	}

	hooks := diffHooks(oldCfg.Hooks, newCfg.Hooks)
	if len(hooks) > 0 {
		changed = append(changed, "hooks")
		attrs = append(attrs,
			logx.Int("hooks.changed_count", len(hooks)),
			logx.Int("hooks.total", len(newCfg.Hooks)),
		)
	}

	if hashJSON(oldCfg.Triggers) != hashJSON(newCfg.Triggers) {
		changed = append(changed, "triggers")
		attrs = append(attrs, logx.Int("triggers.total", len(newCfg.Triggers)))
	}

	sort.Strings(changed)
	return changed, attrs, hooks
}

type storageSummary struct {
	driver, path, busy, retention string
	maxEntries                    int
}

func storageKey(s *StorageConfig) storageSummary {
	if s == nil {
		return storageSummary{}
	}
	return storageSummary{
		driver:     strings.ToLower(strings.TrimSpace(s.Driver)),
		path:       strings.TrimSpace(s.Path),
		busy:       strings.TrimSpace(s.BusyTimeout),
		retention:  strings.TrimSpace(s.Retention),
		maxEntries: s.MaxEntries,
	}
}

func diffHooks(oldH, newH []HookConfig) []string {
	index := func(hs []HookConfig) map[string]uint64 {
		m := make(map[string]uint64, len(hs))
		for _, h := range hs {
			m[strings.TrimSpace(h.ID)] = hashJSON(h)
		}
		return m
	}
	o, n := index(oldH), index(newH)

	out := make([]string, 0)
	for id, h := range n {
		if oh, ok := o[id]; !ok || oh != h {
			out = append(out, id)
		}
	}
	for id := range o {
		if _, ok := n[id]; !ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
