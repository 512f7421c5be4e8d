package config

import (
	"bytes"
	"encoding/json"
)

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Cache     CacheConfig     `json:"cache"`
	Circuit   CircuitConfig   `json:"circuit"`
	Retry     RetryConfig     `json:"retry"`
	Anomaly   AnomalyConfig   `json:"anomaly"`
	Context   ContextConfig   `json:"context"`

	Prioritizer PrioritizerConfig `json:"prioritizer"`
	Phase       PhaseConfig       `json:"phase"`

	// Storage is optional; nil disables execution history.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug is the optional status and pprof listener used by serve.
	Debug DebugConfig `json:"debug"`

	Hooks    []HookConfig    `json:"hooks"`
	Triggers []TriggerConfig `json:"triggers,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Bus     LoggingBus  `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingBus forwards warnings to the event bus (serve mode subscribers).
type LoggingBus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls batch execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_total_time: "30s"
//   - dispatch_margin: 10% of max_total_time
//   - top_n: 5
//   - default_phase: "planning"
//   - hook_timeout: "30s"
//   - anomaly_warn_every: "5s"
type SchedulerConfig struct {
	Workers        int    `json:"workers,omitempty"`
	MaxTotalTime   string `json:"max_total_time,omitempty"`
	DispatchMargin string `json:"dispatch_margin,omitempty"`
	TopN           int    `json:"top_n,omitempty"`
	DefaultPhase   string `json:"default_phase,omitempty"`
	HookTimeout    string `json:"hook_timeout,omitempty"`

	AnomalyWarnEvery string `json:"anomaly_warn_every,omitempty"`

	// Timezone for cron triggers. Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// CacheConfig overrides the TTL naming policy. Omitted rules keep the
// built-in categories (network 60s, write 30s, read 30m, default 10s).
type CacheConfig struct {
	DefaultTTL string         `json:"default_ttl,omitempty"`
	Rules      []CacheRuleRaw `json:"rules,omitempty"`
	// SweepEvery removes expired entries periodically in serve mode.
	SweepEvery string `json:"sweep_every,omitempty"`
}

type CacheRuleRaw struct {
	Category  string   `json:"category"`
	Fragments []string `json:"fragments"`
	TTL       string   `json:"ttl"`
}

// CircuitConfig controls the per-hook breaker. threshold < 0 disables it;
// reset_after is off unless set.
type CircuitConfig struct {
	Threshold   int    `json:"threshold,omitempty"`
	Cooldown    string `json:"cooldown,omitempty"`
	MaxCooldown string `json:"max_cooldown,omitempty"`
	ResetAfter  string `json:"reset_after,omitempty"`
}

// RetryConfig controls retries of one logical attempt. max < 0 disables
// retries.
type RetryConfig struct {
	Max      int     `json:"max,omitempty"`
	Base     string  `json:"base,omitempty"`
	MaxDelay string  `json:"max_delay,omitempty"`
	Jitter   float64 `json:"jitter,omitempty"`
}

type AnomalyConfig struct {
	Window     int     `json:"window,omitempty"`
	MinSamples int     `json:"min_samples,omitempty"`
	Factor     float64 `json:"factor,omitempty"`
	Sigma      float64 `json:"sigma,omitempty"`
	MinDeltaMS float64 `json:"min_delta_ms,omitempty"`
}

type ContextConfig struct {
	MaxTokens int `json:"max_tokens,omitempty"`
}

// PrioritizerConfig overrides scoring weights. Zero or negative fields keep
// defaults; tier weights must stay ascending (high < normal < low).
type PrioritizerConfig struct {
	TierHigh             float64 `json:"tier_high,omitempty"`
	TierNormal           float64 `json:"tier_normal,omitempty"`
	TierLow              float64 `json:"tier_low,omitempty"`
	RelevanceWeight      float64 `json:"relevance_weight,omitempty"`
	TimeNormalizerMS     float64 `json:"time_normalizer_ms,omitempty"`
	UnreliabilityPenalty float64 `json:"unreliability_penalty,omitempty"`
}

// PhaseConfig replaces the keyword table of the phase detector. Phases not
// listed keep their built-in keywords.
type PhaseConfig struct {
	Keywords map[string][]string `json:"keywords,omitempty"`
}

// StorageConfig controls the execution history.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./hookpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxEntries  int    `json:"max_entries,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// DebugConfig controls the debug HTTP listener. A non-loopback addr
// requires token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// HookConfig declares one hook and the command that implements it.
type HookConfig struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	// Priority is high, normal or low.
	Priority    string             `json:"priority,omitempty"`
	EstimatedMS float64            `json:"estimated_ms,omitempty"`
	SuccessRate *float64           `json:"success_rate,omitempty"`
	Relevance   map[string]float64 `json:"relevance,omitempty"`
	Cacheable   bool               `json:"cacheable,omitempty"`
	Timeout     string             `json:"timeout,omitempty"`

	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// UnmarshalJSON rejects unknown keys inside a hook entry so typos are caught
// on reload.
func (h *HookConfig) UnmarshalJSON(b []byte) error {
	type raw HookConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var r raw
	if err := dec.Decode(&r); err != nil {
		return err
	}
	*h = HookConfig(r)
	return nil
}

// TriggerConfig fires Event on Schedule ("@every 5m", "*/10 * * * *",
// "every 30s").
type TriggerConfig struct {
	Name     string         `json:"name"`
	Schedule string         `json:"schedule"`
	Event    string         `json:"event"`
	Phase    string         `json:"phase,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	// MaxTotalTime overrides scheduler.max_total_time for this trigger.
	MaxTotalTime string `json:"max_total_time,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}
