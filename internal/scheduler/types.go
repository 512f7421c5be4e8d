package scheduler

import (
	"errors"
	"sort"
	"time"

	"hookpilot/internal/anomaly"
	"hookpilot/internal/cache"
	"hookpilot/internal/contextload"
	"hookpilot/internal/hook"
	"hookpilot/internal/prioritize"
	"hookpilot/internal/resilience"
)

// Messages put in Result.Error for configuration problems.
const (
	MsgMetadataMissing = "Hook metadata not found"
	MsgHandlerMissing  = "Hook handler not bound"
)

// Failed results wrap one of these; hook.Result.Kind names which.
var (
	ErrMetadataMissing = errors.New(MsgMetadataMissing)
	ErrHandlerMissing  = errors.New(MsgHandlerMissing)
	// ErrRejected is returned for a handler answering Continue=false.
	ErrRejected = errors.New("hook rejected")
	ErrTimeout  = errors.New("hook timed out")
)

// Skip reasons reported on the event bus.
const (
	ReasonBudget    = "budget"
	ReasonCanceled  = "canceled"
	ReasonCircuit   = "circuit_open"
	ReasonNoHandler = "handler_missing"
)

// Config controls execution. Zero values fall back to the defaults noted
// on each field.
type Config struct {
	// Workers bounds concurrent hook executions per batch. Default 4.
	Workers int
	// MaxTotal is the default wall-clock budget of a batch. Default 30s.
	MaxTotal time.Duration
	// DispatchMargin stops new dispatches this long before the budget runs
	// out. Default 10% of the budget.
	DispatchMargin time.Duration
	// TopN is how many ranked hooks the context is loaded for. Default 5.
	TopN int
	// DefaultPhase is used when no phase is given or detected. Default planning.
	DefaultPhase hook.Phase
	// HookTimeout bounds one invocation when the hook declares none. Default 30s.
	HookTimeout time.Duration
	// AnomalyWarnEvery throttles anomaly warnings. Default 5s.
	AnomalyWarnEvery time.Duration

	Weights prioritize.Weights
	TTL     cache.Policy
	Breaker resilience.BreakerConfig
	Retry   resilience.RetryConfig
	Anomaly anomaly.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxTotal <= 0 {
		c.MaxTotal = 30 * time.Second
	}
	if c.TopN <= 0 {
		c.TopN = contextload.DefaultTopN
	}
	if _, ok := hook.ParsePhase(string(c.DefaultPhase)); !ok {
		c.DefaultPhase = hook.PhasePlanning
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = 30 * time.Second
	}
	if c.AnomalyWarnEvery <= 0 {
		c.AnomalyWarnEvery = 5 * time.Second
	}
	if len(c.TTL.Rules) == 0 && c.TTL.Fallback <= 0 {
		c.TTL = cache.DefaultPolicy()
	}
	return c
}

// margin returns the dispatch margin for budget.
func (c Config) margin(budget time.Duration) time.Duration {
	m := c.DispatchMargin
	if m <= 0 {
		m = budget / 10
	}
	if m > budget {
		m = budget
	}
	return m
}

// Request is one batch: run the hooks registered for Event.
type Request struct {
	Event   hook.Event
	Context map[string]any
	// UserInput feeds the phase detector when Phase is empty.
	UserInput string
	Phase     hook.Phase
	// MaxTotal overrides Config.MaxTotal when > 0.
	MaxTotal time.Duration
}

// Batch is the outcome of ExecuteHooks. Results are in completion order.
type Batch struct {
	ID      string              `json:"id"`
	Event   hook.Event          `json:"event"`
	Phase   hook.Phase          `json:"phase"`
	Context map[string]any      `json:"context,omitempty"`
	Ranked  []prioritize.Ranked `json:"ranked,omitempty"`
	Results []hook.Result       `json:"results"`
	Skipped []string            `json:"skipped,omitempty"`
	Loader  contextload.Metrics `json:"loader"`

	// Fallback is set when the context loader failed.
	Fallback bool          `json:"fallback,omitempty"`
	Took     time.Duration `json:"took"`
}

// Sorted returns the results in rank order.
func (b Batch) Sorted() []hook.Result {
	pos := make(map[string]int, len(b.Ranked))
	for i, r := range b.Ranked {
		pos[r.HookID] = i
	}
	out := append([]hook.Result(nil), b.Results...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, oki := pos[out[i].HookID]
		pj, okj := pos[out[j].HookID]
		if oki != okj {
			return oki
		}
		return pi < pj
	})
	return out
}

// Failed counts unsuccessful results.
func (b Batch) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.Success {
			n++
		}
	}
	return n
}

// Counters are cumulative and updated under a single lock.
type Counters struct {
	Batches         uint64 `json:"batches"`
	Executions      uint64 `json:"executions"`
	Failures        uint64 `json:"failures"`
	CacheHits       uint64 `json:"cache_hits"`
	CacheMisses     uint64 `json:"cache_misses"`
	CircuitTrips    uint64 `json:"circuit_trips"`
	CircuitOpens    uint64 `json:"circuit_opens"`
	Anomalies       uint64 `json:"anomalies"`
	BudgetSkips     uint64 `json:"budget_skips"`
	MetadataMissing uint64 `json:"metadata_missing"`
	LoaderFallbacks uint64 `json:"loader_fallbacks"`
}

// HookEvent is the payload of hook.* bus events.
type HookEvent struct {
	BatchID    string     `json:"batch_id,omitempty"`
	HookID     string     `json:"hook_id"`
	Event      hook.Event `json:"event,omitempty"`
	Phase      hook.Phase `json:"phase,omitempty"`
	Success    bool       `json:"success"`
	Cached     bool       `json:"cached,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	DurationMS float64    `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Anomaly    string     `json:"anomaly,omitempty"`
}

// BatchEvent is the payload of batch.finished.
type BatchEvent struct {
	ID       string        `json:"id"`
	Event    hook.Event    `json:"event"`
	Phase    hook.Phase    `json:"phase"`
	Results  int           `json:"results"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Fallback bool          `json:"fallback,omitempty"`
	Took     time.Duration `json:"took"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Workers      int                         `json:"workers"`
	MaxTotal     time.Duration               `json:"max_total"`
	InFlight     int64                       `json:"in_flight"`
	Counters     Counters                    `json:"counters"`
	Cache        cache.Stats                 `json:"cache"`
	Breakers     []resilience.NamedBreaker   `json:"breakers"`
	OpenBreakers int                         `json:"open_breakers"`
	BreakerTrips uint64                      `json:"breaker_trips"`
	Baselines    map[string]anomaly.Baseline `json:"baselines"`
	Weights      prioritize.Weights          `json:"weights"`
}
