package contextload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"hookpilot/internal/hook"
)

// Keys the scheduler always sets on a batch context.
const (
	KeyEvent         = "event"
	KeyPhase         = "phase"
	KeyExecutionMode = "execution_mode"
	KeyHooks         = "hooks"
	KeyBatchID       = "batch_id"
)

const (
	ModeOptimized = "optimized"
	ModeFallback  = "fallback"
)

// DefaultTopN is how many ranked hooks a context bundle is built for.
const DefaultTopN = 5

// ErrInvalidResult marks a loader result the scheduler cannot use.
var ErrInvalidResult = errors.New("contextload: invalid loader result")

// Request describes the batch a context bundle is built for.
type Request struct {
	BatchID string
	Event   hook.Event
	Phase   hook.Phase
	// Context is the caller-provided bundle. Loaders must not mutate it.
	Context map[string]any
	// Hooks are the top-ranked hook IDs, already truncated to top-N.
	Hooks []string
}

// Metrics describes what a loader did.
type Metrics struct {
	Tokens     int           `json:"tokens"`
	Dropped    []string      `json:"dropped,omitempty"`
	OverBudget bool          `json:"over_budget,omitempty"`
	Took       time.Duration `json:"took"`
}

// Loader builds an optimized execution context for a batch.
type Loader interface {
	Load(ctx context.Context, req Request) (map[string]any, Metrics, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, req Request) (map[string]any, Metrics, error)

func (f LoaderFunc) Load(ctx context.Context, req Request) (map[string]any, Metrics, error) {
	return f(ctx, req)
}

// Outcome is the result of Load. Fallback is set when the loader failed and
// Context is the caller's bundle annotated with the batch fields.
type Outcome struct {
	Context  map[string]any
	Metrics  Metrics
	Fallback bool
	Err      error
}

// Load runs l for req and never fails: loader errors, panics and nil
// results produce a fallback outcome. The returned context always carries
// the request's event, phase, hooks and batch ID.
func Load(ctx context.Context, l Loader, req Request) Outcome {
	if l == nil {
		return fallback(req, nil)
	}
	start := time.Now()
	out, m, err := safeLoad(ctx, l, req)
	if err == nil && out == nil {
		err = fmt.Errorf("%w: nil context", ErrInvalidResult)
	}
	if err != nil {
		o := fallback(req, err)
		o.Metrics.Took = time.Since(start)
		return o
	}
	annotate(out, req, ModeOptimized)
	if m.Took <= 0 {
		m.Took = time.Since(start)
	}
	return Outcome{Context: out, Metrics: m}
}

func safeLoad(ctx context.Context, l Loader, req Request) (out map[string]any, m Metrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, m = nil, Metrics{}
			err = fmt.Errorf("%w: loader panic: %v", ErrInvalidResult, r)
		}
	}()
	in := req
	in.Context = clone(req.Context)
	in.Hooks = append([]string(nil), req.Hooks...)
	return l.Load(ctx, in)
}

func fallback(req Request, err error) Outcome {
	out := clone(req.Context)
	annotate(out, req, ModeFallback)
	return Outcome{Context: out, Fallback: true, Err: err, Metrics: Metrics{Tokens: EstimateTokens(out)}}
}

func annotate(m map[string]any, req Request, mode string) {
	m[KeyEvent] = string(req.Event)
	m[KeyPhase] = string(req.Phase)
	m[KeyExecutionMode] = mode
	m[KeyHooks] = append([]string(nil), req.Hooks...)
	if req.BatchID != "" {
		m[KeyBatchID] = req.BatchID
	}
}

// IsReserved reports whether key is set by the scheduler.
func IsReserved(key string) bool {
	switch key {
	case KeyEvent, KeyPhase, KeyExecutionMode, KeyHooks, KeyBatchID:
		return true
	}
	return false
}

// clone copies the top level of m. Nested values are shared.
func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+5)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// EstimateTokens approximates the token cost of v as a quarter of its JSON
// length, rounded up. Values that cannot be encoded cost 0.
func EstimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return (len(b) + 3) / 4
}

// TokenBudget is the default loader. It drops the largest non-reserved
// top-level keys until the bundle fits MaxTokens.
type TokenBudget struct {
	// MaxTokens defaults to 4000.
	MaxTokens int
}

func (t TokenBudget) Load(ctx context.Context, req Request) (map[string]any, Metrics, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, Metrics{}, err
	}
	limit := t.MaxTokens
	if limit <= 0 {
		limit = 4000
	}

	out := clone(req.Context)
	annotate(out, req, ModeOptimized)

	raw, err := json.Marshal(out)
	if err != nil {
		return nil, Metrics{}, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}
	m := Metrics{Tokens: (len(raw) + 3) / 4}
	if m.Tokens <= limit {
		m.Took = time.Since(start)
		return out, m, nil
	}

	type sized struct {
		key  string
		size int
	}
	var cands []sized
	for k, v := range out {
		if IsReserved(k) {
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, Metrics{}, fmt.Errorf("%w: key %q: %v", ErrInvalidResult, k, err)
		}
		cands = append(cands, sized{key: k, size: len(b) + len(k) + 4})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].size != cands[j].size {
			return cands[i].size > cands[j].size
		}
		return cands[i].key < cands[j].key
	})

	size := len(raw)
	for _, c := range cands {
		if (size+3)/4 <= limit {
			break
		}
		delete(out, c.key)
		m.Dropped = append(m.Dropped, c.key)
		size -= c.size
	}

	m.Tokens = EstimateTokens(out)
	m.OverBudget = m.Tokens > limit
	m.Took = time.Since(start)
	return out, m, nil
}
