package hook

import (
	"fmt"
	"strings"
	"time"
)

// Event is a named point in the host application's lifecycle at which hooks run.
type Event string

const (
	EventSessionStart     Event = "SessionStart"
	EventSessionEnd       Event = "SessionEnd"
	EventUserPromptSubmit Event = "UserPromptSubmit"
	EventPreToolUse       Event = "PreToolUse"
	EventPostToolUse      Event = "PostToolUse"
	EventNotification     Event = "Notification"
	EventStop             Event = "Stop"
	EventSubagentStop     Event = "SubagentStop"
	EventPreCompact       Event = "PreCompact"
)

// Events lists every known lifecycle event.
var Events = []Event{
	EventSessionStart,
	EventSessionEnd,
	EventUserPromptSubmit,
	EventPreToolUse,
	EventPostToolUse,
	EventNotification,
	EventStop,
	EventSubagentStop,
	EventPreCompact,
}

// ParseEvent resolves an event name case-insensitively.
func ParseEvent(s string) (Event, error) {
	s = strings.TrimSpace(s)
	for _, e := range Events {
		if strings.EqualFold(string(e), s) {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// Phase is a coarse workflow stage used to weight hook relevance.
type Phase string

const (
	PhaseSpec     Phase = "spec"
	PhaseRed      Phase = "red"
	PhaseGreen    Phase = "green"
	PhaseRefactor Phase = "refactor"
	PhaseSync     Phase = "sync"
	PhaseDebug    Phase = "debug"
	PhasePlanning Phase = "planning"
)

var Phases = []Phase{PhaseSpec, PhaseRed, PhaseGreen, PhaseRefactor, PhaseSync, PhaseDebug, PhasePlanning}

// ParsePhase resolves a phase name case-insensitively.
func ParsePhase(s string) (Phase, bool) {
	s = strings.TrimSpace(s)
	for _, p := range Phases {
		if strings.EqualFold(string(p), s) {
			return p, true
		}
	}
	return "", false
}

// Tier is the declared priority class of a hook. Lower tiers run first.
type Tier int

const (
	TierHigh Tier = iota + 1
	TierNormal
	TierLow
)

func (t Tier) String() string {
	switch t {
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	case TierLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParseTier maps "high", "normal" or "low" to a Tier. Empty means normal.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return TierHigh, nil
	case "", "normal", "medium":
		return TierNormal, nil
	case "low":
		return TierLow, nil
	default:
		return 0, fmt.Errorf("unknown priority tier %q", s)
	}
}

// NeutralRelevance is used when the phase is unknown or the hook has no
// rating for it, so unrated hooks are neither favored nor penalized.
const NeutralRelevance = 0.5

// Metadata is the declared description of a hook.
//
// The registry owns Metadata; it is immutable after registration except
// SuccessRate, which follows observed outcomes.
type Metadata struct {
	ID          string
	Event       Event
	Tier        Tier
	EstimatedMS float64
	SuccessRate float64
	Relevance   map[Phase]float64

	// Cacheable enables result memoization for this hook.
	Cacheable bool
	// Timeout bounds a single invocation. 0 means the scheduler default.
	Timeout time.Duration
}

// RelevanceFor returns the hook's relevance for phase, or NeutralRelevance
// when the phase is unknown or unrated.
func (m Metadata) RelevanceFor(phase Phase, known bool) float64 {
	if !known {
		return NeutralRelevance
	}
	v, ok := m.Relevance[phase]
	if !ok {
		return NeutralRelevance
	}
	return v
}

// FailureKind classifies an unsuccessful Result.
type FailureKind string

const (
	KindFailed          FailureKind = "failed"
	KindMetadataMissing FailureKind = "metadata_missing"
	KindHandlerMissing  FailureKind = "handler_missing"
	KindCircuitOpen     FailureKind = "circuit_open"
	KindRejected        FailureKind = "rejected"
	KindTimeout         FailureKind = "timeout"
	KindCanceled        FailureKind = "canceled"
)

// Result is the outcome of one hook execution. Results are never mutated
// after they are returned, so cached copies are shared safely.
type Result struct {
	HookID      string         `json:"hook_id"`
	Success     bool           `json:"success"`
	ExecutionMS float64        `json:"execution_ms"`
	TokenUsage  int            `json:"token_usage"`
	Output      string         `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Kind        FailureKind    `json:"kind,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Cached      bool           `json:"cached,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
