// Package prioritize orders candidate hooks for a batch.
//
// Scores are "lower runs first":
//
//	score = tier weight - relevance*RelevanceWeight + EstimatedMS/TimeNormalizer + (1-SuccessRate)*UnreliabilityPenalty
package prioritize

import (
	"fmt"
	"sort"

	"hookpilot/internal/hook"
	logx "hookpilot/pkg/logx"
)

// Weights are the knobs of the scoring formula.
type Weights struct {
	High   float64
	Normal float64
	Low    float64

	RelevanceWeight      float64
	TimeNormalizerMS     float64
	UnreliabilityPenalty float64
}

func DefaultWeights() Weights {
	return Weights{
		High:                 1,
		Normal:               2,
		Low:                  3,
		RelevanceWeight:      1,
		TimeNormalizerMS:     1000,
		UnreliabilityPenalty: 2,
	}
}

// withDefaults fills every non-positive field from DefaultWeights.
func (w Weights) withDefaults() Weights {
	d := DefaultWeights()
	if w.High <= 0 {
		w.High = d.High
	}
	if w.Normal <= 0 {
		w.Normal = d.Normal
	}
	if w.Low <= 0 {
		w.Low = d.Low
	}
	if w.RelevanceWeight <= 0 {
		w.RelevanceWeight = d.RelevanceWeight
	}
	if w.TimeNormalizerMS <= 0 {
		w.TimeNormalizerMS = d.TimeNormalizerMS
	}
	if w.UnreliabilityPenalty <= 0 {
		w.UnreliabilityPenalty = d.UnreliabilityPenalty
	}
	return w
}

// Check reports whether the tier weights, after defaults, keep
// HIGH < NORMAL < LOW.
func (w Weights) Check() error {
	e := w.withDefaults()
	if e.High < e.Normal && e.Normal < e.Low {
		return nil
	}
	return fmt.Errorf("tier weights must ascend high < normal < low (got %g, %g, %g)", e.High, e.Normal, e.Low)
}

func (w Weights) tier(t hook.Tier) float64 {
	switch t {
	case hook.TierHigh:
		return w.High
	case hook.TierLow:
		return w.Low
	default:
		return w.Normal
	}
}

// Ranked is one entry of a prioritized batch.
type Ranked struct {
	HookID string  `json:"hook_id"`
	Score  float64 `json:"score"`
}

// Lookup is the part of the registry the prioritizer reads.
type Lookup interface {
	Get(id string) (hook.Metadata, bool)
}

type Prioritizer struct {
	reg Lookup
	w   Weights
	log logx.Logger
}

func New(reg Lookup, w Weights, log logx.Logger) *Prioritizer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Prioritizer{reg: reg, w: w.withDefaults(), log: log}
}

func (p *Prioritizer) Weights() Weights { return p.w }

// Score computes the score of md for phase. known=false means the phase is
// unknown and relevance is neutral.
func (p *Prioritizer) Score(md hook.Metadata, phase hook.Phase, known bool) float64 {
	rel := md.RelevanceFor(phase, known)
	return p.w.tier(md.Tier) -
		rel*p.w.RelevanceWeight +
		md.EstimatedMS/p.w.TimeNormalizerMS +
		(1-md.SuccessRate)*p.w.UnreliabilityPenalty
}

// Rank scores ids and returns them in ascending score order. IDs without
// metadata are dropped. Equal scores keep input order.
func (p *Prioritizer) Rank(ids []string, phase hook.Phase, known bool) []Ranked {
	out := make([]Ranked, 0, len(ids))
	for _, id := range ids {
		md, ok := p.reg.Get(id)
		if !ok {
			p.log.Debug("hook skipped: no metadata", logx.String("hook", id))
			continue
		}
		out = append(out, Ranked{HookID: id, Score: p.Score(md, phase, known)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// Top returns the first n IDs of ranked (all of them if n <= 0 or larger).
func Top(ranked []Ranked, n int) []string {
	if n <= 0 || n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].HookID
	}
	return out
}
