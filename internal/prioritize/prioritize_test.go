package prioritize

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"hookpilot/internal/hook"
	logx "hookpilot/pkg/logx"
)

func newRegistry(t *testing.T, mds ...hook.Metadata) *hook.Registry {
	t.Helper()
	r := hook.NewRegistry()
	for _, md := range mds {
		require.NoError(t, r.Register(hook.EventSessionStart, md))
	}
	return r
}

func TestScoreFormula(t *testing.T) {
	t.Parallel()
	p := New(hook.NewRegistry(), DefaultWeights(), logx.Nop())
	md := hook.Metadata{
		Tier:        hook.TierNormal,
		EstimatedMS: 500,
		SuccessRate: 0.75,
		Relevance:   map[hook.Phase]float64{hook.PhaseRed: 1},
	}
	// 2 - 1*1 + 500/1000 + 0.25*2
	assert.InDelta(t, 2.0, p.Score(md, hook.PhaseRed, true), 1e-9)
	// unknown phase: relevance 0.5
	assert.InDelta(t, 2.5, p.Score(md, "", false), 1e-9)
}

func TestRankOrdersByTierRelevanceAndCost(t *testing.T) {
	t.Parallel()
	r := newRegistry(t,
		hook.Metadata{ID: "low", Tier: hook.TierLow, SuccessRate: 1},
		hook.Metadata{ID: "high", Tier: hook.TierHigh, SuccessRate: 1},
		hook.Metadata{ID: "normal_relevant", Tier: hook.TierNormal, SuccessRate: 1, Relevance: map[hook.Phase]float64{hook.PhaseSpec: 1}},
		hook.Metadata{ID: "normal_slow", Tier: hook.TierNormal, SuccessRate: 1, EstimatedMS: 900},
	)
	p := New(r, DefaultWeights(), logx.Nop())

	got := p.Rank([]string{"low", "high", "normal_relevant", "normal_slow"}, hook.PhaseSpec, true)
	assert.Equal(t, []string{"high", "normal_relevant", "normal_slow", "low"}, Top(got, 0))
}

func TestRankDropsUnregistered(t *testing.T) {
	t.Parallel()
	r := newRegistry(t, hook.Metadata{ID: "known", SuccessRate: 1})
	p := New(r, DefaultWeights(), logx.Nop())

	got := p.Rank([]string{"ghost", "known", "phantom"}, hook.PhaseRed, true)
	require.Len(t, got, 1)
	assert.Equal(t, "known", got[0].HookID)
}

func TestUnreliableHooksSinkLower(t *testing.T) {
	t.Parallel()
	r := newRegistry(t,
		hook.Metadata{ID: "flaky", SuccessRate: 0.2},
		hook.Metadata{ID: "steady", SuccessRate: 1},
	)
	p := New(r, DefaultWeights(), logx.Nop())
	assert.Equal(t, []string{"steady", "flaky"}, Top(p.Rank([]string{"flaky", "steady"}, "", false), 0))
}

func TestTopTruncates(t *testing.T) {
	t.Parallel()
	ranked := []Ranked{{HookID: "a"}, {HookID: "b"}, {HookID: "c"}}
	assert.Equal(t, []string{"a", "b"}, Top(ranked, 2))
	assert.Equal(t, []string{"a", "b", "c"}, Top(ranked, 10))
	assert.Empty(t, Top(nil, 5))
}

func TestRankProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := hook.NewRegistry()
		n := rapid.IntRange(0, 12).Draw(t, "registered")
		registered := map[string]bool{}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("hook_%d", i)
			registered[id] = true
			_ = r.Register(hook.EventStop, hook.Metadata{
				ID:          id,
				Tier:        hook.Tier(rapid.IntRange(1, 3).Draw(t, "tier")),
				EstimatedMS: float64(rapid.IntRange(0, 3).Draw(t, "cost") * 250),
				SuccessRate: float64(rapid.IntRange(0, 4).Draw(t, "rate")) / 4,
			})
		}
		input := rapid.SliceOf(rapid.SampledFrom([]string{
			"hook_0", "hook_1", "hook_2", "hook_3", "hook_4", "hook_5", "ghost_a", "ghost_b",
		})).Draw(t, "input")

		p := New(r, DefaultWeights(), logx.Nop())
		got := p.Rank(input, "", false)

		if len(got) > len(input) {
			t.Fatalf("output longer than input: %d > %d", len(got), len(input))
		}
		pos := map[string][]int{}
		for i, id := range input {
			pos[id] = append(pos[id], i)
		}
		seen := map[string]int{}
		lastIdx := -1
		for i, rk := range got {
			if !registered[rk.HookID] {
				t.Fatalf("unregistered hook %q in output", rk.HookID)
			}
			if i > 0 && got[i-1].Score > rk.Score {
				t.Fatalf("scores not ascending at %d", i)
			}
			idx := pos[rk.HookID][seen[rk.HookID]]
			seen[rk.HookID]++
			if i > 0 && got[i-1].Score == rk.Score && idx < lastIdx {
				t.Fatalf("equal scores lost input order at %d", i)
			}
			lastIdx = idx
		}
	})
}

func TestZeroWeightsUseDefaults(t *testing.T) {
	t.Parallel()
	p := New(hook.NewRegistry(), Weights{}, logx.Nop())
	assert.Equal(t, DefaultWeights(), p.Weights())
}

func TestTierWeightsDefaultIndividually(t *testing.T) {
	t.Parallel()
	r := newRegistry(t,
		hook.Metadata{ID: "lo", Tier: hook.TierLow, SuccessRate: 1},
		hook.Metadata{ID: "hi", Tier: hook.TierHigh, SuccessRate: 1},
	)
	p := New(r, Weights{High: 0.5}, logx.Nop())
	w := p.Weights()
	assert.Equal(t, 0.5, w.High)
	assert.Equal(t, 2.0, w.Normal)
	assert.Equal(t, 3.0, w.Low)
	assert.Equal(t, []string{"hi", "lo"}, Top(p.Rank([]string{"lo", "hi"}, "", false), 0))
}

func TestWeightsCheck(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Weights{}.Check())
	assert.NoError(t, Weights{High: 0.5}.Check())
	assert.Error(t, Weights{High: 2.5}.Check())
	assert.Error(t, Weights{High: 1, Normal: 3, Low: 3}.Check())
}
