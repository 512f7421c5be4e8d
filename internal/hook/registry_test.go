package hook

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopHandler struct{}

func (nopHandler) Invoke(context.Context, map[string]any) (Response, error) {
	return Response{Continue: true}, nil
}

func TestRegisterIsIdempotentAndOverwrites(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EventSessionStart, Metadata{ID: "a", Tier: TierLow, SuccessRate: 1}))
	require.NoError(t, r.Register(EventSessionStart, Metadata{ID: "b", SuccessRate: 1}))
	require.NoError(t, r.Register(EventSessionStart, Metadata{ID: "a", Tier: TierHigh, SuccessRate: 0.5}))

	assert.Equal(t, []string{"a", "b"}, r.HooksFor(EventSessionStart))
	md, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, TierHigh, md.Tier)
	assert.Equal(t, 0.5, md.SuccessRate)
	assert.Equal(t, 2, r.Len())
}

func TestRegisterMovesHookBetweenEvents(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EventPreToolUse, Metadata{ID: "lint"}))
	require.NoError(t, r.Register(EventPostToolUse, Metadata{ID: "lint"}))

	assert.Empty(t, r.HooksFor(EventPreToolUse))
	assert.Equal(t, []string{"lint"}, r.HooksFor(EventPostToolUse))
	assert.Equal(t, []Event{EventPostToolUse}, r.Events())
}

func TestRegisterValidatesAndClamps(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	assert.ErrorIs(t, r.Register(EventStop, Metadata{ID: " "}), ErrEmptyID)
	assert.ErrorIs(t, r.Register("", Metadata{ID: "x"}), ErrEmptyEvent)

	require.NoError(t, r.Register(EventStop, Metadata{
		ID:          "x",
		SuccessRate: 3,
		EstimatedMS: -10,
		Relevance:   map[Phase]float64{PhaseRed: 1.7, PhaseSync: -1},
	}))
	md, _ := r.Get("x")
	assert.Equal(t, TierNormal, md.Tier)
	assert.Equal(t, 1.0, md.SuccessRate)
	assert.Zero(t, md.EstimatedMS)
	assert.Equal(t, 1.0, md.Relevance[PhaseRed])
	assert.Zero(t, md.Relevance[PhaseSync])
}

func TestUnregisterDropsHandler(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EventStop, Metadata{ID: "x"}))
	r.Bind("x", nopHandler{})
	_, ok := r.Handler("x")
	require.True(t, ok)

	assert.True(t, r.Unregister("x"))
	assert.False(t, r.Unregister("x"))
	_, ok = r.Handler("x")
	assert.False(t, ok)
	assert.Empty(t, r.Events())
}

func TestRecordOutcomeMovesSuccessRate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EventStop, Metadata{ID: "x", SuccessRate: 1}))

	rate, ok := r.RecordOutcome("x", false)
	require.True(t, ok)
	assert.InDelta(t, 0.8, rate, 1e-9)
	rate, _ = r.RecordOutcome("x", true)
	assert.InDelta(t, 0.84, rate, 1e-9)

	_, ok = r.RecordOutcome("missing", true)
	assert.False(t, ok)
}

func TestRelevanceDefaultsToNeutral(t *testing.T) {
	t.Parallel()
	md := Metadata{Relevance: map[Phase]float64{PhaseRed: 0.9}}
	assert.Equal(t, 0.9, md.RelevanceFor(PhaseRed, true))
	assert.Equal(t, NeutralRelevance, md.RelevanceFor(PhaseSync, true))
	assert.Equal(t, NeutralRelevance, md.RelevanceFor(PhaseRed, false))
}

func TestConcurrentReadsAndOutcomes(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	require.NoError(t, r.Register(EventStop, Metadata{ID: "x", SuccessRate: 1}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = r.Get("x")
				_ = r.HooksFor(EventStop)
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.RecordOutcome("x", (i+j)%2 == 0)
			}
		}(i)
	}
	wg.Wait()
	md, _ := r.Get("x")
	assert.GreaterOrEqual(t, md.SuccessRate, 0.0)
	assert.LessOrEqual(t, md.SuccessRate, 1.0)
}

func TestParseHelpers(t *testing.T) {
	t.Parallel()
	e, err := ParseEvent("pretooluse")
	require.NoError(t, err)
	assert.Equal(t, EventPreToolUse, e)
	_, err = ParseEvent("nope")
	assert.Error(t, err)

	p, ok := ParsePhase("GREEN")
	assert.True(t, ok)
	assert.Equal(t, PhaseGreen, p)

	tier, err := ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierNormal, tier)
	_, err = ParseTier("urgent")
	assert.Error(t, err)
	assert.Equal(t, "low", TierLow.String())
}
