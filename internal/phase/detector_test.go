package phase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookpilot/internal/hook"
)

func TestKeywordDetect(t *testing.T) {
	t.Parallel()
	k := NewKeyword(nil)
	ctx := context.Background()

	cases := map[string]hook.Phase{
		"Please write a failing test for the parser": hook.PhaseRed,
		"let's refactor and clean up the handler":    hook.PhaseRefactor,
		"Fix this panic: stack trace attached":       hook.PhaseDebug,
		"update the README and changelog":            hook.PhaseSync,
		"draft the requirements / spec":              hook.PhaseSpec,
	}
	for in, want := range cases {
		got, err := k.Detect(ctx, in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestKeywordMatchesWholeWords(t *testing.T) {
	t.Parallel()
	k := NewKeyword(nil)
	_, err := k.Detect(context.Background(), "credential bugfixes")
	assert.ErrorIs(t, err, ErrNoMatch, "'red' inside 'credential' and 'bug' inside 'bugfixes' must not match")
}

func TestKeywordOverrides(t *testing.T) {
	t.Parallel()
	k := NewKeyword(map[hook.Phase][]string{hook.PhaseGreen: {"Ship It"}})
	got, err := k.Detect(context.Background(), "ok, ship it!")
	require.NoError(t, err)
	assert.Equal(t, hook.PhaseGreen, got)
}

func TestResolveOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	k := NewKeyword(nil)

	r := Resolve(ctx, k, hook.PhaseGreen, "debug this", hook.PhasePlanning)
	assert.Equal(t, Resolution{Phase: hook.PhaseGreen, Source: "explicit", Known: true}, r)

	r = Resolve(ctx, k, "", "debug this", hook.PhasePlanning)
	assert.Equal(t, hook.PhaseDebug, r.Phase)
	assert.Equal(t, "detected", r.Source)

	r = Resolve(ctx, nil, "", "debug this", hook.PhaseSync)
	assert.Equal(t, hook.PhaseSync, r.Phase)
	assert.False(t, r.Known)

	r = Resolve(ctx, k, "", "   ", "")
	assert.Equal(t, hook.PhasePlanning, r.Phase)
	assert.NoError(t, r.Err)
}

func TestResolveDegradesOnDetectorFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("boom")

	r := Resolve(ctx, DetectorFunc(func(context.Context, string) (hook.Phase, error) { return "", boom }), "", "x", hook.PhasePlanning)
	assert.Equal(t, hook.PhasePlanning, r.Phase)
	assert.ErrorIs(t, r.Err, boom)

	r = Resolve(ctx, DetectorFunc(func(context.Context, string) (hook.Phase, error) { panic("nope") }), "", "x", hook.PhasePlanning)
	assert.Equal(t, hook.PhasePlanning, r.Phase)
	assert.Error(t, r.Err)

	r = Resolve(ctx, DetectorFunc(func(context.Context, string) (hook.Phase, error) { return "lunch", nil }), "", "x", hook.PhaseDebug)
	assert.Equal(t, hook.PhaseDebug, r.Phase)
	assert.Error(t, r.Err)
}
