package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hookpilot/pkg/logx"
)

func exec(id string, ok bool, ms float64, at time.Time) Execution {
	return Execution{At: at, HookID: id, Event: "PreToolUse", Success: ok, DurationMS: ms, Attempts: 1}
}

// exerciseStore runs the behaviour every driver must share.
func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, st.AppendExecution(ctx, exec("lint", true, 100, base)))
	require.NoError(t, st.AppendExecution(ctx, exec("fmt", false, 50, base.Add(time.Second))))
	require.NoError(t, st.AppendExecution(ctx, exec("lint", false, 300, base.Add(2*time.Second))))

	all, err := st.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "lint", all[0].HookID, "newest first")
	assert.False(t, all[0].Success)
	assert.True(t, all[0].At.Equal(base.Add(2*time.Second)))

	lint, err := st.Recent(ctx, Query{HookID: "lint", Limit: 1})
	require.NoError(t, err)
	require.Len(t, lint, 1)
	assert.Equal(t, 300.0, lint[0].DurationMS)

	since, err := st.Recent(ctx, Query{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	stats, err := st.Stats(ctx, "lint")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, 1, stats.Failures)
	assert.InDelta(t, 200, stats.MeanMS, 1e-9)
	assert.True(t, stats.LastAt.Equal(base.Add(2*time.Second)))

	none, err := st.Stats(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, none.Runs)
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	st := NewMemory(10)
	exerciseStore(t, st)
	require.NoError(t, st.Close())
	assert.ErrorIs(t, st.AppendExecution(context.Background(), exec("x", true, 1, time.Now())), ErrClosed)
}

func TestMemoryStoreIsBounded(t *testing.T) {
	t.Parallel()
	st := NewMemory(3)
	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendExecution(context.Background(), exec(fmt.Sprintf("h%d", i), true, 1, time.Now())))
	}
	got, err := st.Recent(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "h9", got[0].HookID)
	assert.Equal(t, "h7", got[2].HookID)
}

func TestFileStoreReplaysAndCompacts(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")

	st, err := Open(Config{Driver: "file", Path: path, MaxEntries: 4}, logx.Nop())
	require.NoError(t, err)
	exerciseStore(t, st)
	require.NoError(t, st.Close())

	// Malformed lines are skipped on replay.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString("not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path, MaxEntries: 4}, logx.Nop())
	require.NoError(t, err)
	got, err := st.Recent(context.Background(), Query{})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	for i := 0; i < 10; i++ {
		require.NoError(t, st.AppendExecution(context.Background(), exec("bulk", true, float64(i), time.Now())))
	}
	require.NoError(t, st.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(string(raw), "\n")
	assert.LessOrEqual(t, lines, 8, "file is compacted past twice MaxEntries")
	assert.GreaterOrEqual(t, lines, 4)
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	exerciseStore(t, st)

	require.NoError(t, st.AppendExecution(context.Background(), Execution{HookID: "cached", Success: true, Cached: true, Error: "", Anomaly: "slow"}))
	got, err := st.Recent(context.Background(), Query{HookID: "cached"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Cached)
	assert.Equal(t, "slow", got[0].Anomaly)
	assert.False(t, got[0].At.IsZero())
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{}, logx.Logger{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, st)

	_, err = Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}
