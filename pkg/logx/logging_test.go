package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookpilot/internal/eventbus"
)

func TestWithFieldsAreWritten(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))
	log.Info("hook.finished", String("hook", "read_file"), Duration("dur", 20*time.Millisecond), Err(errors.New("boom")))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "read_file", m["hook"])
	assert.Equal(t, "boom", m["err"])
	assert.Equal(t, "hook.finished", m["message"])
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Debug("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var log Logger
	assert.True(t, log.IsZero())
	log.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestBusSinkPublishesWarnings(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, eventbus.TopicLogEntry)
	defer unsub()

	svc, log := New(Config{Level: "debug", Bus: BusConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10}}, bus)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("breaker opened", String("hook", "fetch_api"))

	select {
	case e := <-ch:
		entry, ok := e.Data.(Entry)
		require.True(t, ok)
		assert.Equal(t, "warn", entry.Level)
		assert.Equal(t, "breaker opened", entry.Message)
		assert.Equal(t, "fetch_api", entry.Fields["hook"])
	case <-time.After(time.Second):
		t.Fatal("expected a log.entry event")
	}
	assert.Len(t, ch, 0)
}
