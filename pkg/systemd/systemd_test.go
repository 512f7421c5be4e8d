package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "hookpilot/pkg/logx"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	sent, err := Ready()
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = Status("idle")
	require.NoError(t, err)
	assert.False(t, sent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, Watchdog(ctx, logx.Nop()))
}
