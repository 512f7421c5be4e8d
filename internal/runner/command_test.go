package runner

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookpilot/internal/hook"
	"hookpilot/internal/resilience"
)

func shell(t *testing.T, script string) *Command {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found")
	}
	return &Command{ID: "test_hook", Path: sh, Args: []string{"-c", script}, Timeout: 5 * time.Second}
}

func TestCommandParsesJSONStdout(t *testing.T) {
	t.Parallel()
	c := shell(t, `cat >/dev/null; echo '{"continue":true,"message":"ok","token_usage":7,"files":2}'`)
	resp, err := c.Invoke(context.Background(), map[string]any{"event": "PreToolUse"})
	require.NoError(t, err)
	assert.True(t, resp.Continue)
	assert.Equal(t, "ok", resp.Message)
	assert.Equal(t, 7, resp.TokenUsage)
	assert.Equal(t, map[string]any{"files": float64(2)}, resp.Fields)
}

func TestCommandReceivesContextOnStdinAndEnv(t *testing.T) {
	t.Parallel()
	c := shell(t, `read line; printf '%s|%s|%s' "$line" "$HOOKPILOT_HOOK_ID" "$EXTRA"`)
	c.Env = map[string]string{"EXTRA": "yes"}
	resp, err := c.Invoke(context.Background(), map[string]any{"tool": "Edit"})
	require.NoError(t, err)
	assert.Equal(t, `{"tool":"Edit"}|test_hook|yes`, resp.Message)
}

func TestCommandExitStatuses(t *testing.T) {
	t.Parallel()
	c := shell(t, `echo "disk full" >&2; exit 3`)
	_, err := c.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 3")
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, resilience.IsNoRetry(err))

	c = shell(t, `echo "blocked by policy" >&2; exit 2`)
	resp, err := c.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, resp.Continue)
	assert.Equal(t, "blocked by policy", resp.Message)
}

func TestCommandTimeout(t *testing.T) {
	t.Parallel()
	c := shell(t, `sleep 5`)
	c.Timeout = 50 * time.Millisecond
	start := time.Now()
	_, err := c.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCommandMissingBinaryIsPermanent(t *testing.T) {
	t.Parallel()
	c := &Command{Path: "/definitely/not/here"}
	_, err := c.Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, resilience.IsNoRetry(err))

	_, err = (&Command{}).Invoke(context.Background(), nil)
	assert.True(t, resilience.IsNoRetry(err))
}

func TestParseOutput(t *testing.T) {
	t.Parallel()
	assert.Equal(t, hook.Response{Continue: true}, ParseOutput(nil))
	assert.Equal(t, hook.Response{Continue: true, Message: "plain text"}, ParseOutput([]byte(" plain text \n")))
	assert.Equal(t, hook.Response{Continue: true, Message: "{broken"}, ParseOutput([]byte("{broken")))

	r := ParseOutput([]byte(`{"continue":false,"message":7}`))
	assert.False(t, r.Continue)
	assert.Equal(t, map[string]any{"message": float64(7)}, r.Fields, "mistyped keys are passed through")
}

func TestCappedWriter(t *testing.T) {
	t.Parallel()
	w := &capped{max: 4}
	n, err := w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", w.String())
	assert.True(t, strings.HasPrefix(tail(strings.Repeat("x", 600)), "..."))
}

func TestFuncAndStatic(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var h hook.Handler = Func(func(context.Context, map[string]any) (hook.Response, error) { return hook.Response{}, boom })
	_, err := h.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, boom)

	resp, err := Static(hook.Response{Continue: true, Message: "hi"}).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Message)
}
