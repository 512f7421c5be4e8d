package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliConfig = `
logging:
  level: error
storage:
  driver: file
  path: %s
hooks:
  - id: guard
    event: PreToolUse
    priority: high
    command: sh
    args: ["-c", "cat >/dev/null; echo denied >&2; exit 2"]
  - id: fmt_write
    event: PostToolUse
    command: sh
    args: ["-c", "cat >/dev/null; echo '{\"message\":\"ok\",\"token_usage\":12}'"]
`

func writeConfig(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("hooks use sh")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "hookpilot.yaml")
	body := strings.Replace(cliConfig, "%s", filepath.Join(dir, "history.jsonl"), 1)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "", "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 hooks, 2 enabled, 0 triggers)")

	_, err = execute(t, "", "validate", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRunCommandPrintsBatchAndRecordsHistory(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, `{"file":"main.go"}`, "run", "-c", path, "-e", "PostToolUse", "--context", "-", "-p", "green")
	require.NoError(t, err)
	assert.Contains(t, out, `"hook_id": "fmt_write"`)
	assert.Contains(t, out, `"token_usage": 12`)
	assert.Contains(t, out, `"phase": "green"`)

	out, err = execute(t, "", "history", "-c", path, "--hook", "fmt_write")
	require.NoError(t, err)
	assert.Contains(t, out, "fmt_write")
	assert.Contains(t, out, "PostToolUse")

	out, err = execute(t, "", "history", "-c", path, "--hook", "fmt_write", "--stats")
	require.NoError(t, err)
	assert.Contains(t, out, "fmt_write: runs=1 failures=0")
}

func TestRunCommandBlocksOnRejection(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "", "run", "-c", path, "-e", "PreToolUse")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
	assert.Contains(t, err.Error(), "guard rejected")
}

func TestRunCommandRejectsUnknownEvent(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "", "run", "-c", path, "-e", "Lunch")
	assert.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestRankCommand(t *testing.T) {
	path := writeConfig(t)
	out, err := execute(t, "", "rank", "-c", path, "-e", "PreToolUse", "--input", "write a failing test first")
	require.NoError(t, err)
	assert.Contains(t, out, "event=PreToolUse")
	assert.Contains(t, out, "guard")
	assert.Contains(t, out, "high")
}
