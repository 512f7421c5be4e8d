package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"hookpilot/internal/hook"
	"hookpilot/internal/resilience"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 1 << 20
	stderrTail       = 512

	// ExitBlock is the exit status a hook uses to ask the host to stop.
	ExitBlock = 2
)

// Command runs a hook as a subprocess. The batch context is written to
// stdin as JSON; stdout is read as a JSON object:
//
//	{"continue": true, "message": "...", "token_usage": 12, ...}
//
// Extra keys are returned in Response.Fields. Stdout that is not a JSON
// object becomes the message.
type Command struct {
	ID   string
	Path string
	Args []string
	Env  map[string]string
	Dir  string
	// Timeout bounds one invocation. 0 means 30s.
	Timeout time.Duration
	// MaxOutput caps captured stdout bytes. 0 means 1 MiB.
	MaxOutput int
}

func (c *Command) Invoke(ctx context.Context, input map[string]any) (hook.Response, error) {
	if strings.TrimSpace(c.Path) == "" {
		return hook.Response{}, resilience.NoRetry(errors.New("runner: empty command path"))
	}
	payload, err := json.Marshal(input)
	if err != nil {
		return hook.Response{}, resilience.NoRetry(fmt.Errorf("runner: encode input: %w", err))
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, c.Path, c.Args...)
	cmd.Env = c.environ(input)
	cmd.WaitDelay = time.Second
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	limit := c.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &capped{max: limit}
	stderr := &capped{max: 64 << 10}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err = cmd.Run()
	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return hook.Response{}, fmt.Errorf("runner: %s timed out after %s", c.name(), timeout)
		}
		if ctx.Err() != nil {
			return hook.Response{}, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if exitErr.ExitCode() == ExitBlock {
				return hook.Response{Continue: false, Message: tail(stderr.String())}, nil
			}
			return hook.Response{}, fmt.Errorf("runner: %s exited with status %d: %s", c.name(), exitErr.ExitCode(), tail(stderr.String()))
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return hook.Response{}, resilience.NoRetry(fmt.Errorf("runner: start %s: %w", c.name(), err))
		}
		return hook.Response{}, fmt.Errorf("runner: run %s: %w", c.name(), err)
	}
	return ParseOutput(stdout.Bytes()), nil
}

func (c *Command) name() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Path
}

func (c *Command) environ(input map[string]any) []string {
	env := os.Environ()
	if c.ID != "" {
		env = append(env, "HOOKPILOT_HOOK_ID="+c.ID)
	}
	if ev, ok := input["event"].(string); ok && ev != "" {
		env = append(env, "HOOKPILOT_EVENT="+ev)
	}
	if ph, ok := input["phase"].(string); ok && ph != "" {
		env = append(env, "HOOKPILOT_PHASE="+ph)
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// ParseOutput converts hook stdout into a Response.
func ParseOutput(out []byte) hook.Response {
	trimmed := bytes.TrimSpace(out)
	resp := hook.Response{Continue: true}
	if len(trimmed) == 0 {
		return resp
	}
	var obj map[string]any
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &obj) != nil {
		resp.Message = string(trimmed)
		return resp
	}
	for k, v := range obj {
		switch k {
		case "continue":
			if b, ok := v.(bool); ok {
				resp.Continue = b
				continue
			}
		case "message":
			if s, ok := v.(string); ok {
				resp.Message = s
				continue
			}
		case "token_usage":
			if n, ok := v.(float64); ok && n >= 0 {
				resp.TokenUsage = int(n)
				continue
			}
		}
		if resp.Fields == nil {
			resp.Fields = map[string]any{}
		}
		resp.Fields[k] = v
	}
	return resp
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return "..." + s[len(s)-stderrTail:]
}

// capped keeps at most max bytes and discards the rest.
type capped struct {
	buf bytes.Buffer
	max int
}

func (w *capped) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func (w *capped) Bytes() []byte  { return w.buf.Bytes() }
func (w *capped) String() string { return w.buf.String() }
