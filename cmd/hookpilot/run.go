package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
	"hookpilot/internal/hook"
	"hookpilot/internal/runner"
	"hookpilot/internal/scheduler"
)

type runOptions struct {
	event    string
	phase    string
	input    string
	context  string
	maxTotal time.Duration
	strict   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the hooks of one lifecycle event and print the batch as JSON",
		Long: `Run ranks the hooks registered for --event, runs them under the
configured budget and prints the batch. The context bundle is read from
--context (a file, or - for stdin).

Exit status is 2 when a hook rejected the action, 1 with --strict when a
hook failed, 0 otherwise.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBatch(cmd, root, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.event, "event", "e", "", "lifecycle event (e.g. PreToolUse)")
	f.StringVarP(&o.phase, "phase", "p", "", "development phase; detected from --input when empty")
	f.StringVar(&o.input, "input", "", "user input used for phase detection")
	f.StringVar(&o.context, "context", "", "JSON context bundle file, or - for stdin")
	f.DurationVar(&o.maxTotal, "max-total", 0, "override the batch time budget")
	f.BoolVar(&o.strict, "strict", false, "exit non-zero when any hook failed")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func runBatch(cmd *cobra.Command, root *rootOptions, o *runOptions) error {
	ev, err := hook.ParseEvent(o.event)
	if err != nil {
		return err
	}
	var ph hook.Phase
	if strings.TrimSpace(o.phase) != "" {
		p, ok := hook.ParsePhase(o.phase)
		if !ok {
			return fmt.Errorf("unknown phase %q", o.phase)
		}
		ph = p
	}
	bundle, err := readContext(cmd.InOrStdin(), o.context)
	if err != nil {
		return err
	}

	a, err := root.open()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, app.StopBatchFinish)
	}()

	b := a.RunBatch(cmd.Context(), scheduler.Request{
		Event:     ev,
		Phase:     ph,
		UserInput: o.input,
		Context:   bundle,
		MaxTotal:  o.maxTotal,
	})
	if err := writeJSON(cmd.OutOrStdout(), b); err != nil {
		return err
	}

	for _, r := range b.Results {
		if r.Kind == hook.KindRejected {
			return exitError{code: runner.ExitBlock, err: fmt.Errorf("hook %s rejected the action", r.HookID)}
		}
	}
	if n := b.Failed(); o.strict && n > 0 {
		return exitError{code: 1, err: fmt.Errorf("%d of %d hooks failed", n, len(b.Results))}
	}
	return nil
}

// readContext decodes the bundle from path, or stdin for "-". An empty
// path means no bundle.
func readContext(stdin io.Reader, path string) (map[string]any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var bundle map[string]any
	dec := json.NewDecoder(io.LimitReader(r, 8<<20))
	dec.UseNumber()
	if err := dec.Decode(&bundle); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode context: %w", err)
	}
	return bundle, nil
}
