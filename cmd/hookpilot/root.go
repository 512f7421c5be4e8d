package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
)

const defaultConfigPath = "./hookpilot.yaml"

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hookpilot",
		Short:         "Priority-driven hook scheduler for agent lifecycle events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath, "path to config (yaml or json)")

	cmd.AddCommand(
		newRunCmd(opts),
		newRankCmd(opts),
		newValidateCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
	)
	return cmd
}

func (o *rootOptions) open() (*app.App, error) {
	return app.New(o.configPath)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
