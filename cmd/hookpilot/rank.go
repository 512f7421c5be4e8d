package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
	"hookpilot/internal/hook"
)

func newRankCmd(root *rootOptions) *cobra.Command {
	var event, phaseName, input string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Show the execution order for an event without running hooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ev, err := hook.ParseEvent(event)
			if err != nil {
				return err
			}
			var explicit hook.Phase
			if strings.TrimSpace(phaseName) != "" {
				p, ok := hook.ParsePhase(phaseName)
				if !ok {
					return fmt.Errorf("unknown phase %q", phaseName)
				}
				explicit = p
			}

			a, err := root.open()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = a.Stop(ctx, app.StopAppStop)
			}()

			res := a.ResolvePhase(cmd.Context(), explicit, input)
			ranked := a.Scheduler().Rank(ev, res.Phase, res.Known)
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"event":  ev,
					"phase":  res.Phase,
					"source": res.Source,
					"ranked": ranked,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "event=%s phase=%s (%s)\n", ev, res.Phase, res.Source)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tHOOK\tTIER\tEST_MS\tSUCCESS\tSCORE")
			for i, r := range ranked {
				md, _ := a.Registry().Get(r.HookID)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%.0f\t%.2f\t%.3f\n", i+1, r.HookID, md.Tier, md.EstimatedMS, md.SuccessRate, r.Score)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVarP(&event, "event", "e", "", "lifecycle event")
	f.StringVarP(&phaseName, "phase", "p", "", "development phase")
	f.StringVar(&input, "input", "", "user input used for phase detection")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}
