package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
	"hookpilot/internal/storage"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		hookID string
		limit  int
		since  time.Duration
		stats  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded hook executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = a.Stop(ctx, app.StopAppStop)
			}()
			st := a.Store()
			if st == nil {
				return errors.New("storage is disabled in this config")
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if stats {
				if hookID == "" {
					return errors.New("--stats needs --hook")
				}
				hs, err := st.Stats(ctx, hookID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, hs)
				}
				fmt.Fprintf(out, "%s: runs=%d failures=%d mean=%.1fms last=%s\n",
					hs.HookID, hs.Runs, hs.Failures, hs.MeanMS, formatTime(hs.LastAt))
				return nil
			}

			q := storage.Query{HookID: hookID, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			execs, err := st.Recent(ctx, q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(out, execs)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tHOOK\tEVENT\tOK\tMS\tTRIES\tERROR")
			for _, e := range execs {
				ok := "yes"
				if !e.Success {
					ok = "no"
				}
				if e.Cached {
					ok += " (cached)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1f\t%d\t%s\n",
					formatTime(e.At), e.HookID, e.Event, ok, e.DurationMS, e.Attempts, e.Error)
			}
			return tw.Flush()
		},
	}
	f := cmd.Flags()
	f.StringVar(&hookID, "hook", "", "only this hook")
	f.IntVarP(&limit, "limit", "n", 20, "maximum rows")
	f.DurationVar(&since, "since", 0, "only executions newer than this")
	f.BoolVar(&stats, "stats", false, "print aggregate stats for --hook")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
