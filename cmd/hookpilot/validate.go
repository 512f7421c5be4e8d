package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
)

func newValidateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.ValidateFile(root.configPath)
			if err != nil {
				return fmt.Errorf("%s: %w", root.configPath, err)
			}
			enabled := 0
			for _, h := range cfg.Hooks {
				if !h.Disabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d hooks, %d enabled, %d triggers)\n",
				root.configPath, len(cfg.Hooks), enabled, len(cfg.Triggers))
			return nil
		},
	}
}
