package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"hookpilot/internal/app"
	logx "hookpilot/pkg/logx"
	"hookpilot/pkg/systemd"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled triggers with config hot reload until signalled",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open()
			if err != nil {
				return err
			}
			log := a.Logger()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			if _, err := systemd.Ready(); err != nil {
				log.Warn("sd_notify ready failed", logx.Err(err))
			}
			_, _ = systemd.Status(fmt.Sprintf("serving %d hooks", a.Registry().Len()))
			go func() {
				if err := systemd.Watchdog(ctx, log); err != nil {
					log.Warn("systemd watchdog disabled", logx.Err(err))
				}
			}()

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			reason := app.StopUnknown
			var runErr error
			select {
			case sig := <-sigs:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				if runErr = a.Err(); runErr != nil {
					reason = app.StopFatalError
				}
			}

			_, _ = systemd.Stopping()
			cancel()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 10*time.Second, "graceful shutdown limit")
	return cmd
}
