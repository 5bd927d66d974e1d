package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the feedback daemon",
		Long: `Run the HTTP control plane until SIGINT or SIGTERM.

Endpoints:
  GET  /health, /metrics
  GET  /api/v1/operations[?active=true], /api/v1/operations/stats
  GET  /api/v1/operations/:id, /api/v1/operations/:id/children
  GET  /api/v1/operations/:id/events    (server-sent events)
  POST /api/v1/operations/:id/cancel
  GET  /api/v1/config, /api/v1/config/resolve
  PUT  /api/v1/config, /api/v1/config/global, /api/v1/config/types/:type, /api/v1/config/components/:id`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				opts.cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (overrides server.port)")
	return cmd
}

func serve(ctx context.Context, opts *options) error {
	d, err := NewDaemon(ctx, opts.cfg, opts.logger)
	if err != nil {
		return err
	}
	defer d.Close()

	d.log.WithField("port", opts.cfg.Server.Port).Info("Feedback daemon starting")
	err = d.Run(ctx, opts.loader)
	d.log.Info("Feedback daemon stopped")
	return err
}
