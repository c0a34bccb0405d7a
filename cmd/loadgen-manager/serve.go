package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kirychukyurii/loadgen-manager/internal/api"
	"github.com/kirychukyurii/loadgen-manager/internal/healthcheck"
	"github.com/kirychukyurii/loadgen-manager/pkg/httpserver"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the in-progress reconciler and the health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				reconciler := healthcheck.NewReconciler(cfg.Reconcile, a.nodes, log)
				reconciler.Start(ctx)
				defer reconciler.Stop()

				handler := api.NewHandler(a.nodes, reconciler, log)
				srv := httpserver.New(
					cfg.Server.Addr,
					handler.Router(),
					cfg.Server.ReadTimeout,
					cfg.Server.WriteTimeout,
					log,
				)

				log.Info("starting loadgen-manager",
					slog.String("registry", cfg.Registry.Driver),
					slog.Int("max_concurrent", cfg.Remote.MaxConcurrent),
				)
				err := srv.Run(ctx)
				log.Info("shutdown complete")
				return err
			})
		},
	}
}
