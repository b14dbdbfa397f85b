package main

import (
	"github.com/spf13/cobra"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/server"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the HTTP API",
		Example: `  gestalt serve --addr :8080 --config gestalt.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.loadApp(cmd, func(cfg *config.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			h := server.NewHandler(server.Deps{
				Service:    a,
				Repository: a.Repository,
				Graph:      a.Pipeline.Graph(),
				Gatherer:   a.Registry,
				Logger:     a.Slog,
			})
			return server.Serve(cmd.Context(), a.Config.Server, h, a.Slog)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}
