package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/render"
)

func newGraphCmd(flags *globalFlags) *cobra.Command {
	var opts render.Options
	cmd := &cobra.Command{
		Use:     "graph",
		Short:   "Print the pipeline graph as a Mermaid flowchart",
		Example: `  gestalt graph --expand > pipeline.mmd`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.loadApp(cmd, func(cfg *config.Config) { cfg.Storage.Dir = "" })
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			g := a.Pipeline.Graph()
			chart := render.Mermaid(g, opts)
			return printOutput(cmd.OutOrStdout(), flags.output, map[string]any{
				"name":    g.Name(),
				"start":   g.Start(),
				"nodes":   g.Nodes(),
				"mermaid": chart,
			}, func(w io.Writer) error {
				_, err := fmt.Fprint(w, chart)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Expand, "expand", false, "Draw the generator sub-graphs")
	cmd.Flags().StringVar(&opts.Direction, "direction", "TD", "Flowchart direction (TD, LR)")
	return cmd
}
