package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/app"
)

func newBatchCmd(flags *globalFlags) *cobra.Command {
	var (
		concurrency int
		prefix      string
	)
	cmd := &cobra.Command{
		Use:   "batch <problems.yaml>",
		Short: "Generate one module per problem in a file",
		Long: `Run one independent pipeline per problem listed in a YAML or JSON file.
Each entry has question_text and an optional solution_guide.`,
		Example: `  gestalt batch problems.yaml --concurrency 8`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expandPath(args[0])
			if err != nil {
				return err
			}
			problems, err := app.LoadProblems(path)
			if err != nil {
				return err
			}

			a, err := flags.loadApp(cmd, func(cfg *config.Config) {
				if concurrency > 0 {
					cfg.Batch.Concurrency = concurrency
				}
				if prefix != "" {
					cfg.Batch.KeyPrefix = prefix
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			outcomes := a.GenerateBatch(cmd.Context(), problems)
			failed := 0
			for _, o := range outcomes {
				if o.Error != "" {
					failed++
				}
			}
			err = printOutput(cmd.OutOrStdout(), flags.output, outcomes, func(w io.Writer) error {
				for i, o := range outcomes {
					fmt.Fprintf(w, "[%d] ", i)
					switch {
					case o.Error != "":
						fmt.Fprintf(w, "failed: %s\n", o.Error)
					case o.Record != nil:
						fmt.Fprintf(w, "%s -> %s\n", o.Result.Classification.Title, o.Record.Dir)
					default:
						fmt.Fprintf(w, "%s (%d artifacts)\n", o.Result.Classification.Title, len(o.Result.Artifacts))
					}
				}
				fmt.Fprintf(w, "%d succeeded, %d failed\n", len(outcomes)-failed, failed)
				return nil
			})
			if err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d problems failed", failed, len(outcomes))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Concurrent runs (default from config)")
	cmd.Flags().StringVar(&prefix, "key-prefix", "", "Resumption key prefix (default from config)")
	return cmd
}
