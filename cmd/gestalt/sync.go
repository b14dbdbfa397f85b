package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newSyncCmd(flags *globalFlags) *cobra.Command {
	var (
		check bool
		prune bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Reconcile stored modules with the catalog",
		Long: `Register module directories that have no catalog record. With --check,
only report them. With --prune, also delete catalog records whose directory
is gone.`,
		Example: `  gestalt sync --check
  gestalt sync --prune`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			if a.Repository == nil {
				return errors.New("storage is disabled (storage.dir is empty)")
			}
			ctx := cmd.Context()

			if check {
				issues, err := a.Repository.CheckSync(ctx)
				if err != nil {
					return err
				}
				return printOutput(cmd.OutOrStdout(), flags.output, issues, func(w io.Writer) error {
					if len(issues) == 0 {
						fmt.Fprintln(w, "in sync")
						return nil
					}
					for _, is := range issues {
						fmt.Fprintf(w, "%-24s %s\n", is.Status, is.Dir)
					}
					return nil
				})
			}

			report, err := a.Repository.Sync(ctx)
			if err != nil {
				return err
			}
			result := map[string]any{"registered": report.Registered, "skipped": report.Skipped}
			var pruned []string
			if prune {
				if pruned, err = a.Repository.Prune(ctx); err != nil {
					return err
				}
				result["pruned"] = pruned
			}
			return printOutput(cmd.OutOrStdout(), flags.output, result, func(w io.Writer) error {
				for _, rec := range report.Registered {
					fmt.Fprintf(w, "registered %s %s\n", rec.ID, rec.Dir)
				}
				for _, is := range report.Skipped {
					fmt.Fprintf(w, "skipped    %s (%s)\n", is.Dir, is.Status)
				}
				for _, id := range pruned {
					fmt.Fprintf(w, "pruned     %s\n", id)
				}
				fmt.Fprintf(w, "%d registered, %d skipped, %d pruned\n", len(report.Registered), len(report.Skipped), len(pruned))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "Only report unsynced modules")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete records whose directory is gone")
	cmd.MarkFlagsMutuallyExclusive("check", "prune")
	return cmd
}
