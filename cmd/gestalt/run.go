package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentstation/gestalt/internal/app"
	"github.com/agentstation/gestalt/pipeline"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		guide     string
		guideFile string
		key       string
	)
	cmd := &cobra.Command{
		Use:   "run <problem text | ->",
		Short: "Generate one module",
		Long: `Generate a module for one problem statement. Pass "-" to read the
problem from stdin. The result is stored when storage is enabled.`,
		Example: `  # Generate a module from a problem statement
  gestalt run "A car travels at 100 mph for 5 hours. How far does it go?"

  # Validate the generated artifacts against a solution guide
  gestalt run "..." --guide "distance = 500 miles"

  # Read the problem from stdin and print JSON
  cat problem.txt | gestalt run - --output json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := args[0]
			if text == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(data)
			}
			if guideFile != "" {
				path, err := expandPath(guideFile)
				if err != nil {
					return err
				}
				data, err := os.ReadFile(path) //nolint:gosec // user-provided guide file
				if err != nil {
					return fmt.Errorf("read guide: %w", err)
				}
				guide = string(data)
			}

			a, err := flags.loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			out, runErr := a.Generate(cmd.Context(), pipeline.Problem{Text: text, Reference: guide}, key)
			if err := printOutput(cmd.OutOrStdout(), flags.output, out, func(w io.Writer) error {
				return printOutcome(w, out)
			}); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&guide, "guide", "g", "", "Solution guide used to validate the artifacts")
	cmd.Flags().StringVar(&guideFile, "guide-file", "", "Read the solution guide from a file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "Resumption key (generated when empty)")
	cmd.MarkFlagsMutuallyExclusive("guide", "guide-file")
	return cmd
}

func printOutcome(w io.Writer, out app.Outcome) error {
	res := out.Result
	if res == nil {
		return errors.New(out.Error)
	}
	if c := res.Classification; c != nil {
		fmt.Fprintf(w, "title:    %s\n", c.Title)
		fmt.Fprintf(w, "type:     %s\n", c.Type)
		fmt.Fprintf(w, "topics:   %s\n", strings.Join(c.Topics, ", "))
	}
	fmt.Fprintf(w, "key:      %s\n", res.ResumptionKey)

	names := make([]string, 0, len(res.Artifacts))
	for name := range res.Artifacts {
		names = append(names, name)
	}
	slices.Sort(names)
	fmt.Fprintln(w, "artifacts:")
	for _, name := range names {
		line := fmt.Sprintf("  %-16s %6d bytes", name, len(res.Artifacts[name]))
		if n := res.Refinements[name]; n > 0 {
			line += fmt.Sprintf("  (%d refinements)", n)
		}
		fmt.Fprintln(w, line)
	}
	if out.Record != nil {
		fmt.Fprintf(w, "id:       %s\n", out.Record.ID)
		fmt.Fprintf(w, "dir:      %s\n", out.Record.Dir)
	}
	if out.Error != "" {
		fmt.Fprintf(w, "error:    %s\n", out.Error)
	}
	return nil
}
