package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentstation/gestalt/config"
	"github.com/agentstation/gestalt/internal/app"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	output     string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "gestalt",
		Short: "Generate learning modules from problem statements",
		Long: `Gestalt classifies a problem statement and generates a learning module for it:
a question document, a solution narrative and, for computational problems,
two parameter scripts plus a metadata summary.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch flags.output {
			case textFormat, jsonFormat, yamlFormat:
				return nil
			default:
				return fmt.Errorf("unknown output format %q", flags.output)
			}
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file (default $"+configEnv+")")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", textFormat, "Output format (text, json, yaml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		newRunCmd(flags),
		newBatchCmd(flags),
		newGraphCmd(flags),
		newServeCmd(flags),
		newSyncCmd(flags),
		newVersionCmd(flags),
	)
	return root
}

// loadConfig reads the config file named by --config or $GESTALT_CONFIG.
func (f *globalFlags) loadConfig() (config.Config, error) {
	path := f.configPath
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path != "" {
		var err error
		if path, err = expandPath(path); err != nil {
			return config.Config{}, fmt.Errorf("expand path: %w", err)
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// loadApp builds the application. Logs go to stderr.
func (f *globalFlags) loadApp(cmd *cobra.Command, mutate ...func(*config.Config)) (*app.App, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return app.New(cfg, cmd.ErrOrStderr())
}
