package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/meshgate/internal/config"
)

// globalOptions are the flags every subcommand shares.
type globalOptions struct {
	configPath string
	envFile    string
}

// newRootCmd creates the root meshgate command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "meshgate",
		Short:         "Plugin gateway for mesh radio networks",
		Long:          "meshgate routes mesh messages to plugins, answers with auto-responses,\nand supervises plugin health.",
		Version:       currentVersionInfo().Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(opts.envFile)
		},
	}
	cmd.SetVersionTemplate("meshgate {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config.yaml or its directory")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "Environment file loaded before config interpolation")

	cmd.AddCommand(
		newStartCmd(opts),
		newConfigCmd(opts),
		newPluginCmd(opts),
		newWatchCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig resolves and loads the configuration, announcing a discovered
// path on stderr.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*config.Config, string, error) {
	path := opts.configPath
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, "", err
		}
		path = discovered
		fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
