package main

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/meshgate/internal/builtin"
	"github.com/mattjoyce/meshgate/internal/config"
	"github.com/mattjoyce/meshgate/internal/doctor"
	"github.com/mattjoyce/meshgate/internal/plugin"
	"github.com/mattjoyce/meshgate/internal/tui/tokenmgr"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate, lock and query configuration",
	}
	cmd.AddCommand(
		newConfigCheckCmd(opts),
		newConfigLockCmd(opts),
		newConfigGetCmd(opts),
		newConfigTokenCmd(),
	)
	return cmd
}

func newConfigCheckCmd(opts *globalOptions) *cobra.Command {
	var strict, jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration against the plugins it would load",
		Long:  "Loads the configuration, discovers plugins and reports errors and warnings.\nExits 1 on errors, or 2 with --strict when only warnings remain.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts)
			if err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("Config load error: %v", err)}
			}

			descs, failed, err := discoverForCheck(cfg)
			if err != nil {
				return &exitError{code: 1, msg: fmt.Sprintf("Plugin discovery error: %v", err)}
			}
			result := doctor.New(cfg, descs, failed).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				text, err := doctor.FormatJSON(result)
				if err != nil {
					return fmt.Errorf("format JSON: %w", err)
				}
				fmt.Fprintln(out, text)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid {
				return &exitError{code: 1}
			}
			if strict && len(result.Warnings) > 0 {
				return &exitError{code: 2}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors (exit 2)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output in JSON")
	return cmd
}

// discoverForCheck discovers descriptors from the roots that exist and adds
// the builtins the gateway would load.
func discoverForCheck(cfg *config.Config) ([]*plugin.Descriptor, map[string]error, error) {
	var roots []string
	for _, r := range cfg.PluginRoots {
		if info, err := os.Stat(r); err == nil && info.IsDir() {
			roots = append(roots, r)
		}
	}
	if len(roots) == 0 {
		return builtin.Descriptors(), nil, nil
	}
	index, err := plugin.DiscoverMany(roots, nil)
	if err != nil {
		return nil, nil, err
	}
	return builtin.Merge(index.All()), index.Failed, nil
}

func newConfigLockCmd(opts *globalOptions) *cobra.Command {
	var verbose, dryRun bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Write .checksums manifests for every config file",
		Long:  "Hashes each file in the include tree with BLAKE3 and writes one .checksums\nmanifest per directory. Locked files that change afterwards refuse to load.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if path == "" {
				discovered, err := config.DiscoverConfigPath()
				if err != nil {
					return err
				}
				path = discovered
			}

			reports, err := config.Lock(path, dryRun)
			if err != nil {
				return fmt.Errorf("lock config: %w", err)
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, report := range reports {
					fmt.Fprintf(out, "Processing directory: %s\n", report.ConfigDir)
					for _, file := range report.Files {
						fmt.Fprintf(out, "  HASH %s: %s\n", file.Filename, file.Hash)
					}
					if report.Written {
						fmt.Fprintf(out, "  WROTE %s: %s\n", config.ChecksumFile, report.ChecksumPath)
					} else {
						fmt.Fprintf(out, "  DRY-RUN %s: %s (not written)\n", config.ChecksumFile, report.ChecksumPath)
					}
				}
			}

			if dryRun {
				fmt.Fprintf(out, "Dry run completed for %d directory/ies (no files written):\n", len(reports))
			} else {
				fmt.Fprintf(out, "Successfully locked configuration in %d directory/ies:\n", len(reports))
			}
			for _, report := range reports {
				fmt.Fprintf(out, "  - %s\n", report.ConfigDir)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Hash without writing manifests")
	return cmd
}

func newConfigGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print a configuration value (secrets redacted)",
		Long:  "Paths use dot notation (dispatch.max_concurrent) or an entity address\n(plugin:ping, plugin:*, rule:sos).",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			v, err := cfg.GetPath(args[0])
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(v)
			if err != nil {
				return fmt.Errorf("render value: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}

func newConfigTokenCmd() *cobra.Command {
	var scopes string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate an API token and its config snippet",
		Long:  "Without --scopes an interactive picker chooses the scopes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var chosen []string
			if scopes != "" {
				for _, s := range strings.Split(scopes, ",") {
					if s = strings.TrimSpace(s); s != "" {
						chosen = append(chosen, s)
					}
				}
			} else {
				final, err := tea.NewProgram(tokenmgr.New()).Run()
				if err != nil {
					return fmt.Errorf("scope picker: %w", err)
				}
				var ok bool
				switch m := final.(type) {
				case tokenmgr.Model:
					chosen, ok = m.Result()
				case *tokenmgr.Model:
					chosen, ok = m.Result()
				}
				if !ok {
					return &exitError{code: 1, msg: "cancelled"}
				}
			}
			if len(chosen) == 0 {
				return fmt.Errorf("no scopes selected")
			}

			token, err := tokenmgr.GenerateToken()
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			snippet, err := tokenmgr.Snippet(token, chosen)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), snippet)
			return nil
		},
	}
	cmd.Flags().StringVar(&scopes, "scopes", "", "Comma-separated scopes (plugins:ro,metrics:ro,...)")
	return cmd
}
