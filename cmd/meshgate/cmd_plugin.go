package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/meshgate/internal/api"
	"github.com/mattjoyce/meshgate/internal/inspect"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/registry"
	"github.com/mattjoyce/meshgate/internal/storage"
)

func newPluginCmd(opts *globalOptions) *cobra.Command {
	apiOpts := &apiOptions{}
	cmd := &cobra.Command{
		Use:   "plugin",
		Short: "List and control plugins on a running gateway",
	}
	apiOpts.bind(cmd)

	cmd.AddCommand(
		newPluginListCmd(opts, apiOpts),
		newPluginShowCmd(opts, apiOpts),
		newPluginActionCmd(opts, apiOpts, "disable", "Disable a plugin until it is enabled again"),
		newPluginActionCmd(opts, apiOpts, "enable", "Enable a disabled, stopped or failed plugin"),
		newPluginActionCmd(opts, apiOpts, "stop", "Stop a plugin without marking it disabled"),
		newPluginActionCmd(opts, apiOpts, "reload", "Re-read a plugin's manifest and restart it"),
		newPluginInspectCmd(opts),
	)
	return cmd
}

func newPluginListCmd(opts *globalOptions, apiOpts *apiOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins and their lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plugins, err := apiOpts.client(opts).Plugins(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), plugins)
			}
			renderPluginTable(cmd.OutOrStdout(), plugins, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func renderPluginTable(w io.Writer, plugins []lifecycle.Status, now time.Time) {
	table := newTable(w, []string{"Name", "Version", "Kind", "State", "Since", "Restarts", "Calls", "Note"})
	for _, p := range plugins {
		since := "-"
		if !p.Since.IsZero() {
			since = now.Sub(p.Since).Round(time.Second).String()
		}
		table.Append([]string{
			p.Name,
			p.Version,
			string(p.Kind),
			string(p.State),
			since,
			fmt.Sprint(p.Restarts),
			fmt.Sprint(p.Usage.Calls),
			statusNote(p),
		})
	}
	table.Render()
}

func statusNote(p lifecycle.Status) string {
	switch {
	case p.ConfigDisabled:
		return "disabled in config"
	case p.ManualDisabled:
		return "disabled: " + p.DisabledReason
	case !p.NextRestartAt.IsZero():
		return "restart at " + p.NextRestartAt.Local().Format("15:04:05")
	case p.LoadError != "":
		return p.LoadError
	case p.LastError != "":
		return p.LastError
	}
	return p.DisabledReason
}

func newPluginShowCmd(opts *globalOptions, apiOpts *apiOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one plugin with its registered handlers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiOpts.client(opts)
			st, err := client.Plugin(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			handlers, err := client.Handlers(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"plugin": st, "handlers": handlers})
			}
			renderPluginDetail(cmd.OutOrStdout(), st, handlers)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func renderPluginDetail(w io.Writer, st lifecycle.Status, handlers []registry.Info) {
	fmt.Fprintf(w, "Name        : %s\n", st.Name)
	fmt.Fprintf(w, "Version     : %s\n", st.Version)
	fmt.Fprintf(w, "Kind        : %s\n", st.Kind)
	fmt.Fprintf(w, "State       : %s\n", st.State)
	if len(st.Dependencies) > 0 {
		deps := make([]string, 0, len(st.Dependencies))
		for _, d := range st.Dependencies {
			if d.Optional {
				deps = append(deps, d.Name+" (optional)")
			} else {
				deps = append(deps, d.Name)
			}
		}
		fmt.Fprintf(w, "Depends on  : %s\n", strings.Join(deps, ", "))
	}
	fmt.Fprintf(w, "Restarts    : %d (consecutive failures %d)\n", st.Restarts, st.ConsecutiveFailures)
	fmt.Fprintf(w, "Calls       : %d (%d rejected)\n", st.Usage.Calls, st.Usage.CallsRejected)
	if st.Usage.StorageLimit > 0 {
		fmt.Fprintf(w, "Storage     : %d / %d bytes\n", st.Usage.StorageBytes, st.Usage.StorageLimit)
	}
	if note := statusNote(st); note != "" {
		fmt.Fprintf(w, "Note        : %s\n", note)
	}

	fmt.Fprintf(w, "\nHandlers (%d)\n", len(handlers))
	if len(handlers) == 0 {
		return
	}
	table := newTable(w, []string{"Name", "Kind", "Pattern", "Priority", "Cooldown", "Per hour"})
	for _, h := range handlers {
		perHour := "-"
		if h.MaxPerHour > 0 {
			perHour = fmt.Sprint(h.MaxPerHour)
		}
		if h.Exempt {
			perHour = "exempt"
		}
		table.Append([]string{
			h.Name,
			string(h.Kind),
			h.Pattern,
			fmt.Sprint(h.Priority),
			firstNonEmpty(h.Cooldown, "-"),
			perHour,
		})
	}
	table.Render()
}

func newPluginActionCmd(opts *globalOptions, apiOpts *apiOptions, action, short string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiOpts.client(opts).Action(cmd.Context(), args[0], action, reason)
			out := cmd.OutOrStdout()
			if err != nil {
				var se *api.StatusError
				if errors.As(err, &se) && se.Plugin != nil {
					fmt.Fprintf(out, "%s: %s\n", se.Plugin.Name, se.Plugin.State)
				}
				return err
			}
			fmt.Fprintf(out, "%s: %s\n", resp.Plugin.Name, resp.Plugin.State)
			return nil
		},
	}
	if action == "disable" {
		cmd.Flags().StringVar(&reason, "reason", "", "Recorded with the disable")
	}
	return cmd
}

func newPluginInspectCmd(opts *globalOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Report a plugin's persisted state from the state database",
		Long:  "Reads the state database directly; the gateway does not need to be running.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, opts)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if _, err := os.Stat(cfg.State.Path); err != nil {
				return fmt.Errorf("state database %s: %w", cfg.State.Path, err)
			}
			db, err := storage.OpenSQLite(cmd.Context(), cfg.State.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			name := args[0]
			limit := cfg.Plugins[name].Quota.Merge(cfg.Governor).StorageBytes
			var report string
			if jsonOut {
				report, err = inspect.BuildJSONReport(cmd.Context(), db, name, limit)
			} else {
				report, err = inspect.BuildReport(cmd.Context(), db, name, limit)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if jsonOut {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
