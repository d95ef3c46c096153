package main

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/meshgate/internal/tui/watch"
)

func newWatchCmd(opts *globalOptions) *cobra.Command {
	apiOpts := &apiOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of plugin state and gateway events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiOpts.client(opts)
			if _, err := client.Healthz(cmd.Context()); err != nil {
				return err
			}
			p := tea.NewProgram(watch.New(cmd.Context(), client), tea.WithContext(cmd.Context()))
			_, err := p.Run()
			return err
		},
	}
	apiOpts.bind(cmd)
	return cmd
}
