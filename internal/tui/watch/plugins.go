package watch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
)

func newPluginTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 18},
			{Title: "Kind", Width: 8},
			{Title: "State", Width: 12},
			{Title: "Restarts", Width: 8},
			{Title: "Calls", Width: 8},
			{Title: "Note", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func stateGlyph(state lifecycle.State) string {
	switch state {
	case lifecycle.StateRunning:
		return "●"
	case lifecycle.StateFailed:
		return "∅"
	case lifecycle.StateDisabled:
		return "◌"
	case lifecycle.StateInitialized, lifecycle.StateStarted:
		return "◉"
	default:
		return "○"
	}
}

// pluginNote explains a plugin that is not simply running.
func pluginNote(st lifecycle.Status, now time.Time) string {
	switch {
	case !st.NextRestartAt.IsZero() && st.NextRestartAt.After(now):
		return fmt.Sprintf("restart #%d in %s", st.ConsecutiveFailures, formatDuration(st.NextRestartAt.Sub(now)))
	case st.ConfigDisabled:
		return "disabled in config"
	case st.ManualDisabled:
		return "disabled: " + st.DisabledReason
	case st.LoadError != "":
		return st.LoadError
	case st.LastError != "":
		return st.LastError
	case st.DisabledReason != "":
		return st.DisabledReason
	}
	return ""
}

func pluginRows(statuses []lifecycle.Status, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(statuses))
	for _, st := range statuses {
		rows = append(rows, table.Row{
			stateGlyph(st.State),
			st.Name,
			string(st.Kind),
			string(st.State),
			fmt.Sprint(st.Restarts),
			fmt.Sprint(st.Usage.Calls),
			pluginNote(st, now),
		})
	}
	return rows
}

type transition struct {
	Plugin string `json:"plugin"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// applyEvent folds a lifecycle transition into the last polled statuses so
// the table moves between polls. It reports whether anything changed.
func applyEvent(statuses []lifecycle.Status, e events.Event) bool {
	if e.Type != "lifecycle.transition" {
		return false
	}
	var tr transition
	if err := json.Unmarshal(e.Data, &tr); err != nil || tr.Plugin == "" {
		return false
	}
	for i := range statuses {
		if statuses[i].Name != tr.Plugin {
			continue
		}
		statuses[i].State = lifecycle.State(tr.To)
		statuses[i].Since = e.At
		if lifecycle.State(tr.To) == lifecycle.StateRunning {
			statuses[i].NextRestartAt = time.Time{}
			statuses[i].LastError = ""
		}
		return true
	}
	return false
}

func renderPlugins(t table.Model, count int, theme Theme, width int) string {
	title := theme.Title.Render(fmt.Sprintf("PLUGINS (%d)", count))
	body := t.View()
	if count == 0 {
		body = theme.Dim.Render("  No plugins reported")
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}
