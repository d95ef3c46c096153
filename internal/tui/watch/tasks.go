package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meshgate/internal/health"
	"github.com/mattjoyce/meshgate/internal/scheduler"
)

const maxTaskLines = 6

// renderTasks shows scheduled tasks beside pending restarts.
func renderTasks(tasks []scheduler.Info, restarts []health.Pending, theme Theme, width int, now time.Time) string {
	var lines []string
	for _, r := range restarts {
		when := "waiting"
		if r.Armed && !r.NextFireAt.IsZero() {
			when = "in " + formatDuration(r.NextFireAt.Sub(now))
		}
		lines = append(lines, theme.StatusFailed.Render(
			fmt.Sprintf("↻ %-18s restart attempt %d %s", r.Plugin, r.Attempt, when)))
	}
	for _, task := range tasks {
		lines = append(lines, formatTask(task, theme, now))
	}

	if len(lines) == 0 {
		lines = []string{theme.Dim.Render("No scheduled tasks or pending restarts")}
	}
	if len(lines) > maxTaskLines {
		more := len(lines) - maxTaskLines
		lines = append(lines[:maxTaskLines], theme.Dim.Render(fmt.Sprintf("... %d more", more)))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("TASKS & RESTARTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(width - 4).Render(content)
}

func formatTask(task scheduler.Info, theme Theme, now time.Time) string {
	name := fmt.Sprintf("%s/%s", task.Plugin, task.Name)
	style := theme.StatusOK
	status := "ok"
	switch {
	case !task.Active:
		style, status = theme.StatusIdle, "inactive"
	case task.LastError != "":
		style, status = theme.StatusFailed, "error: "+task.LastError
	case task.Runs == 0:
		style, status = theme.StatusIdle, "pending"
	}

	next := "-"
	if task.Active && !task.NextRunAt.IsZero() {
		next = formatDuration(task.NextRunAt.Sub(now))
	}
	return fmt.Sprintf("%s %-24s every %-6s next %-8s runs %-4d %s",
		style.Render("⏲"), name, task.Every, next, task.Runs, style.Render(status))
}
