package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meshgate/internal/events"
)

const eventLogSize = 50

func renderEventStream(eventLog []events.Event, theme Theme, width, rows int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= rows {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))
	typeName := eventStyle(e.Type, theme).Render(fmt.Sprintf("%-26s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

func eventStyle(eventType string, theme Theme) lipgloss.Style {
	switch {
	case strings.HasSuffix(eventType, ".failed"),
		strings.HasSuffix(eventType, "_error"),
		eventType == "health.disabled",
		eventType == "escalation.fired",
		eventType == "message.dropped":
		return theme.StatusFailed
	case strings.HasSuffix(eventType, ".completed"),
		eventType == "dispatch.fired",
		eventType == "health.restarted",
		eventType == "escalation.acknowledged":
		return theme.StatusOK
	case strings.HasPrefix(eventType, "lifecycle."),
		eventType == "escalation.armed":
		return theme.StatusRunning
	case strings.HasPrefix(eventType, "scheduler."):
		return theme.Highlight
	default:
		return theme.Dim
	}
}

// describeEvent pulls the few fields worth a glance out of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	str := func(key string) string {
		s, _ := data[key].(string)
		return s
	}

	if p := str("plugin"); p != "" {
		if h := str("handler"); h != "" {
			p += "/" + h
		}
		parts = append(parts, p)
	}
	if t := str("task"); t != "" {
		parts = append(parts, t)
	}
	if from, to := str("from"), str("to"); to != "" {
		parts = append(parts, from+" → "+to)
	}
	if a := str("actor"); a != "" {
		parts = append(parts, "from "+a)
	} else if a := str("actor_id"); a != "" {
		parts = append(parts, "from "+a)
	}
	if s := str("subject"); s != "" {
		parts = append(parts, s)
	}
	if r := str("reason"); r != "" {
		parts = append(parts, "("+r+")")
	}
	if msg := str("error"); msg != "" {
		parts = append(parts, "error: "+msg)
	} else if msg := str("last_error"); msg != "" {
		parts = append(parts, "error: "+msg)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if raw == "null" {
			return ""
		}
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
