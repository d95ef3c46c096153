package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meshgate/internal/api"
)

// headerState is what the top box shows.
type headerState struct {
	Connected bool
	Health    api.HealthzResponse
	Gateway   api.GatewayStats
	Dispatch  uint64
	Pending   int
}

func renderHeader(h headerState, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	statusText := theme.StatusOK.Render("HEALTHY")
	switch {
	case !h.Connected:
		statusText = theme.StatusFailed.Render("CONNECTING")
	case h.Health.Status != "ok" && h.Health.Status != "":
		statusText = theme.StatusFailed.Render("DEGRADED")
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := theme.Header.Render(" MESHGATE WATCH")
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-2, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock

	uptime := formatDuration(time.Duration(h.Health.UptimeSeconds) * time.Second)
	statsLine := fmt.Sprintf(" %s  up %s  plugins %d (%s)",
		statusText, uptime, h.Health.Plugins, stateSummary(h.Health.States))

	trafficLine := fmt.Sprintf(" queue %d/%d  in %d  dropped %d  out %d  send-fail %d  dispatched %d  escalations %d",
		h.Gateway.QueueDepth, h.Gateway.QueueCapacity,
		h.Gateway.Received, h.Gateway.Dropped,
		h.Gateway.Sent, h.Gateway.SendFailures,
		h.Dispatch, h.Pending)

	lastEvent := "never"
	if !pulse.LastEvent().IsZero() {
		lastEvent = formatDuration(now.Sub(pulse.LastEvent())) + " ago"
	}
	activityLine := fmt.Sprintf(" last event %s %s", lastEvent, pulse.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, trafficLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

// stateSummary renders {"running":3,"failed":1} as "3 running, 1 failed"
// in lifecycle order.
func stateSummary(states map[string]int) string {
	order := []string{"running", "started", "initialized", "discovered", "disabled", "failed", "stopped", "unloaded"}
	var parts []string
	for _, s := range order {
		if n := states[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ", ")
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
