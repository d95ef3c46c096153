package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/meshgate/internal/api"
	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
)

// --- Message types ---

type eventMsg events.Event

// snapshotMsg is one poll of the read endpoints. Metrics is nil when the
// token lacks metrics:ro.
type snapshotMsg struct {
	// manual snapshots come from a keypress and do not reschedule polling.
	manual  bool
	health  api.HealthzResponse
	plugins []lifecycle.Status
	metrics *api.Metrics
}

type tickMsg time.Time

type errMsg struct {
	err    error
	manual bool
}

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{ err error }
type reconnectMsg struct{}

const (
	pollInterval   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// --- Commands ---

// subscribe follows the event stream from lastID and feeds ch until the
// connection drops.
func subscribe(ctx context.Context, c *api.Client, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := c.StreamEvents(ctx, lastID, nil, func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		return streamClosedMsg{err: err}
	}
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchSnapshot polls /healthz, /plugins and /metrics.
func fetchSnapshot(ctx context.Context, c *api.Client, manual bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		snap := snapshotMsg{manual: manual}
		var err error
		if snap.health, err = c.Healthz(ctx); err != nil {
			return errMsg{err: err, manual: manual}
		}
		if snap.plugins, err = c.Plugins(ctx); err != nil {
			return errMsg{err: err, manual: manual}
		}
		if m, err := c.Metrics(ctx); err == nil {
			snap.metrics = &m
		}
		return snap
	}
}

// pollAfter fetches the next snapshot once d has passed.
func pollAfter(ctx context.Context, c *api.Client, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return fetchSnapshot(ctx, c, false)()
	})
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}
