package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/meshgate/internal/api"
	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
)

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	client *api.Client
	now    func() time.Time

	width  int
	height int

	// State
	connected   bool
	health      api.HealthzResponse
	metrics     *api.Metrics
	plugins     []lifecycle.Status
	eventLog    []events.Event
	lastEventID int64

	// UI state
	table table.Model
	pulse Pulse
	theme Theme

	// Communication
	hubEvents chan events.Event

	// Error display
	lastError string
}

// New creates a watch model reading from client. Streams and polls stop
// when ctx ends.
func New(ctx context.Context, client *api.Client) *Model {
	return &Model{
		ctx:       ctx,
		client:    client,
		now:       time.Now,
		table:     newPluginTable(),
		theme:     NewDefaultTheme(),
		hubEvents: make(chan events.Event, 100),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribe(m.ctx, m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchSnapshot(m.ctx, m.client, false),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshot(m.ctx, m.client, true)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-6, 20))
		m.resizeTable()
		return m, nil

	case tickMsg:
		m.pulse.Decay(m.now())
		m.refreshRows()
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		if e.ID > m.lastEventID {
			m.lastEventID = e.ID
		}
		m.pulse.OnEvent(m.now())
		m.connected = true

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if applyEvent(m.plugins, e) {
			m.refreshRows()
		} else if e.Type == "lifecycle.reloaded" || e.Type == "health.restarted" {
			cmds = append(cmds, fetchSnapshot(m.ctx, m.client, true))
		}
		return m, tea.Batch(cmds...)

	case snapshotMsg:
		m.health = msg.health
		m.plugins = msg.plugins
		if msg.metrics != nil {
			m.metrics = msg.metrics
		}
		m.connected = true
		m.lastError = ""
		m.refreshRows()
		m.resizeTable()
		if msg.manual {
			return m, nil
		}
		return m, pollAfter(m.ctx, m.client, pollInterval)

	case streamClosedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribe(m.ctx, m.client, m.lastEventID, m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		if msg.manual {
			return m, nil
		}
		return m, pollAfter(m.ctx, m.client, pollInterval)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) refreshRows() {
	m.table.SetRows(pluginRows(m.plugins, m.now()))
}

func (m *Model) resizeTable() {
	rows := len(m.plugins)
	if m.height > 0 {
		rows = min(rows, m.height/3)
	}
	m.table.SetHeight(max(rows, 3))
}

func (m Model) selected() (lifecycle.Status, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.plugins) {
		return lifecycle.Status{}, false
	}
	return m.plugins[i], true
}

func (m Model) headerState() headerState {
	h := headerState{Connected: m.connected, Health: m.health}
	if m.metrics != nil {
		h.Gateway = m.metrics.Gateway
		h.Dispatch = m.metrics.Dispatch.Messages
		h.Pending = m.metrics.AutoResponse.Pending
	}
	return h
}

// renderSelected is the detail line under the plugin table.
func (m Model) renderSelected() string {
	st, ok := m.selected()
	if !ok {
		return ""
	}
	parts := []string{
		m.theme.stateStyle(string(st.State)).Render(st.Name + " " + string(st.State)),
		"since " + formatDuration(m.now().Sub(st.Since)),
	}
	if st.Version != "" {
		parts = append(parts, "v"+st.Version)
	}
	if len(st.Dependencies) > 0 {
		deps := make([]string, 0, len(st.Dependencies))
		for _, d := range st.Dependencies {
			deps = append(deps, d.Name)
		}
		parts = append(parts, "needs "+strings.Join(deps, ","))
	}
	if st.Usage.CallsRejected > 0 {
		parts = append(parts, fmt.Sprintf("%d calls rejected", st.Usage.CallsRejected))
	}
	if st.Usage.StorageLimit > 0 {
		parts = append(parts, fmt.Sprintf("storage %d/%dB", st.Usage.StorageBytes, st.Usage.StorageLimit))
	}
	return " " + strings.Join(parts, m.theme.Dim.Render(" · "))
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to gateway..."
	}
	now := m.now()

	parts := []string{
		renderHeader(m.headerState(), m.pulse, m.theme, m.width, now),
		renderPlugins(m.table, len(m.plugins), m.theme, m.width),
	}
	if sel := m.renderSelected(); sel != "" {
		parts = append(parts, sel)
	}
	if m.metrics != nil {
		parts = append(parts, renderTasks(m.metrics.Tasks, m.metrics.Restarts, m.theme, m.width, now))
	}

	eventRows := 10
	if m.height > 0 {
		eventRows = max(m.height/4, 3)
	}
	parts = append(parts, renderEventStream(m.eventLog, m.theme, m.width, eventRows))

	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Select plugin • [r] Refresh"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
