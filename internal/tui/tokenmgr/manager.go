// Package tokenmgr is the interactive scope picker behind
// "meshgate config token". It emits a ready-to-paste api.auth.tokens entry.
package tokenmgr

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/meshgate/internal/auth"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Scopes lists every grantable scope with its description, in menu order.
var Scopes = []struct {
	Scope string
	Desc  string
}{
	{auth.ScopeAll, "Everything, including operator actions"},
	{auth.ScopePluginsRead, "Plugin status and handler listings"},
	{auth.ScopePluginsWrite, "Disable, enable, stop and reload plugins"},
	{auth.ScopeMetricsRead, "Gateway, dispatch and quota metrics"},
	{auth.ScopeEventsRead, "Live event stream (SSE)"},
}

type item struct {
	scope    string
	desc     string
	selected bool
}

func (i item) Title() string {
	check := "[ ]"
	if i.selected {
		check = "[x]"
	}
	return check + " " + i.scope
}
func (i item) Description() string { return i.desc }
func (i item) FilterValue() string { return i.scope }

// Model is the bubbletea model for the picker.
type Model struct {
	list      list.Model
	cancelled bool
	done      bool
	scopes    []string
}

// New builds a picker with nothing selected.
func New() *Model {
	items := make([]list.Item, 0, len(Scopes))
	for _, s := range Scopes {
		items = append(items, item{scope: s.Scope, desc: s.Desc})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Token scopes (space toggles, enter confirms)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle
	l.SetFilteringEnabled(false)

	return &Model{list: l}
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.cancelled = true
			return m, tea.Quit

		case " ":
			if it, ok := m.list.SelectedItem().(item); ok {
				it.selected = !it.selected
				m.list.SetItem(m.list.Index(), it)
			}
			return m, nil

		case "enter":
			m.scopes = selectedScopes(m.list.Items())
			if len(m.scopes) == 0 {
				// Nothing toggled: take the highlighted row.
				if it, ok := m.list.SelectedItem().(item); ok {
					m.scopes = []string{it.scope}
				}
			}
			m.done = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.cancelled {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.done {
		return quitTextStyle.Render("Selected scopes: " + strings.Join(m.scopes, ", "))
	}
	return "\n" + m.list.View()
}

// Result returns the chosen scopes; ok is false when the picker was cancelled.
func (m Model) Result() (scopes []string, ok bool) {
	return m.scopes, m.done && !m.cancelled
}

func selectedScopes(items []list.Item) []string {
	var out []string
	for _, li := range items {
		if it, ok := li.(item); ok && it.selected {
			out = append(out, it.scope)
		}
	}
	return out
}

// GenerateToken returns a random 32-byte hex token.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Snippet renders a tokens entry for the api.auth section.
func Snippet(token string, scopes []string) (string, error) {
	for _, s := range scopes {
		if !auth.ValidScope(s) {
			return "", fmt.Errorf("unknown scope %q", s)
		}
	}
	entry := []map[string]any{{"token": token, "scopes": scopes}}
	out, err := yaml.Marshal(map[string]any{
		"api": map[string]any{"auth": map[string]any{"tokens": entry}},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
