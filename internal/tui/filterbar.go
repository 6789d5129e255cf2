package tui

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	filterBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

// FilterBar narrows the recent executions table by task name or status.
type FilterBar struct {
	input   textinput.Model
	focused bool
	query   string
}

// NewFilterBar creates an empty filter bar.
func NewFilterBar() *FilterBar {
	ti := textinput.New()
	ti.Placeholder = "task name or status..."
	ti.CharLimit = 64
	return &FilterBar{input: ti}
}

// Focus focuses the filter input, keeping the applied query as its text.
func (f *FilterBar) Focus() {
	f.focused = true
	f.input.SetValue(f.query)
	f.input.CursorEnd()
	f.input.Focus()
}

// Focused reports whether keystrokes go to the input.
func (f *FilterBar) Focused() bool {
	return f.focused
}

// Apply makes the typed text the active query and blurs.
func (f *FilterBar) Apply() {
	f.query = strings.ToLower(strings.TrimSpace(f.input.Value()))
	f.blur()
}

// Clear drops the active query.
func (f *FilterBar) Clear() {
	f.query = ""
	f.blur()
}

func (f *FilterBar) blur() {
	f.focused = false
	f.input.Blur()
	f.input.SetValue("")
}

// Query returns the applied, lower-cased query.
func (f *FilterBar) Query() string {
	return f.query
}

// Update handles key input while focused.
func (f *FilterBar) Update(msg tea.Msg) tea.Cmd {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		f.blur()
		return nil
	}
	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return cmd
}

// View renders the filter bar.
func (f *FilterBar) View() string {
	if f.focused {
		return filterBarStyle.Render(promptStyle.Render("/ ") + f.input.View())
	}
	if f.query != "" {
		return filterBarStyle.Render("filter: " + f.query + "  (Esc to clear)")
	}
	return helpStyle.Render("Press / to filter executions")
}

// matches reports whether any field contains the query.
func matches(query string, fields ...string) bool {
	if query == "" {
		return true
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}
