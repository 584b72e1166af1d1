// Package picker is the task picker overlay: a filter input over the
// server's pick list.
package picker

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/tui/theme"
)

type Model struct {
	input   textinput.Model
	items   []tasks.PickItem
	matches []int // indexes into items
	cursor  int
}

func New() Model {
	ti := textinput.New()
	ti.Placeholder = "filter tasks"
	ti.Prompt = "> "
	ti.CharLimit = 64
	m := Model{input: ti}
	m.refilter()
	return m
}

// SetItems replaces the pick list, keeping the filter text.
func (m *Model) SetItems(items []tasks.PickItem) {
	m.items = items
	m.refilter()
}

// Open resets the filter and focuses the input.
func (m *Model) Open() tea.Cmd {
	m.input.SetValue("")
	m.refilter()
	return m.input.Focus()
}

func (m *Model) Close() {
	m.input.Blur()
}

// Move shifts the cursor by delta, wrapping around the matches.
func (m *Model) Move(delta int) {
	n := len(m.matches)
	if n == 0 {
		m.cursor = 0
		return
	}
	m.cursor = ((m.cursor+delta)%n + n) % n
}

// Selected returns the highlighted task.
func (m Model) Selected() (tasks.PickItem, bool) {
	if len(m.matches) == 0 {
		return tasks.PickItem{}, false
	}
	return m.items[m.matches[m.cursor]], true
}

// Update feeds a message to the filter input.
func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before {
		m.refilter()
	}
	return m, cmd
}

// Matches reports whether every word of filter occurs in the item's label or
// description, ignoring case.
func Matches(item tasks.PickItem, filter string) bool {
	hay := strings.ToLower(item.Label + " " + item.Description)
	for _, word := range strings.Fields(strings.ToLower(filter)) {
		if !strings.Contains(hay, word) {
			return false
		}
	}
	return true
}

func (m *Model) refilter() {
	filter := m.input.Value()
	matches := make([]int, 0, len(m.items))
	for i, item := range m.items {
		if Matches(item, filter) {
			matches = append(matches, i)
		}
	}
	m.matches = matches
	if m.cursor >= len(m.matches) {
		m.cursor = 0
	}
}

func (m Model) View(width, height int) string {
	innerW := max(width-4, 30)
	visible := max(height-8, 3)

	lines := []string{theme.StyleHeader.Render(" RUN TASK "), m.input.View(), ""}
	if len(m.matches) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No matching tasks."))
	}

	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := min(start+visible, len(m.matches))
	for pos := start; pos < end; pos++ {
		item := m.items[m.matches[pos]]
		prefix, style := "  ", lipgloss.NewStyle()
		if pos == m.cursor {
			prefix, style = "> ", theme.StyleSelected
		}
		line := prefix + style.Render(item.Label)
		if item.Description != "" {
			line += "  " + theme.StyleDimmed.Render(item.Description)
		}
		lines = append(lines, line)
	}

	lines = append(lines, "", theme.StyleDimmed.Render(fmt.Sprintf("↑/↓:select  enter:run  esc:close  %d/%d", len(m.matches), len(m.items))))

	return lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorAccent).
		Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
