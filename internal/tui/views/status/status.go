// Package status renders the indicator status bar: one segment per
// indicator item, plus connection and tracker health.
package status

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/tui/theme"
)

var iconRef = regexp.MustCompile(`\$\(([a-z-]+)\)`)

var iconGlyphs = map[string]string{
	"clippy":       "≡",
	"rocket":       "▶",
	"issue-opened": "✓",
	"terminal":     "■",
}

// Model holds the status bar state.
type Model struct {
	Connected bool
	Health    string
	Items     []indicator.Item
	Selected  int // index into Items, -1 for none
	Width     int
}

func New() Model {
	return Model{Selected: -1}
}

// Glyphs replaces icon references such as "$(rocket)" with terminal glyphs.
// Unknown icons are dropped.
func Glyphs(text string) string {
	out := iconRef.ReplaceAllStringFunc(text, func(ref string) string {
		name := iconRef.FindStringSubmatch(ref)[1]
		return iconGlyphs[name]
	})
	return strings.TrimSpace(out)
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var conn string
	if m.Connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("● Connected")
	} else {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○ Connecting...")
	}

	segments := make([]string, 0, len(m.Items))
	for i, item := range m.Items {
		style := lipgloss.NewStyle().Foreground(theme.ItemColor(item.Color))
		if i == m.Selected {
			style = style.Bold(true).Underline(true)
		}
		segments = append(segments, style.Render(Glyphs(item.Text)))
	}

	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := conn
	if len(segments) > 0 {
		content += sep + strings.Join(segments, "  ")
	}
	if m.Health != "" && m.Health != "healthy" {
		content += sep + lipgloss.NewStyle().Foreground(theme.HealthColor(m.Health)).Render("procs: "+m.Health)
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}
