// Package eventlog keeps a bounded, scrollable log of session events and
// notices received from the server.
package eventlog

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tui/theme"
)

const maxEntries = 200

// Entry is one log line. Level is a notice level, or "event" for lifecycle
// events.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
}

type Model struct {
	Entries []Entry
	Offset  int // lines scrolled up from the newest entry
	now     func() time.Time
}

func New() Model {
	return Model{now: time.Now}
}

// AddEvent logs a lifecycle event.
func (m *Model) AddEvent(ev session.Event) {
	var msg string
	switch ev.Type {
	case session.EventCreated:
		msg = fmt.Sprintf("%s opened (%d baseline processes)", ev.Name, ev.ProcessCount)
	case session.EventDisposed:
		msg = fmt.Sprintf("%s closed", ev.Name)
	default:
		msg = fmt.Sprintf("%s %s (%d)", ev.Name, ev.State, ev.ProcessCount)
	}
	m.add("event", msg)
}

// AddNotice logs a notice at its own level.
func (m *Model) AddNotice(n session.Notice) {
	m.add(string(n.Level), n.Text)
}

// AddError logs a client-side or server-reported error.
func (m *Model) AddError(err string) {
	m.add(string(session.NoticeError), err)
}

func (m *Model) add(level, message string) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	m.Entries = append(m.Entries, Entry{Time: now(), Level: level, Message: message})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Offset = 0
}

// Last returns the newest entry, if any.
func (m Model) Last() (Entry, bool) {
	if len(m.Entries) == 0 {
		return Entry{}, false
	}
	return m.Entries[len(m.Entries)-1], true
}

func (m *Model) ScrollUp(n int) {
	m.Offset = min(m.Offset+n, max(len(m.Entries)-1, 0))
}

func (m *Model) ScrollDown(n int) {
	m.Offset = max(m.Offset-n, 0)
}

// View renders the log as an overlay panel.
func (m Model) View(width, height int) string {
	innerW := max(width-4, 20)
	visible := max(height-6, 3)

	title := theme.StyleHeader.Render(" EVENT LOG ")
	help := theme.StyleDimmed.Render(fmt.Sprintf("j/k:scroll  esc:close  %d entries", len(m.Entries)))

	panel := lipgloss.NewStyle().
		Width(innerW).
		Padding(1, 2).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorBorder)

	if len(m.Entries) == 0 {
		body := theme.StyleDimmed.Render("  Nothing yet.")
		return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, "", body, "", help))
	}

	end := max(len(m.Entries)-m.Offset, 0)
	start := max(end-visible, 0)

	lines := make([]string, 0, end-start)
	for _, e := range m.Entries[start:end] {
		ts := theme.StyleDimmed.Render(e.Time.Format("15:04:05"))
		level := lipgloss.NewStyle().Foreground(levelColor(e.Level)).Width(6).Render(e.Level)
		msg := e.Message
		if limit := innerW - 20; limit > 3 && len(msg) > limit {
			msg = msg[:limit-3] + "..."
		}
		lines = append(lines, fmt.Sprintf("%s %s %s", ts, level, msg))
	}

	more := ""
	if m.Offset > 0 {
		more = theme.StyleDimmed.Render(fmt.Sprintf(" ↓ %d newer", m.Offset))
	}
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n"), more, help))
}

func levelColor(level string) lipgloss.Color {
	if level == "event" {
		return theme.ColorAccent
	}
	return theme.NoticeColor(level)
}
