package app

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tui/client"
	"github.com/wclr/taskmate/internal/tui/theme"
	"github.com/wclr/taskmate/internal/tui/views/eventlog"
	"github.com/wclr/taskmate/internal/tui/views/picker"
	"github.com/wclr/taskmate/internal/tui/views/status"
)

const healthPollInterval = 5 * time.Second

// Overlay identifies which modal is active.
type Overlay int

const (
	OverlayNone Overlay = iota
	OverlayPicker
	OverlayLog
)

type healthTickMsg struct{}

type healthMsg struct{ status string }

// actionErrMsg reports a failed user action.
type actionErrMsg struct{ err error }

type reloadedMsg struct{ tasks int }

// Model is the root Bubble Tea model.
type Model struct {
	ws     *client.WSClient
	http   *client.HTTPClient
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	sessions    []session.Summary
	selectedIdx int
	overlay     Overlay

	statusBar status.Model
	picker    picker.Model
	log       eventlog.Model

	connected bool
	lastNote  *session.Notice
}

// New creates the root model. Either client may be nil, which disables the
// actions that need it.
func New(ws *client.WSClient, http *client.HTTPClient) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		ws:        ws,
		http:      http,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		statusBar: status.New(),
		picker:    picker.New(),
		log:       eventlog.New(),
	}
}

// Init starts the websocket connection and health polling.
func (m Model) Init() tea.Cmd {
	var cmds []tea.Cmd
	if m.ws != nil {
		cmds = append(cmds, m.ws.Listen(m.ctx))
	}
	if m.http != nil {
		cmds = append(cmds, m.fetchHealth())
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		m.connected = true
		m.statusBar.Connected = true
		return m, m.readNext()

	case client.DisconnectedMsg:
		m.connected = false
		m.statusBar.Connected = false
		if msg.Err != nil {
			m.log.AddError("disconnected: " + msg.Err.Error())
		}
		if m.ws == nil {
			return m, nil
		}
		return m, m.ws.Listen(m.ctx)

	case client.SnapshotMsg:
		m.sessions = msg.Payload.Sessions
		m.statusBar.Items = msg.Payload.Indicators
		m.picker.SetItems(msg.Payload.Tasks)
		m.clampSelection()
		return m, m.readNext()

	case client.EventMsg:
		m.sessions = session.Fold(m.sessions, msg.Event)
		m.log.AddEvent(msg.Event)
		m.clampSelection()
		return m, m.readNext()

	case client.IndicatorsMsg:
		m.statusBar.Items = msg.Items
		m.clampSelection()
		return m, m.readNext()

	case client.NoticeMsg:
		n := msg.Notice
		m.lastNote = &n
		m.log.AddNotice(n)
		return m, m.readNext()

	case client.TasksMsg:
		m.picker.SetItems(msg.Tasks)
		var cmd tea.Cmd
		if msg.Show && m.overlay == OverlayNone {
			m.overlay = OverlayPicker
			cmd = m.picker.Open()
		}
		return m, tea.Batch(cmd, m.readNext())

	case client.ServerErrorMsg:
		m.log.AddError(msg.Message)
		return m, m.readNext()

	case healthTickMsg:
		return m, m.fetchHealth()

	case healthMsg:
		m.statusBar.Health = msg.status
		return m, tea.Tick(healthPollInterval, func(time.Time) tea.Msg { return healthTickMsg{} })

	case reloadedMsg:
		m.log.AddNotice(session.Notice{Level: session.NoticeInfo, Text: fmt.Sprintf("reloaded %d tasks", msg.tasks)})
		return m, nil

	case actionErrMsg:
		m.log.AddError(msg.err.Error())
		return m, nil
	}

	if m.overlay == OverlayPicker {
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) readNext() tea.Cmd {
	if m.ws == nil {
		return nil
	}
	return m.ws.ReadLoop(m.ctx)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		m.cancel()
		return m, tea.Quit
	}

	switch m.overlay {
	case OverlayPicker:
		return m.handlePickerKey(msg)
	case OverlayLog:
		switch {
		case key.Matches(msg, m.keys.Escape), key.Matches(msg, m.keys.Log):
			m.overlay = OverlayNone
		case key.Matches(msg, m.keys.Up):
			m.log.ScrollUp(1)
		case key.Matches(msg, m.keys.Down):
			m.log.ScrollDown(1)
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.cancel()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Down):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx + 1) % len(m.sessions)
		}
		m.syncStatusSelection()
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if len(m.sessions) > 0 {
			m.selectedIdx = (m.selectedIdx - 1 + len(m.sessions)) % len(m.sessions)
		}
		m.syncStatusSelection()
		return m, nil

	case key.Matches(msg, m.keys.Show):
		if s, ok := m.selected(); ok {
			command := indicator.CommandFor(s.ID)
			return m, m.wsAction(func(c *client.WSClient) error { return c.Click(command) })
		}
		return m, nil

	case key.Matches(msg, m.keys.Dispose):
		if s, ok := m.selected(); ok {
			req := session.Dispose(s.ID)
			return m, m.wsAction(func(c *client.WSClient) error { return c.Request(req) })
		}
		return m, nil

	case key.Matches(msg, m.keys.NewTerm):
		req := session.Create("", "", "")
		return m, m.wsAction(func(c *client.WSClient) error { return c.Request(req) })

	case key.Matches(msg, m.keys.Tasks):
		m.overlay = OverlayPicker
		return m, m.picker.Open()

	case key.Matches(msg, m.keys.Reload):
		return m, m.reloadTasks()

	case key.Matches(msg, m.keys.Log):
		m.overlay = OverlayLog
		return m, nil
	}

	return m, nil
}

func (m Model) handlePickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.picker.Close()
		m.overlay = OverlayNone
		return m, nil
	case tea.KeyUp:
		m.picker.Move(-1)
		return m, nil
	case tea.KeyDown:
		m.picker.Move(1)
		return m, nil
	case tea.KeyEnter:
		item, ok := m.picker.Selected()
		if !ok {
			return m, nil
		}
		m.picker.Close()
		m.overlay = OverlayNone
		return m, m.wsAction(func(c *client.WSClient) error { return c.RunTask(item.ID) })
	}

	var cmd tea.Cmd
	m.picker, cmd = m.picker.Update(msg)
	return m, cmd
}

func (m Model) wsAction(fn func(*client.WSClient) error) tea.Cmd {
	ws := m.ws
	return func() tea.Msg {
		if ws == nil {
			return actionErrMsg{err: fmt.Errorf("not connected")}
		}
		if err := fn(ws); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m Model) reloadTasks() tea.Cmd {
	http := m.http
	return func() tea.Msg {
		if http == nil {
			return actionErrMsg{err: fmt.Errorf("no server address")}
		}
		n, err := http.ReloadTasks()
		if err != nil {
			return actionErrMsg{err: err}
		}
		return reloadedMsg{tasks: n}
	}
}

func (m Model) fetchHealth() tea.Cmd {
	http := m.http
	return func() tea.Msg {
		h, err := http.GetHealth()
		if err != nil {
			return healthMsg{status: "unknown"}
		}
		return healthMsg{status: string(h.Status)}
	}
}

func (m Model) selected() (session.Summary, bool) {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.sessions) {
		return session.Summary{}, false
	}
	return m.sessions[m.selectedIdx], true
}

func (m *Model) clampSelection() {
	if m.selectedIdx >= len(m.sessions) {
		m.selectedIdx = max(len(m.sessions)-1, 0)
	}
	m.syncStatusSelection()
}

// syncStatusSelection highlights the selected session's indicator. Item 0 is
// the task launcher; session items follow in session order.
func (m *Model) syncStatusSelection() {
	if len(m.sessions) == 0 {
		m.statusBar.Selected = -1
		return
	}
	m.statusBar.Selected = m.selectedIdx + 1
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var body string
	switch {
	case m.overlay == OverlayPicker:
		body = m.picker.View(m.width, m.height-4)
	case m.overlay == OverlayLog:
		body = m.log.View(m.width, m.height-4)
	case !m.connected:
		body = m.renderDisconnected()
	default:
		body = m.renderSessions()
	}

	sections := []string{m.statusBar.View(), body}
	if m.lastNote != nil {
		style := lipgloss.NewStyle().Foreground(theme.NoticeColor(string(m.lastNote.Level)))
		sections = append(sections, style.Render("  "+m.lastNote.Text))
	}
	sections = append(sections, theme.StyleDimmed.Render("  j/k:navigate  enter:show  x:close  t:tasks  n:new shell  r:reload  l:log  q:quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderDisconnected() string {
	box := lipgloss.NewStyle().
		Padding(1, 4).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(theme.ColorDanger).
		Render(lipgloss.JoinVertical(lipgloss.Center,
			lipgloss.NewStyle().Bold(true).Foreground(theme.ColorDanger).Render("DISCONNECTED"),
			theme.StyleDimmed.Render("Reconnecting to taskmate..."),
		))
	return lipgloss.Place(m.width, max(m.height-6, 5), lipgloss.Center, lipgloss.Center, box)
}

func (m Model) renderSessions() string {
	lines := []string{theme.StyleHeader.Render("SESSIONS")}
	if len(m.sessions) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("  No sessions. Press t to run a task or n for a shell."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	for i, s := range m.sessions {
		prefix := "  "
		if i == m.selectedIdx {
			prefix = "> "
		}
		lines = append(lines, prefix+renderSessionLine(s, 32))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderSessionLine(s session.Summary, maxLen int) string {
	state := s.State.String()
	color := theme.StateColor(state)
	name := displayName(s, maxLen)

	nameStr := lipgloss.NewStyle().Foreground(color).Width(maxLen).Render(name)
	stateStr := lipgloss.NewStyle().Foreground(color).Width(8).Render(state)
	return fmt.Sprintf("%s %s %s %s", theme.StateGlyph(state), nameStr, stateStr,
		theme.StyleDimmed.Render(fmt.Sprintf("%d procs", s.ProcessCount)))
}

// displayName returns the session name, falling back to its id, truncated
// to maxLen characters.
func displayName(s session.Summary, maxLen int) string {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	if r := []rune(name); len(r) > maxLen {
		name = string(r[:maxLen-3]) + "..."
	}
	return name
}
