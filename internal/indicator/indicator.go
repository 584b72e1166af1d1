// Package indicator turns the tracker's lifecycle events into the status
// bar: one fixed task-list entry followed by one clickable entry per session.
package indicator

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/wclr/taskmate/internal/session"
)

const (
	// ClickPrefix namespaces per-session click commands.
	ClickPrefix      = "taskmate.statusBarClick_"
	ShowTasksCommand = "taskmate.showTasks"
)

var ErrUnknownCommand = errors.New("unknown command")

const (
	colorRunning = "#98e698"
	colorChanged = "#ffd394"
	colorDefault = "#DDD"
)

// Item is one status bar entry.
type Item struct {
	Text    string `json:"text"`
	Color   string `json:"color,omitempty"`
	Tooltip string `json:"tooltip"`
	Command string `json:"command"`
}

// Requester accepts requests for the tracker.
type Requester interface {
	Submit(req session.Request)
}

type Aggregator struct {
	store     *session.Store
	requester Requester

	mu        sync.RWMutex
	items     []Item
	clicks    map[string]string // command -> session id
	renderers []func([]Item)
	showTasks func()
}

func New(r Requester) *Aggregator {
	return &Aggregator{
		store:     session.NewStore(),
		requester: r,
		items:     Render(nil),
		clicks:    map[string]string{},
	}
}

// OnRender registers fn to receive the full item list after every event.
func (a *Aggregator) OnRender(fn func([]Item)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.renderers = append(a.renderers, fn)
}

// OnShowTasks sets the handler for the fixed task-list entry.
func (a *Aggregator) OnShowTasks(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.showTasks = fn
}

// Apply folds ev into the session list, rebuilds the click registrations and
// pushes the new items to every renderer.
func (a *Aggregator) Apply(ev session.Event) {
	sessions := a.store.Apply(ev)
	items := Render(sessions)
	clicks := Commands(sessions)

	a.mu.Lock()
	a.items = items
	a.clicks = clicks
	renderers := a.renderers
	a.mu.Unlock()

	for _, fn := range renderers {
		fn(cloneItems(items))
	}
}

func (a *Aggregator) Items() []Item {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return cloneItems(a.items)
}

// Sessions returns the folded session list in creation order.
func (a *Aggregator) Sessions() []session.Summary {
	return a.store.GetAll()
}

// Click routes a status bar command: a session entry becomes a show request,
// the header entry opens the task list.
func (a *Aggregator) Click(command string) error {
	a.mu.RLock()
	id, ok := a.clicks[command]
	showTasks := a.showTasks
	a.mu.RUnlock()

	if command == ShowTasksCommand {
		if showTasks != nil {
			showTasks()
		}
		return nil
	}
	if !ok {
		log.Printf("[indicator] ignoring click on %q", command)
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
	a.requester.Submit(session.Show(id))
	return nil
}

// Render builds the status bar for a session list.
func Render(sessions []session.Summary) []Item {
	items := make([]Item, 0, len(sessions)+1)
	items = append(items, Item{
		Text:    "$(clippy) Taskmate",
		Tooltip: "List tasks to run",
		Command: ShowTasksCommand,
	})
	for _, s := range sessions {
		items = append(items, Item{
			Text:    fmt.Sprintf("$(%s) %s (%d)", icon(s.State), s.Name, s.ProcessCount),
			Color:   color(s.State),
			Tooltip: fmt.Sprintf("%s: %s, %d processes", s.Name, s.State, s.ProcessCount),
			Command: CommandFor(s.ID),
		})
	}
	return items
}

// Commands maps every session's click command to its id.
func Commands(sessions []session.Summary) map[string]string {
	out := make(map[string]string, len(sessions))
	for _, s := range sessions {
		out[CommandFor(s.ID)] = s.ID
	}
	return out
}

func CommandFor(id string) string {
	return ClickPrefix + id
}

func icon(s session.State) string {
	switch s {
	case session.Running:
		return "rocket"
	case session.Changed:
		return "issue-opened"
	default:
		return "terminal"
	}
}

func color(s session.State) string {
	switch s {
	case session.Running:
		return colorRunning
	case session.Changed:
		return colorChanged
	default:
		return colorDefault
	}
}

func cloneItems(items []Item) []Item {
	return append([]Item(nil), items...)
}
