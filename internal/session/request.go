package session

import "fmt"

// Action names an operation requested of the tracker.
type Action string

const (
	ActionCreate       Action = "create"
	ActionCreateAndRun Action = "createAndRun"
	ActionShow         Action = "show"
	ActionDispose      Action = "dispose"
)

// Request asks the tracker to create, show or dispose a session. ID is
// optional for create actions; show and dispose require it.
type Request struct {
	Action  Action `json:"action"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Command string `json:"command,omitempty"`
}

// Create builds a request for an idle session.
func Create(id, name, cwd string) Request {
	return Request{Action: ActionCreate, ID: id, Name: name, Cwd: cwd}
}

// CreateAndRun builds a request for a session that runs command in cwd once
// its baseline has been captured.
func CreateAndRun(id, name, cwd, command string) Request {
	return Request{Action: ActionCreateAndRun, ID: id, Name: name, Cwd: cwd, Command: command}
}

// Show builds a request to reveal a tracked session.
func Show(id string) Request {
	return Request{Action: ActionShow, ID: id}
}

// Dispose builds a request to close a tracked session.
func Dispose(id string) Request {
	return Request{Action: ActionDispose, ID: id}
}

// IsCreate reports whether the request opens a new session.
func (r Request) IsCreate() bool {
	return r.Action == ActionCreate || r.Action == ActionCreateAndRun
}

// RunsCommand reports whether the created session should be sent a command.
func (r Request) RunsCommand() bool {
	return r.Action == ActionCreateAndRun && r.Command != ""
}

func (r Request) Validate() error {
	switch r.Action {
	case ActionCreate, ActionCreateAndRun:
		return nil
	case ActionShow, ActionDispose:
		if r.ID == "" {
			return fmt.Errorf("%s requires an id", r.Action)
		}
		return nil
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
}
