package session

import (
	"encoding/json"
	"fmt"
)

// State is the run state of a tracked shell session, derived from how its
// process tree compares to the baseline captured when it became ready.
type State int

const (
	Stopped State = iota
	Running
	Changed
)

var stateNames = map[State]string{
	Stopped: "stopped",
	Running: "running",
	Changed: "changed",
}

var stateFromName = map[string]State{
	"stopped": Stopped,
	"running": Running,
	"changed": Changed,
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	v, ok := stateFromName[n]
	if !ok {
		return fmt.Errorf("unknown session state %q", n)
	}
	*s = v
	return nil
}

// Abandoned reports whether a session whose baseline had initial processes
// now has none left, meaning the shell itself is gone.
func Abandoned(initial, current int) bool {
	return initial > 0 && current == 0
}

// Classify computes the next state from the baseline process count, the
// count seen on the previous poll and the current count.
//
// Above the baseline a shrinking count means a unit of work finished inside a
// still-running process (changed) and a growing count means new work started
// (running). A flat count above the baseline carries no signal, so prior is
// returned as is, even when prior is Stopped. At or below the baseline the
// session is stopped.
func Classify(initial, previous, current int, prior State) State {
	if current <= initial {
		return Stopped
	}
	switch {
	case current < previous:
		return Changed
	case current > previous:
		return Running
	default:
		return prior
	}
}
