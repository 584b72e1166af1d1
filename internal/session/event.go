package session

import (
	"encoding/json"
	"fmt"
)

// EventType classifies session lifecycle events.
type EventType int

const (
	EventCreated  EventType = iota // baseline captured, session is tracked
	EventState                     // poll observed a state transition
	EventDisposed                  // session removed from the tracked set
)

var eventTypeNames = map[EventType]string{
	EventCreated:  "created",
	EventState:    "state",
	EventDisposed: "disposed",
}

func (t EventType) String() string {
	if n, ok := eventTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	for k, v := range eventTypeNames {
		if v == n {
			*t = k
			return nil
		}
	}
	return fmt.Errorf("unknown event type %q", n)
}

// Event is an immutable lifecycle notification for one session. Events for
// the same ID are delivered in causal order: created, then any number of
// state events, then at most one disposed.
type Event struct {
	Type         EventType `json:"type"`
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	State        State     `json:"state"`
	ProcessCount int       `json:"processCount"`
}

// NoticeLevel is the severity of a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeWarn  NoticeLevel = "warn"
	NoticeError NoticeLevel = "error"
)

// Notice is a message meant for the user rather than the log, such as a
// failure to open a shell session.
type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
}
