package ws

import (
	"encoding/json"

	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
)

type MessageType string

// Server to client.
const (
	MsgSnapshot   MessageType = "snapshot"
	MsgEvent      MessageType = "event"
	MsgIndicators MessageType = "indicators"
	MsgNotice     MessageType = "notice"
	MsgTasks      MessageType = "tasks"
	MsgError      MessageType = "error"
)

// Client to server.
const (
	MsgRequest MessageType = "request"
	MsgClick   MessageType = "click"
	MsgRunTask MessageType = "run_task"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Seq     uint64      `json:"seq,omitempty"`
	Payload interface{} `json:"payload"`
}

// ClientMessage is what clients send; the payload is decoded by type.
type ClientMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SnapshotPayload struct {
	Sessions   []session.Summary `json:"sessions"`
	Indicators []indicator.Item  `json:"indicators"`
	Tasks      []tasks.PickItem  `json:"tasks"`
}

type IndicatorsPayload struct {
	Items []indicator.Item `json:"items"`
}

type TasksPayload struct {
	Tasks []tasks.PickItem `json:"tasks"`
	// Show asks clients to open the task picker.
	Show bool `json:"show,omitempty"`
}

type ClickPayload struct {
	Command string `json:"command"`
}

type RunTaskPayload struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
