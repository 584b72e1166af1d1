// Package client talks to the taskmate server over its websocket and REST
// endpoints and turns server pushes into Bubble Tea messages.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
	"github.com/wclr/taskmate/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// WSClient manages the websocket connection to the server.
type WSClient struct {
	url string

	mu      sync.Mutex
	writeMu sync.Mutex // serialises conn writes
	conn    *websocket.Conn
	seq     uint64
	pingCtx context.CancelFunc
}

// NewWSClient creates a client for rawURL. A non-empty token is passed as
// the token query parameter.
func NewWSClient(rawURL, token string) *WSClient {
	return &WSClient{url: withToken(rawURL, token)}
}

func withToken(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Bubble Tea messages.

type ConnectedMsg struct{}

type DisconnectedMsg struct{ Err error }

type SnapshotMsg struct{ Payload ws.SnapshotPayload }

type EventMsg struct{ Event session.Event }

type IndicatorsMsg struct{ Items []indicator.Item }

type NoticeMsg struct{ Notice session.Notice }

type TasksMsg struct {
	Tasks []tasks.PickItem
	Show  bool
}

// ServerErrorMsg is an error the server reported for one of our messages.
type ServerErrorMsg struct{ Message string }

// Listen returns a command that connects, retrying with backoff until it
// succeeds or ctx is done.
func (c *WSClient) Listen(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		delay := reconnectBaseDelay
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}

			conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
			if err != nil {
				log.Printf("[client] dial: %v (retry in %v)", err, delay)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(delay):
				}
				delay = min(delay*2, reconnectMaxDelay)
				continue
			}

			c.mu.Lock()
			if c.pingCtx != nil {
				c.pingCtx()
			}
			pingCtx, pingCancel := context.WithCancel(ctx)
			c.conn = conn
			c.seq = 0
			c.pingCtx = pingCancel
			c.mu.Unlock()

			go c.pingLoop(pingCtx, conn)
			return ConnectedMsg{}
		}
	}
}

// ReadLoop returns a command that reads until the next message the UI cares
// about. Re-issue it after handling each message.
func (c *WSClient) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: fmt.Errorf("no connection")}
		}

		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongTimeout))
			return nil
		})
		conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.mu.Lock()
				if c.conn == conn {
					c.conn = nil
				}
				c.mu.Unlock()
				conn.Close()
				return DisconnectedMsg{Err: err}
			}

			var msg ws.ClientMessage
			var envelope struct {
				Seq uint64 `json:"seq"`
			}
			if json.Unmarshal(data, &msg) != nil || json.Unmarshal(data, &envelope) != nil {
				continue
			}

			c.mu.Lock()
			c.seq = envelope.Seq
			c.mu.Unlock()

			if teaMsg := Decode(msg); teaMsg != nil {
				return teaMsg
			}
		}
	}
}

func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Seq returns the last seen sequence number.
func (c *WSClient) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Click sends a status bar click.
func (c *WSClient) Click(command string) error {
	return c.write(ws.WSMessage{Type: ws.MsgClick, Payload: ws.ClickPayload{Command: command}})
}

// RunTask asks the server to launch a task from the catalog.
func (c *WSClient) RunTask(id string) error {
	return c.write(ws.WSMessage{Type: ws.MsgRunTask, Payload: ws.RunTaskPayload{ID: id}})
}

// Request forwards a session request to the tracker.
func (c *WSClient) Request(req session.Request) error {
	return c.write(ws.WSMessage{Type: ws.MsgRequest, Payload: req})
}

func (c *WSClient) write(msg ws.WSMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

// Decode turns a server message into a Bubble Tea message. Unknown types and
// undecodable payloads yield nil.
func Decode(msg ws.ClientMessage) tea.Msg {
	switch msg.Type {
	case ws.MsgSnapshot:
		var p ws.SnapshotPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return SnapshotMsg{Payload: p}
		}
	case ws.MsgEvent:
		var ev session.Event
		if json.Unmarshal(msg.Payload, &ev) == nil {
			return EventMsg{Event: ev}
		}
	case ws.MsgIndicators:
		var p ws.IndicatorsPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return IndicatorsMsg{Items: p.Items}
		}
	case ws.MsgNotice:
		var n session.Notice
		if json.Unmarshal(msg.Payload, &n) == nil {
			return NoticeMsg{Notice: n}
		}
	case ws.MsgTasks:
		var p ws.TasksPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return TasksMsg{Tasks: p.Tasks, Show: p.Show}
		}
	case ws.MsgError:
		var p ws.ErrorPayload
		if json.Unmarshal(msg.Payload, &p) == nil {
			return ServerErrorMsg{Message: p.Message}
		}
	}
	return nil
}
