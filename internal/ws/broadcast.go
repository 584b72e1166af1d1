package ws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wclr/taskmate/internal/indicator"
	"github.com/wclr/taskmate/internal/session"
	"github.com/wclr/taskmate/internal/tasks"
)

var ErrTooManyConnections = errors.New("too many websocket connections")

// StateSource provides the current session list and status bar.
type StateSource interface {
	Sessions() []session.Summary
	Items() []indicator.Item
}

// TaskSource provides the task pick list.
type TaskSource interface {
	PickList() []tasks.PickItem
}

type client struct {
	conn *websocket.Conn
	b    *Broadcaster
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.b.RemoveClient(c)
			return
		}
	}
}

// Broadcaster fans server messages out to websocket clients. Lifecycle
// events and notices go out immediately; indicator updates are throttled and
// only the latest list is sent.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	state    StateSource
	tasks    TaskSource
	throttle time.Duration
	seq      atomic.Uint64

	snapshotTicker *time.Ticker
	done           chan struct{}
	stopOnce       sync.Once

	flushMu      sync.Mutex
	pendingItems []indicator.Item
	hasPending   bool
	flushTimer   *time.Timer
}

// NewBroadcaster creates a broadcaster. tasks may be nil. A zero
// snapshotInterval disables periodic snapshots; maxConns of 0 means
// unlimited clients.
func NewBroadcaster(state StateSource, tasks TaskSource, throttle, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		state:    state,
		tasks:    tasks,
		throttle: throttle,
		done:     make(chan struct{}),
	}
	if snapshotInterval > 0 {
		b.snapshotTicker = time.NewTicker(snapshotInterval)
		go b.snapshotLoop()
	}
	return b
}

// AddClient registers conn and queues a snapshot for it.
func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	c := &client{
		conn: conn,
		b:    b,
		send: make(chan []byte, 64),
	}

	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	b.clients[c] = true
	b.mu.Unlock()

	go c.writePump()

	data, err := b.encode(b.snapshot())
	if err == nil {
		select {
		case c.send <- data:
		default:
		}
	}
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		close(c.send)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// PublishEvent sends a lifecycle event to every client.
func (b *Broadcaster) PublishEvent(ev session.Event) {
	b.broadcast(WSMessage{Type: MsgEvent, Payload: ev})
}

// PublishNotice sends a user-facing notice to every client.
func (b *Broadcaster) PublishNotice(n session.Notice) {
	b.broadcast(WSMessage{Type: MsgNotice, Payload: n})
}

// PublishTasks sends the current pick list. With show set, clients open
// their task picker.
func (b *Broadcaster) PublishTasks(show bool) {
	b.broadcast(WSMessage{Type: MsgTasks, Payload: TasksPayload{Tasks: b.pickList(), Show: show}})
}

// QueueIndicators schedules an indicator push. Lists queued within one
// throttle window replace each other.
func (b *Broadcaster) QueueIndicators(items []indicator.Item) {
	if b.throttle <= 0 {
		b.broadcast(WSMessage{Type: MsgIndicators, Payload: IndicatorsPayload{Items: items}})
		return
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingItems = items
	b.hasPending = true
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	items := b.pendingItems
	pending := b.hasPending
	b.pendingItems = nil
	b.hasPending = false
	b.flushTimer = nil
	b.flushMu.Unlock()

	if !pending {
		return
	}
	b.broadcast(WSMessage{Type: MsgIndicators, Payload: IndicatorsPayload{Items: items}})
}

func (b *Broadcaster) snapshot() WSMessage {
	return WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Sessions:   b.state.Sessions(),
			Indicators: b.state.Items(),
			Tasks:      b.pickList(),
		},
	}
}

func (b *Broadcaster) pickList() []tasks.PickItem {
	if b.tasks == nil {
		return []tasks.PickItem{}
	}
	return b.tasks.PickList()
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshot())
		}
	}
}

// Stop ends the snapshot loop and any pending flush.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.done)
		if b.snapshotTicker != nil {
			b.snapshotTicker.Stop()
		}
		b.flushMu.Lock()
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		b.flushMu.Unlock()
	})
}

func (b *Broadcaster) encode(msg WSMessage) ([]byte, error) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] marshal %s: %v", msg.Type, err)
	}
	return data, err
}

// sendTo queues msg for one client, dropping it if the client is backed up.
func (b *Broadcaster) sendTo(c *client, msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := b.encode(msg)
	if err != nil {
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if !b.trySend(c, data) {
			log.Printf("[ws] client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// trySend queues data unless the client's buffer is full. A client removed
// concurrently counts as delivered.
func (b *Broadcaster) trySend(c *client, data []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.clients[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}
