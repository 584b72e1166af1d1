// Package tracker owns the set of task shell sessions: it opens them through
// a Host, captures a process baseline once they are ready, and polls their
// process trees to report running, changed and stopped transitions.
package tracker

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/procs"
	"github.com/wclr/taskmate/internal/session"
)

// Host opens and drives interactive shell sessions.
type Host interface {
	Open(name string) (session.Handle, error)
	IsReady(h session.Handle) bool
	RootPID(h session.Handle) (int, error)
	Send(h session.Handle, text string) error
	Show(h session.Handle) error
	Dispose(h session.Handle) error
	// OnClosed calls fn once if the session is closed outside the tracker.
	OnClosed(h session.Handle, fn func()) (cancel func())
}

// Snapshotter lists the descendants of many root processes in one call. It
// either succeeds for every root or fails as a whole.
type Snapshotter interface {
	Snapshot(ctx context.Context, roots []int) (map[int][]procs.Process, error)
}

// trackedSession is the per-session state owned by the loop goroutine.
type trackedSession struct {
	id           string
	name         string
	handle       session.Handle
	rootPID      int
	initial      []procs.Process // baseline, never replaced
	last         []procs.Process
	state        session.State
	cancelClosed func()
}

// pendingSession reserves an id while its shell is being opened.
type pendingSession struct {
	name      string
	cancel    context.CancelFunc
	abandoned bool
}

// Messages applied by the loop goroutine.
type (
	baselineMsg struct {
		req          session.Request
		handle       session.Handle
		rootPID      int
		procs        []procs.Process
		cancelClosed func()
	}
	abandonMsg struct {
		id           string
		err          error
		openFailed   bool
		cancelClosed func()
	}
	pollMsg struct {
		batch   []*trackedSession
		results map[int][]procs.Process
		err     error
	}
	closedMsg struct {
		id string
	}
)

// mailbox is an unbounded FIFO drained by the loop. Posting never blocks, so
// host callbacks and event subscribers may submit from any goroutine,
// including the loop itself.
type mailbox struct {
	mu     sync.Mutex
	msgs   []any
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) post(msg any) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.msgs
	m.msgs = nil
	return msgs
}

type Tracker struct {
	host  Host
	snap  Snapshotter
	cfg   config.TrackerConfig
	newID func() string

	inbox  *mailbox
	health *pollHealth
	view   *session.Store

	subMu       sync.RWMutex
	subscribers []func(session.Event)
	noticeSinks []func(session.Notice)

	// Owned by the loop goroutine.
	tracked map[string]*trackedSession
	order   []string
	pending map[string]*pendingSession
	sched   *scheduler
	helpers sync.WaitGroup
}

// New creates a tracker. Polling is disabled when cfg.TrackProcesses is off;
// sessions are still opened and baselined.
func New(cfg *config.Config, host Host, snap Snapshotter) *Tracker {
	interval := cfg.Tracker.PollInterval
	if !cfg.TrackProcesses {
		interval = 0
	}
	return &Tracker{
		host:    host,
		snap:    snap,
		cfg:     cfg.Tracker,
		newID:   func() string { return uuid.NewString()[:8] },
		inbox:   newMailbox(),
		health:  newPollHealth(cfg.Tracker.FailureNoticeThreshold),
		view:    session.NewStore(),
		tracked: make(map[string]*trackedSession),
		pending: make(map[string]*pendingSession),
		sched:   newScheduler(interval),
	}
}

// Subscribe registers fn for every lifecycle event. Subscribers run on the
// tracker goroutine in emission order and must not block.
func (t *Tracker) Subscribe(fn func(session.Event)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

// OnNotice registers fn for user-facing notices.
func (t *Tracker) OnNotice(fn func(session.Notice)) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.noticeSinks = append(t.noticeSinks, fn)
}

// Submit queues a request. It never blocks and is safe from any goroutine.
func (t *Tracker) Submit(req session.Request) {
	t.inbox.post(req)
}

// Sessions returns the tracked sessions in creation order.
func (t *Tracker) Sessions() []session.Summary {
	return t.view.GetAll()
}

// Health returns the process enumeration health counters.
func (t *Tracker) Health() Health {
	return t.health.snapshot()
}

// Start runs the tracker loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	if t.sched.enabled() {
		log.Printf("[tracker] started, polling every %s", t.sched.interval)
	} else {
		log.Println("[tracker] started, process tracking disabled")
	}
	t.sched.arm()

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			log.Println("[tracker] stopped")
			return
		case <-t.inbox.signal:
			for _, msg := range t.inbox.drain() {
				t.handle(ctx, msg)
			}
		case <-t.sched.C():
			t.sched.fired()
			t.startPoll(ctx)
		}
	}
}

func (t *Tracker) shutdown() {
	t.sched.stop()
	for _, p := range t.pending {
		p.cancel()
	}
	t.helpers.Wait()
	for _, ts := range t.tracked {
		if ts.cancelClosed != nil {
			ts.cancelClosed()
		}
	}
}

func (t *Tracker) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case session.Request:
		t.handleRequest(ctx, m)
	case baselineMsg:
		t.insertBaseline(m)
	case abandonMsg:
		t.abandon(m)
	case pollMsg:
		t.processBatch(m.batch, m.results, m.err)
	case closedMsg:
		t.handleClosed(m.id)
	default:
		log.Printf("[tracker] unexpected message %T", msg)
	}
}

func (t *Tracker) handleRequest(ctx context.Context, req session.Request) {
	if err := req.Validate(); err != nil {
		log.Printf("[tracker] rejected request: %v", err)
		return
	}

	switch req.Action {
	case session.ActionCreate, session.ActionCreateAndRun:
		t.create(ctx, req)
	case session.ActionShow:
		ts, ok := t.tracked[req.ID]
		if !ok {
			log.Printf("[tracker] show: unknown session %q", req.ID)
			return
		}
		if err := t.host.Show(ts.handle); err != nil {
			log.Printf("[tracker] show %s: %v", req.ID, err)
		}
	case session.ActionDispose:
		ts, ok := t.tracked[req.ID]
		if !ok {
			log.Printf("[tracker] dispose: unknown session %q", req.ID)
			return
		}
		if err := t.host.Dispose(ts.handle); err != nil {
			log.Printf("[tracker] dispose %s: %v", req.ID, err)
			return
		}
		t.remove(ts)
	}
}

// create starts opening a session unless the id is already taken. A tracked
// id is shown instead; a pending id is left to finish.
func (t *Tracker) create(ctx context.Context, req session.Request) {
	if req.ID == "" {
		req.ID = t.allocateID()
	}
	if ts, ok := t.tracked[req.ID]; ok {
		if err := t.host.Show(ts.handle); err != nil {
			log.Printf("[tracker] show %s: %v", req.ID, err)
		}
		return
	}
	if _, ok := t.pending[req.ID]; ok {
		log.Printf("[tracker] session %s is still starting, ignoring %s", req.ID, req.Action)
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}

	pctx, cancel := context.WithCancel(ctx)
	t.pending[req.ID] = &pendingSession{name: req.Name, cancel: cancel}

	t.helpers.Add(1)
	go func() {
		defer t.helpers.Done()
		t.prepare(pctx, req)
	}()
}

// allocateID returns a fresh id not used by any tracked or pending session.
func (t *Tracker) allocateID() string {
	for {
		id := t.newID()
		if _, ok := t.tracked[id]; ok {
			continue
		}
		if _, ok := t.pending[id]; ok {
			continue
		}
		return id
	}
}

// prepare runs off the loop: open, wait for readiness, settle, then capture
// the baseline and post it back.
func (t *Tracker) prepare(ctx context.Context, req session.Request) {
	handle, err := t.host.Open(req.Name)
	if err != nil {
		t.inbox.post(abandonMsg{id: req.ID, err: err, openFailed: true})
		return
	}
	id := req.ID
	cancelClosed := t.host.OnClosed(handle, func() {
		t.inbox.post(closedMsg{id: id})
	})
	abandon := func(err error) {
		t.inbox.post(abandonMsg{id: id, err: err, cancelClosed: cancelClosed})
	}

	if err := t.waitReady(ctx, handle); err != nil {
		abandon(err)
		return
	}
	if err := sleep(ctx, t.cfg.SettleDelay); err != nil {
		abandon(err)
		return
	}

	pid, err := t.host.RootPID(handle)
	if err != nil || pid <= 0 {
		log.Printf("[tracker] %s: no root pid (%v), using internal id %d", id, err, handle.InternalID)
		pid = handle.InternalID
	}
	results, err := t.snap.Snapshot(ctx, []int{pid})
	if err != nil {
		abandon(fmt.Errorf("capturing baseline: %w", err))
		return
	}

	t.inbox.post(baselineMsg{
		req:          req,
		handle:       handle,
		rootPID:      pid,
		procs:        results[pid],
		cancelClosed: cancelClosed,
	})
}

func (t *Tracker) waitReady(ctx context.Context, h session.Handle) error {
	for attempt := 1; attempt <= t.cfg.ReadyRetries; attempt++ {
		if t.host.IsReady(h) {
			return nil
		}
		if attempt == t.cfg.ReadyRetries {
			break
		}
		if err := sleep(ctx, t.cfg.ReadyInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("not ready after %d attempts", t.cfg.ReadyRetries)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// insertBaseline moves a pending session into the tracked set and, for
// createAndRun, types the command only now so its processes stay out of the
// baseline.
func (t *Tracker) insertBaseline(m baselineMsg) {
	id := m.req.ID
	p, ok := t.pending[id]
	delete(t.pending, id)
	if !ok || p.abandoned {
		log.Printf("[tracker] %s closed before it was ready", id)
		if m.cancelClosed != nil {
			m.cancelClosed()
		}
		if ok {
			p.cancel()
		}
		return
	}
	p.cancel()

	ts := &trackedSession{
		id:           id,
		name:         m.req.Name,
		handle:       m.handle,
		rootPID:      m.rootPID,
		initial:      m.procs,
		last:         m.procs,
		state:        session.Stopped,
		cancelClosed: m.cancelClosed,
	}
	t.tracked[id] = ts
	t.order = append(t.order, id)
	log.Printf("[tracker] tracking %s (%s) root=%d baseline=%d", id, ts.name, ts.rootPID, len(ts.initial))
	t.emit(ts.event(session.EventCreated))

	if m.req.RunsCommand() {
		if m.req.Cwd != "" {
			t.send(ts, "cd "+shellQuote(m.req.Cwd))
		}
		t.send(ts, m.req.Command)
	}
	if err := t.host.Show(ts.handle); err != nil {
		log.Printf("[tracker] show %s: %v", id, err)
	}
}

func (t *Tracker) send(ts *trackedSession, text string) {
	if err := t.host.Send(ts.handle, text); err != nil {
		log.Printf("[tracker] send to %s: %v", ts.id, err)
	}
}

func (t *Tracker) abandon(m abandonMsg) {
	if m.cancelClosed != nil {
		m.cancelClosed()
	}
	p, ok := t.pending[m.id]
	if !ok {
		return
	}
	delete(t.pending, m.id)
	p.cancel()

	if m.openFailed {
		log.Printf("[tracker] opening %s failed: %v", m.id, m.err)
		t.notify(session.Notice{
			Level: session.NoticeError,
			Text:  fmt.Sprintf("Could not open a shell for %q: %v", p.name, m.err),
		})
		return
	}
	log.Printf("[tracker] abandoning %s: %v", m.id, m.err)
}

func (t *Tracker) handleClosed(id string) {
	if ts, ok := t.tracked[id]; ok {
		log.Printf("[tracker] %s closed", id)
		t.remove(ts)
		return
	}
	if p, ok := t.pending[id]; ok {
		p.abandoned = true
		p.cancel()
	}
}

// remove drops a tracked session and emits its disposed event.
func (t *Tracker) remove(ts *trackedSession) {
	delete(t.tracked, ts.id)
	for i, id := range t.order {
		if id == ts.id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if ts.cancelClosed != nil {
		ts.cancelClosed()
	}
	t.emit(ts.event(session.EventDisposed))
}

// startPoll snapshots every tracked session off the loop. With nothing
// tracked the scheduler is simply re-armed.
func (t *Tracker) startPoll(ctx context.Context) {
	if len(t.order) == 0 {
		t.sched.arm()
		return
	}
	batch := make([]*trackedSession, len(t.order))
	roots := make([]int, len(t.order))
	for i, id := range t.order {
		batch[i] = t.tracked[id]
		roots[i] = batch[i].rootPID
	}

	t.helpers.Add(1)
	go func() {
		defer t.helpers.Done()
		results, err := t.snap.Snapshot(ctx, roots)
		t.inbox.post(pollMsg{batch: batch, results: results, err: err})
	}()
}

// processBatch applies one poll result. A failed snapshot changes nothing.
// Sessions removed while the snapshot was running are skipped.
func (t *Tracker) processBatch(batch []*trackedSession, results map[int][]procs.Process, err error) {
	defer t.sched.arm()

	if err != nil {
		t.health.recordFailure(err)
		log.Printf("[tracker] process snapshot failed, skipping tick: %v", err)
		t.checkHealth()
		return
	}
	t.health.recordSuccess()
	t.checkHealth()

	for _, ts := range batch {
		if t.tracked[ts.id] != ts {
			continue
		}
		current := results[ts.rootPID]
		initial, previous, running := len(ts.initial), len(ts.last), len(current)

		if session.Abandoned(initial, running) {
			log.Printf("[tracker] %s has no processes left", ts.id)
			t.remove(ts)
			continue
		}

		state := session.Classify(initial, previous, running, ts.state)
		ts.last = current
		if state != ts.state {
			ts.state = state
			t.emit(ts.event(session.EventState))
		}
	}
}

func (t *Tracker) checkHealth() {
	status, changed := t.health.transition()
	if !changed {
		return
	}
	switch status {
	case StatusFailed:
		t.notify(session.Notice{
			Level: session.NoticeWarn,
			Text:  fmt.Sprintf("Process tracking is failing: %s", t.health.snapshot().LastError),
		})
	case StatusHealthy:
		t.notify(session.Notice{Level: session.NoticeInfo, Text: "Process tracking recovered"})
	}
}

func (ts *trackedSession) event(typ session.EventType) session.Event {
	return session.Event{
		Type:         typ,
		ID:           ts.id,
		Name:         ts.name,
		State:        ts.state,
		ProcessCount: len(ts.last),
	}
}

func (t *Tracker) emit(ev session.Event) {
	t.view.Apply(ev)
	t.subMu.RLock()
	subs := t.subscribers
	t.subMu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (t *Tracker) notify(n session.Notice) {
	t.subMu.RLock()
	sinks := t.noticeSinks
	t.subMu.RUnlock()
	for _, fn := range sinks {
		fn(n)
	}
}

var shellSafe = regexp.MustCompile(`^[a-zA-Z0-9_./~:@%+=,-]+$`)

// shellQuote quotes s for a POSIX shell unless it is already safe.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
