// Package mock simulates a shell host and its process table so the server
// can be demoed and tested without tmux.
package mock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/wclr/taskmate/internal/procs"
	"github.com/wclr/taskmate/internal/session"
)

const (
	tickInterval = 500 * time.Millisecond
	pidBase      = 40000
	pidStride    = 100
)

var ErrSessionNotFound = errors.New("mock session not found")

// Patterns describe how a simulated command's process tree evolves.
const (
	patternServer = "server" // long lived, with workers coming and going
	patternBuild  = "build"  // fans out, then winds down to the bare shell
	patternCrash  = "crash"  // the whole tree dies, shell included
	patternExit   = "exit"   // the session is closed from outside
)

var patterns = []string{patternServer, patternBuild, patternCrash, patternExit}

var workerNames = []string{"node", "esbuild", "go", "cc1", "python3", "cargo", "sh"}

type mockSession struct {
	handle   session.Handle
	name     string
	pattern  string
	baseline int // helper processes present before any command
	probes   int
	command  string
	started  int // tick the command was sent at; -1 while idle
	lifetime int
	closed   bool
	watchers map[int]func()
}

// Host is a simulated shell host. It satisfies both the tracker's Host and
// Snapshotter interfaces; its process table is derived from each session's
// pattern and the current tick.
type Host struct {
	mu        sync.Mutex
	sessions  map[string]*mockSession
	nextID    int
	nextWatch int
	tick      int
	snapshots int
	failEvery int
	shown     []string
	rng       *rand.Rand
}

// NewHost creates a simulated host. With failEvery > 0 every failEvery-th
// snapshot fails, exercising the tracker's health reporting.
func NewHost(failEvery int) *Host {
	return &Host{
		sessions:  make(map[string]*mockSession),
		failEvery: failEvery,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start advances the simulation every tick until ctx is done.
func (h *Host) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Step()
			}
		}
	}()
}

// Step advances the simulation by one tick and fires close callbacks for
// sessions whose pattern ends with an external close.
func (h *Host) Step() {
	h.mu.Lock()
	h.tick++
	var fire []func()
	for key, ms := range h.sessions {
		if ms.pattern != patternExit || !ms.finished(h.tick) {
			continue
		}
		ms.closed = true
		for _, fn := range ms.watchers {
			fire = append(fire, fn)
		}
		delete(h.sessions, key)
		log.Printf("[mock] %s exited", key)
	}
	h.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
}

func (h *Host) Open(name string) (session.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	ms := &mockSession{
		handle:   session.Handle{Key: fmt.Sprintf("mock-%d", id), InternalID: id},
		name:     name,
		pattern:  patterns[(id-1)%len(patterns)],
		baseline: id % 2,
		started:  -1,
		lifetime: 20 + h.rng.Intn(20),
		watchers: make(map[int]func()),
	}
	// A crash must take the shell's helpers down with it to be noticed.
	if ms.pattern == patternCrash {
		ms.baseline = 1
	}
	h.sessions[ms.handle.Key] = ms
	log.Printf("[mock] opened %s (%s) as %s", ms.handle.Key, name, ms.pattern)
	return ms.handle, nil
}

// IsReady reports false on the first probe, like a shell still starting.
func (h *Host) IsReady(handle session.Handle) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, ok := h.sessions[handle.Key]
	if !ok {
		return false
	}
	ms.probes++
	return ms.probes > 1
}

func (h *Host) RootPID(handle session.Handle) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[handle.Key]; !ok {
		return 0, ErrSessionNotFound
	}
	return rootPID(handle.InternalID), nil
}

// Send starts the simulated command. Directory changes are accepted and
// ignored.
func (h *Host) Send(handle session.Handle, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ms, ok := h.sessions[handle.Key]
	if !ok {
		return ErrSessionNotFound
	}
	if strings.HasPrefix(text, "cd ") {
		return nil
	}
	ms.command = text
	ms.started = h.tick
	return nil
}

func (h *Host) Show(handle session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[handle.Key]; !ok {
		return ErrSessionNotFound
	}
	h.shown = append(h.shown, handle.Key)
	return nil
}

// Dispose removes the session. Unknown sessions are ignored.
func (h *Host) Dispose(handle session.Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, handle.Key)
	return nil
}

func (h *Host) OnClosed(handle session.Handle, fn func()) func() {
	h.mu.Lock()
	ms, ok := h.sessions[handle.Key]
	if !ok {
		h.mu.Unlock()
		fn()
		return func() {}
	}
	h.nextWatch++
	id := h.nextWatch
	ms.watchers[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(ms.watchers, id)
		h.mu.Unlock()
	}
}

// Snapshot reports the simulated descendants of each root.
func (h *Host) Snapshot(_ context.Context, roots []int) (map[int][]procs.Process, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.snapshots++
	if h.failEvery > 0 && h.snapshots%h.failEvery == 0 {
		return nil, errors.New("simulated process listing failure")
	}

	byRoot := make(map[int]*mockSession, len(h.sessions))
	for _, ms := range h.sessions {
		byRoot[rootPID(ms.handle.InternalID)] = ms
	}

	out := make(map[int][]procs.Process, len(roots))
	for _, root := range roots {
		ms, ok := byRoot[root]
		if !ok {
			out[root] = []procs.Process{}
			continue
		}
		out[root] = processTree(root, ms.count(h.tick))
	}
	return out, nil
}

// Shown returns the keys passed to Show, oldest first.
func (h *Host) Shown() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.shown...)
}

func rootPID(internalID int) int {
	return pidBase + internalID*pidStride
}

func processTree(root, n int) []procs.Process {
	list := make([]procs.Process, 0, n)
	for i := 1; i <= n; i++ {
		list = append(list, procs.Process{
			PID:  root + i,
			PPID: root,
			Name: workerNames[(i-1)%len(workerNames)],
		})
	}
	return list
}

func (ms *mockSession) finished(tick int) bool {
	return ms.started >= 0 && tick-ms.started >= ms.lifetime
}

// count is the number of descendants at tick.
func (ms *mockSession) count(tick int) int {
	if ms.started < 0 {
		return ms.baseline
	}
	age := tick - ms.started

	switch ms.pattern {
	case patternServer:
		n := ms.baseline + 2
		// A worker is spawned for a few ticks out of every ten.
		if age%10 >= 7 {
			n++
		}
		return n
	case patternBuild:
		if age >= ms.lifetime {
			return ms.baseline
		}
		// Fans out early, then tapers off as jobs complete.
		remaining := float64(ms.lifetime-age) / float64(ms.lifetime)
		return ms.baseline + 1 + int(math.Round(3*remaining))
	case patternCrash:
		if age >= ms.lifetime {
			return 0
		}
		return ms.baseline + 1
	case patternExit:
		return ms.baseline + 1
	}
	return ms.baseline
}
