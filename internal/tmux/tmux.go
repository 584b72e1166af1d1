// Package tmux hosts task shell sessions as detached tmux sessions.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/session"
)

var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// runFunc executes tmux with the given arguments and returns trimmed stdout.
type runFunc func(args ...string) (string, error)

type watch struct {
	handle  session.Handle
	onClose func()
}

// Host opens, drives and watches tmux sessions. Closed-session notifications
// are delivered by the watch loop started with Start.
type Host struct {
	socket     string
	prefix     string
	checkEvery time.Duration
	run        runFunc
	inTmux     func() bool

	mu      sync.Mutex
	watches map[int]*watch
	nextID  int
}

func New(cfg config.TmuxConfig) *Host {
	h := &Host{
		socket:     cfg.Socket,
		prefix:     cfg.Prefix,
		checkEvery: cfg.ClosedCheckInterval,
		inTmux:     func() bool { return os.Getenv("TMUX") != "" },
		watches:    make(map[int]*watch),
	}
	h.run = h.exec
	return h
}

// exec runs tmux with -u (UTF-8) and the configured socket.
func (h *Host) exec(args ...string) (string, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return "", fmt.Errorf("tmux not found: %w", err)
	}
	allArgs := []string{"-u"}
	if h.socket != "" {
		allArgs = append(allArgs, "-L", h.socket)
	}
	allArgs = append(allArgs, args...)

	cmd := exec.Command(path, allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// wrapError maps well-known tmux stderr messages to sentinel errors.
func wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") ||
		strings.Contains(stderr, "server exited unexpectedly") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// sessionName derives a tmux-safe, unique session name from a display name.
// tmux rejects dots and colons in names, so anything outside [A-Za-z0-9_-]
// collapses to a single dash.
func (h *Host) sessionName(display string) string {
	slug := strings.Trim(unsafeNameChars.ReplaceAllString(display, "-"), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	parts := make([]string, 0, 3)
	if h.prefix != "" {
		parts = append(parts, h.prefix)
	}
	if slug != "" {
		parts = append(parts, slug)
	}
	parts = append(parts, suffix)
	return strings.Join(parts, "-")
}

// Open creates a detached tmux session for the given display name.
func (h *Host) Open(name string) (session.Handle, error) {
	key := h.sessionName(name)
	out, err := h.run("new-session", "-d", "-P", "-F", "#{session_id}", "-s", key)
	if err != nil {
		return session.Handle{}, fmt.Errorf("creating session %q: %w", key, err)
	}
	id, err := parseSessionID(out)
	if err != nil {
		log.Printf("[tmux] %s: %v", key, err)
	}
	return session.Handle{Key: key, InternalID: id}, nil
}

// IsReady reports whether the session's first pane has a shell process.
func (h *Host) IsReady(handle session.Handle) bool {
	pid, err := h.RootPID(handle)
	return err == nil && pid > 0
}

// RootPID returns the PID of the shell running in the session's first pane.
func (h *Host) RootPID(handle session.Handle) (int, error) {
	out, err := h.run("display-message", "-p", "-t", handle.Key+":^", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	return parsePanePID(out)
}

// Send types text into the session followed by Enter. The text is sent
// literally so key names inside it are not interpreted.
func (h *Host) Send(handle session.Handle, text string) error {
	if _, err := h.run("send-keys", "-t", handle.Key, "-l", text); err != nil {
		return fmt.Errorf("sending to %s: %w", handle.Key, err)
	}
	if _, err := h.run("send-keys", "-t", handle.Key, "Enter"); err != nil {
		return fmt.Errorf("sending Enter to %s: %w", handle.Key, err)
	}
	return nil
}

// Show brings the session to the front: the current client switches to it
// when running inside tmux, otherwise its window becomes the active one for
// the next attach.
func (h *Host) Show(handle session.Handle) error {
	if h.inTmux() {
		if _, err := h.run("switch-client", "-t", handle.Key); err != nil {
			return fmt.Errorf("switch-client: %w", err)
		}
		return nil
	}
	if _, err := h.run("select-window", "-t", handle.Key+":^"); err != nil {
		return fmt.Errorf("select-window: %w", err)
	}
	if _, err := h.run("select-pane", "-t", handle.Key+":^"); err != nil {
		return fmt.Errorf("select-pane: %w", err)
	}
	return nil
}

// Dispose kills the session. A session that is already gone is not an error.
func (h *Host) Dispose(handle session.Handle) error {
	_, err := h.run("kill-session", "-t", "="+handle.Key)
	if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
		return nil
	}
	return err
}

// OnClosed registers fn to be called once when the session disappears from
// the tmux server. The returned function cancels the registration.
func (h *Host) OnClosed(handle session.Handle, fn func()) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watches[id] = &watch{handle: handle, onClose: fn}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.watches, id)
		h.mu.Unlock()
	}
}

// ListSessions returns all session names on the server. No server means no
// sessions.
func (h *Host) ListSessions() ([]string, error) {
	out, err := h.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil
		}
		return nil, err
	}
	return parseSessionNames(out), nil
}

// Start runs the closed-session watch loop until ctx is cancelled.
func (h *Host) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.checkClosed()
		}
	}
}

// checkClosed fires and drops the watches whose sessions no longer exist.
// Callbacks run outside the lock.
func (h *Host) checkClosed() {
	h.mu.Lock()
	empty := len(h.watches) == 0
	h.mu.Unlock()
	if empty {
		return
	}

	names, err := h.ListSessions()
	if err != nil {
		log.Printf("[tmux] list-sessions error: %v", err)
		return
	}
	alive := make(map[string]bool, len(names))
	for _, n := range names {
		alive[n] = true
	}

	var fired []func()
	h.mu.Lock()
	for id, w := range h.watches {
		if alive[w.handle.Key] {
			continue
		}
		log.Printf("[tmux] session %s closed", w.handle.Key)
		fired = append(fired, w.onClose)
		delete(h.watches, id)
	}
	h.mu.Unlock()

	for _, fn := range fired {
		fn()
	}
}

// parseSessionID converts tmux's "$N" session id to N.
func parseSessionID(out string) (int, error) {
	s := strings.TrimPrefix(strings.TrimSpace(out), "$")
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unexpected session id %q", out)
	}
	return id, nil
}

func parsePanePID(out string) (int, error) {
	s := strings.TrimSpace(out)
	if s == "" {
		return 0, errors.New("empty pane pid (pane not started yet)")
	}
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unexpected pane pid %q", s)
	}
	return pid, nil
}

func parseSessionNames(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	return names
}
