// Package tasks holds the catalog of launchable tasks declared in the config
// file and builds the pick list shown to the user.
package tasks

import (
	"crypto/sha256"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/wclr/taskmate/internal/config"
	"github.com/wclr/taskmate/internal/session"
)

const defaultType = "shell"

// Task is one launchable command.
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	Dir   string `json:"dir"`
	Cmd   string `json:"cmd"`
	Type  string `json:"type"`
}

// RelName is the task's slash-separated path: its group segments followed by
// its name.
func (t Task) RelName() string {
	var parts []string
	for _, p := range strings.Split(t.Group, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(append(parts, t.Name), "/")
}

// Label is RelName as shown to the user, e.g. "web | api | dev".
func (t Task) Label() string {
	return strings.ReplaceAll(t.RelName(), "/", " | ")
}

// Request builds the createAndRun request for the task. The task id doubles
// as the session id, so running a task twice reveals the existing session.
func (t Task) Request() session.Request {
	return session.CreateAndRun(t.ID, t.Label(), t.Dir, t.Cmd)
}

// PickItem is one row in the task picker.
type PickItem struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// FromConfig builds tasks from config entries. Relative directories are
// resolved against baseDir; entries producing a duplicate id are skipped.
func FromConfig(entries []config.TaskConfig, baseDir string) []Task {
	out := make([]Task, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		typ := e.Type
		if typ == "" {
			typ = defaultType
		}
		dir := e.Dir
		switch {
		case dir == "":
			dir = baseDir
		case !filepath.IsAbs(dir) && !strings.HasPrefix(dir, "~"):
			dir = filepath.Join(baseDir, dir)
		}

		t := Task{
			Name:  e.Name,
			Group: e.Group,
			Dir:   dir,
			Cmd:   e.Cmd,
			Type:  typ,
		}
		t.ID = taskID(typ, t.Name, t.Group+"@"+dir)
		if seen[t.ID] {
			log.Printf("[tasks] skipping duplicate task %q in %s", t.RelName(), dir)
			continue
		}
		seen[t.ID] = true
		out = append(out, t)
	}
	return out
}

// taskID derives a stable id from what identifies a task: its type, name and
// where it is declared.
func taskID(typ, name, location string) string {
	h := sha256.Sum256([]byte(typ + name + location))
	return fmt.Sprintf("%x", h[:6])
}

// PickList orders tasks shallowest path first, then by path.
func PickList(tasks []Task) []PickItem {
	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].RelName(), sorted[j].RelName()
		da, db := strings.Count(a, "/"), strings.Count(b, "/")
		if da != db {
			return da < db
		}
		return a < b
	})

	items := make([]PickItem, len(sorted))
	for i, t := range sorted {
		items[i] = PickItem{ID: t.ID, Label: t.Label(), Description: t.Type}
	}
	return items
}

// Catalog is the live task list. It is replaced wholesale on reload.
type Catalog struct {
	mu      sync.RWMutex
	path    string
	baseDir string
	tasks   []Task
	byID    map[string]Task
}

// NewCatalog builds a catalog for the config file at path. Relative task
// directories resolve against the file's directory.
func NewCatalog(path string, entries []config.TaskConfig) *Catalog {
	c := &Catalog{path: path, baseDir: baseDirOf(path)}
	c.replace(entries)
	return c
}

func baseDirOf(path string) string {
	if path == "" {
		return "."
	}
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return filepath.Dir(path)
	}
	return dir
}

func (c *Catalog) replace(entries []config.TaskConfig) {
	tasks := FromConfig(entries, c.baseDir)
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	c.mu.Lock()
	c.tasks = tasks
	c.byID = byID
	c.mu.Unlock()
}

// Reload re-reads the config file and replaces the task list. A missing file
// empties the catalog; a broken one leaves it untouched.
func (c *Catalog) Reload() (int, error) {
	cfg, err := config.LoadOrDefault(c.path)
	if err != nil {
		return 0, fmt.Errorf("reloading tasks: %w", err)
	}
	c.replace(cfg.Tasks)
	n := c.Len()
	log.Printf("[tasks] loaded %d tasks from %s", n, c.path)
	return n, nil
}

func (c *Catalog) All() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

func (c *Catalog) Get(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.byID[id]
	return t, ok
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

func (c *Catalog) PickList() []PickItem {
	return PickList(c.All())
}

func (c *Catalog) Path() string {
	return c.path
}
