// Package procs enumerates live OS processes and resolves the descendants of
// shell session root processes.
package procs

import (
	"context"
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is one live process in a session's tree.
type Process struct {
	PID  int    `json:"pid"`
	PPID int    `json:"ppid"`
	Name string `json:"name,omitempty"`
}

// Table indexes a process listing by parent PID.
type Table map[int][]Process

// BuildTable groups processes by parent. Children of each parent are kept in
// ascending PID order.
func BuildTable(list []Process) Table {
	t := make(Table, len(list))
	for _, p := range list {
		t[p.PPID] = append(t[p.PPID], p)
	}
	for ppid := range t {
		children := t[ppid]
		sort.Slice(children, func(i, j int) bool { return children[i].PID < children[j].PID })
	}
	return t
}

// Descendants returns every process below root, breadth first. The root
// itself is not included. PID reuse can make the parent graph cyclic, so
// each PID is visited at most once.
func (t Table) Descendants(root int) []Process {
	var out []Process
	seen := map[int]bool{root: true}
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range t[pid] {
			if seen[child.PID] {
				continue
			}
			seen[child.PID] = true
			out = append(out, child)
			queue = append(queue, child.PID)
		}
	}
	return out
}

// Provider snapshots process trees from the live process table.
type Provider struct {
	list func(ctx context.Context) ([]Process, error)
	name func(ctx context.Context, pid int) string
}

func NewProvider() *Provider {
	return &Provider{list: listProcesses, name: processName}
}

// Snapshot returns the descendants of each root PID from a single listing of
// the process table. A listing failure fails the whole batch; no partial
// results are returned. Roots with no descendants map to an empty slice.
func (p *Provider) Snapshot(ctx context.Context, roots []int) (map[int][]Process, error) {
	list, err := p.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	table := BuildTable(list)

	result := make(map[int][]Process, len(roots))
	for _, root := range roots {
		if _, done := result[root]; done {
			continue
		}
		desc := table.Descendants(root)
		if p.name != nil {
			for i := range desc {
				if desc[i].Name == "" {
					desc[i].Name = p.name(ctx, desc[i].PID)
				}
			}
		}
		if desc == nil {
			desc = []Process{}
		}
		result[root] = desc
	}
	return result, nil
}

// listProcesses reads pid/ppid pairs for every live process. Processes that
// exit between the listing and the ppid lookup are skipped.
func listProcesses(ctx context.Context) ([]Process, error) {
	all, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(all))
	for _, proc := range all {
		ppid, err := proc.PpidWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Process{PID: int(proc.Pid), PPID: int(ppid)})
	}
	return out, nil
}

func processName(ctx context.Context, pid int) string {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}
