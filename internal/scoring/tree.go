package scoring

import (
	"sort"

	"github.com/cochaviz/petri/internal/events"
)

// ProcessInfo is the flat record the tree is derived from.
type ProcessInfo struct {
	PID         int    `json:"pid"`
	Name        string `json:"name"`
	CommandLine string `json:"command_line,omitempty"`
	ParentPID   int    `json:"parent_pid,omitempty"`
}

type ProcessTreeNode struct {
	ProcessInfo
	Children []*ProcessTreeNode `json:"children,omitempty"`
}

// ProcessesFromEvents folds process events into one record per pid, in order of
// first appearance. Spawn events provide the parent, exec events the image.
func ProcessesFromEvents(evs []events.Event) []ProcessInfo {
	index := make(map[int]int)
	var out []ProcessInfo

	record := func(pid int) *ProcessInfo {
		if i, ok := index[pid]; ok {
			return &out[i]
		}
		index[pid] = len(out)
		out = append(out, ProcessInfo{PID: pid})
		return &out[len(out)-1]
	}

	for _, ev := range evs {
		if ev.Process == nil || ev.Process.PID <= 0 {
			continue
		}
		detail := ev.Process
		p := record(detail.PID)
		switch detail.Op {
		case events.ProcessSpawn:
			if detail.ParentPID > 0 && p.ParentPID == 0 {
				p.ParentPID = detail.ParentPID
			}
			if p.Name == "" {
				p.Name = detail.Name
			}
		case events.ProcessExec:
			if detail.Name != "" {
				p.Name = detail.Name
			}
			if detail.CommandLine != "" {
				p.CommandLine = detail.CommandLine
			}
			if detail.ParentPID > 0 && p.ParentPID == 0 {
				p.ParentPID = detail.ParentPID
			}
		}
	}
	return out
}

// BuildProcessTree assembles the forest described by processes. A record whose
// parent is missing, unknown, or itself is a root. Duplicate pids keep their
// first record. Cycles are broken at their smallest pid, so every pid appears
// exactly once and construction always terminates.
func BuildProcessTree(processes []ProcessInfo) []*ProcessTreeNode {
	nodes := make(map[int]*ProcessTreeNode, len(processes))
	order := make([]int, 0, len(processes))
	for _, p := range processes {
		if _, dup := nodes[p.PID]; dup {
			continue
		}
		nodes[p.PID] = &ProcessTreeNode{ProcessInfo: p}
		order = append(order, p.PID)
	}

	children := make(map[int][]int)
	var roots []int
	for _, pid := range order {
		parent := nodes[pid].ParentPID
		if _, known := nodes[parent]; !known || parent == pid {
			roots = append(roots, pid)
			continue
		}
		children[parent] = append(children[parent], pid)
	}

	visited := make(map[int]bool, len(order))
	var forest []*ProcessTreeNode

	attach := func(root int) {
		visited[root] = true
		stack := []int{root}
		for len(stack) > 0 {
			pid := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			node := nodes[pid]
			for _, child := range children[pid] {
				if visited[child] {
					continue
				}
				visited[child] = true
				node.Children = append(node.Children, nodes[child])
				stack = append(stack, child)
			}
		}
		forest = append(forest, nodes[root])
	}

	for _, pid := range roots {
		attach(pid)
	}

	// Whatever is left only reaches itself through a parent cycle.
	var leftover []int
	for _, pid := range order {
		if !visited[pid] {
			leftover = append(leftover, pid)
		}
	}
	sort.Ints(leftover)
	for _, pid := range leftover {
		if !visited[pid] {
			attach(pid)
		}
	}
	return forest
}

// Walk visits every node depth first.
func Walk(forest []*ProcessTreeNode, fn func(node *ProcessTreeNode, depth int)) {
	var visit func(n *ProcessTreeNode, depth int)
	visit = func(n *ProcessTreeNode, depth int) {
		fn(n, depth)
		for _, c := range n.Children {
			visit(c, depth+1)
		}
	}
	for _, root := range forest {
		visit(root, 0)
	}
}
