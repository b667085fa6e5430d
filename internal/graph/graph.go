// Package graph holds the task dependency graph: ids plus an adjacency
// structure, with iterative cycle detection and topological ordering.
package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/msageha/specsync/internal/model"
)

var ErrCycle = errors.New("circular dependency")

// Graph maps each node to the nodes it depends on. Node order is preserved
// so traversal and error messages are deterministic.
type Graph struct {
	nodes   []string
	nodeSet map[string]bool
	deps    map[string][]string
	rdeps   map[string][]string
}

func New(nodes []string, deps map[string][]string) *Graph {
	g := &Graph{
		nodeSet: make(map[string]bool, len(nodes)),
		deps:    make(map[string][]string, len(nodes)),
		rdeps:   make(map[string][]string),
	}
	for _, n := range nodes {
		if g.nodeSet[n] {
			continue
		}
		g.nodeSet[n] = true
		g.nodes = append(g.nodes, n)
	}
	for _, n := range g.nodes {
		for _, d := range deps[n] {
			// unknown refs are reported by document validation
			if !g.nodeSet[d] {
				continue
			}
			g.deps[n] = append(g.deps[n], d)
			g.rdeps[d] = append(g.rdeps[d], n)
		}
	}
	return g
}

// FromTasks builds the graph of one spec's tasks.
func FromTasks(tasks []model.Task) *Graph {
	nodes := make([]string, 0, len(tasks))
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, t.ID)
		deps[t.ID] = t.DependsOn
	}
	return New(nodes, deps)
}

func (g *Graph) Len() int { return len(g.nodes) }

func (g *Graph) Has(id string) bool { return g.nodeSet[id] }

// DependsOn returns the direct dependencies of id.
func (g *Graph) DependsOn(id string) []string {
	return append([]string(nil), g.deps[id]...)
}

// Dependents returns the nodes that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return append([]string(nil), g.rdeps[id]...)
}

const (
	white = iota
	gray
	black
)

type frame struct {
	node string
	next int
}

// DetectCycle returns one cycle as a path whose first and last element are
// the same node, or nil when the graph is acyclic. The walk uses an explicit
// stack so deep chains cannot exhaust the goroutine stack.
func (g *Graph) DetectCycle() []string {
	color := make(map[string]int, len(g.nodes))
	for _, start := range g.nodes {
		if color[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.deps[top.node]
			if top.next >= len(deps) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			switch color[dep] {
			case gray:
				return cyclePath(stack, dep)
			case white:
				color[dep] = gray
				stack = append(stack, frame{node: dep})
			}
		}
	}
	return nil
}

// cyclePath extracts the cycle closing at dep from the DFS stack, in
// dependency order.
func cyclePath(stack []frame, dep string) []string {
	start := 0
	for i, f := range stack {
		if f.node == dep {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.node)
	}
	return append(path, dep)
}

// TopoOrder returns nodes with every dependency before its dependents
// (Kahn's algorithm). On a cycle it returns an error wrapping ErrCycle that
// names the cycle path.
func (g *Graph) TopoOrder() ([]string, error) {
	sorted := g.kahn()
	if len(sorted) == len(g.nodes) {
		return sorted, nil
	}
	cycle := g.DetectCycle()
	return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(cycle, " -> "))
}

// Blocked returns the nodes that lie on a cycle or depend on one. Such nodes
// can never become schedulable. Nil means the graph is acyclic.
func (g *Graph) Blocked() map[string]bool {
	sorted := g.kahn()
	if len(sorted) == len(g.nodes) {
		return nil
	}
	done := make(map[string]bool, len(sorted))
	for _, n := range sorted {
		done[n] = true
	}
	stuck := make(map[string]bool, len(g.nodes)-len(sorted))
	for _, n := range g.nodes {
		if !done[n] {
			stuck[n] = true
		}
	}
	return stuck
}

func (g *Graph) kahn() []string {
	inDegree := make(map[string]int, len(g.nodes))
	var queue []string
	for _, n := range g.nodes {
		inDegree[n] = len(g.deps[n])
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dependent := range g.rdeps[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	return sorted
}
