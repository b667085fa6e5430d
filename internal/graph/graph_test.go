package graph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/msageha/specsync/internal/model"
)

func TestTopoOrder_LinearChain(t *testing.T) {
	g := New([]string{"A", "B", "C"}, map[string][]string{"B": {"A"}, "C": {"B"}})

	sorted, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, sorted)
	assert.Nil(t, g.DetectCycle())
	assert.Nil(t, g.Blocked())
}

func TestTopoOrder_Diamond(t *testing.T) {
	g := New([]string{"A", "B", "C", "D"}, map[string][]string{
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	})

	sorted, err := g.TopoOrder()
	require.NoError(t, err)
	require.Len(t, sorted, 4)
	assertBefore(t, sorted, "A", "B")
	assertBefore(t, sorted, "A", "C")
	assertBefore(t, sorted, "B", "D")
	assertBefore(t, sorted, "C", "D")
	assert.ElementsMatch(t, []string{"B", "C"}, g.Dependents("A"))
	assert.Equal(t, []string{"B", "C"}, g.DependsOn("D"))
}

func TestDetectCycle_ReportsPath(t *testing.T) {
	g := New([]string{"A", "B", "C", "D"}, map[string][]string{
		"A": {"B"},
		"B": {"C"},
		"C": {"A"},
		"D": {"C"},
	})

	cycle := g.DetectCycle()
	require.NotNil(t, cycle)
	assert.Equal(t, cycle[0], cycle[len(cycle)-1])
	assert.Len(t, cycle, 4)

	_, err := g.TopoOrder()
	assert.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "->")

	assert.Equal(t, map[string]bool{"A": true, "B": true, "C": true, "D": true}, g.Blocked())
}

func TestDetectCycle_SelfLoop(t *testing.T) {
	g := New([]string{"A"}, map[string][]string{"A": {"A"}})
	assert.Equal(t, []string{"A", "A"}, g.DetectCycle())
}

func TestUnknownDependenciesIgnored(t *testing.T) {
	g := New([]string{"A"}, map[string][]string{"A": {"ghost"}})
	assert.Nil(t, g.DetectCycle())
	assert.Empty(t, g.DependsOn("A"))
	assert.False(t, g.Has("ghost"))
}

func TestDetectCycle_DeepChainIsIterative(t *testing.T) {
	const n = 200000
	nodes := make([]string, n)
	deps := make(map[string][]string, n)
	for i := 0; i < n; i++ {
		nodes[i] = fmt.Sprintf("t%d", i)
		if i > 0 {
			deps[nodes[i]] = []string{nodes[i-1]}
		}
	}
	g := New(nodes, deps)
	assert.Nil(t, g.DetectCycle())
	assert.Equal(t, n, g.Len())
}

func TestFromTasks(t *testing.T) {
	g := FromTasks([]model.Task{
		{ID: "Task-1"},
		{ID: "Task-2", DependsOn: []string{"Task-1"}},
	})
	assert.Equal(t, []string{"Task-2"}, g.Dependents("Task-1"))
}

// Any graph whose edges only point at earlier nodes is acyclic, and its
// topological order respects every edge.
func TestTopoOrder_RespectsEdges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(t, "n")
		nodes := make([]string, n)
		deps := make(map[string][]string)
		for i := 0; i < n; i++ {
			nodes[i] = fmt.Sprintf("n%d", i)
			for j := 0; j < i; j++ {
				if rapid.Bool().Draw(t, fmt.Sprintf("e%d_%d", i, j)) {
					deps[nodes[i]] = append(deps[nodes[i]], nodes[j])
				}
			}
		}
		g := New(nodes, deps)
		if c := g.DetectCycle(); c != nil {
			t.Fatalf("unexpected cycle %v", c)
		}
		sorted, err := g.TopoOrder()
		if err != nil {
			t.Fatalf("TopoOrder: %v", err)
		}
		pos := make(map[string]int, len(sorted))
		for i, s := range sorted {
			pos[s] = i
		}
		for node, ds := range deps {
			for _, d := range ds {
				if pos[d] >= pos[node] {
					t.Fatalf("%s ordered after dependent %s", d, node)
				}
			}
		}
	})
}

func assertBefore(t *testing.T, sorted []string, a, b string) {
	t.Helper()
	ia, ib := -1, -1
	for i, s := range sorted {
		switch s {
		case a:
			ia = i
		case b:
			ib = i
		}
	}
	assert.Less(t, ia, ib, "%s should precede %s in %v", a, b, sorted)
}
