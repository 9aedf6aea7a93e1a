package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/residency"
)

func TestDecideWorkerPrefersHolderOfDependencies(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"c": graph.Apply("inc", graph.Ref("a")),
	})

	res := residency.New()
	res.AddWorker("w1", 2)
	res.AddWorker("w2", 2)
	res.RecordInMemory("a", "w1", 1000)

	w, err := DecideWorker(g, res, "c", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "w1", w, "placement should avoid moving a's bytes to w2")
}

func TestDecideWorkerPrefersHolderEvenWithZeroByteDependency(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"c": graph.Apply("inc", graph.Ref("a")),
	})

	res := residency.New()
	res.AddWorker("w1", 2)
	res.AddWorker("w2", 2)
	res.RecordInMemory("a", "w1", 0)

	w, err := DecideWorker(g, res, "c", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "w1", w, "a zero-byte dependency must not make an idle non-holder a tied candidate")
}

func TestDecideWorkerMinimisesBytesMoved(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Literal(2),
		"c": graph.Apply("f", graph.Ref("a"), graph.Ref("b")),
	})

	res := residency.New()
	res.AddWorker("10.0.0.1:8000", 1)
	res.AddWorker("10.0.0.2:8000", 1)
	res.RecordInMemory("a", "10.0.0.1:8000", 1)
	res.RecordInMemory("b", "10.0.0.2:8000", 1000)

	w, err := DecideWorker(g, res, "c", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:8000", w, "moving a's 1 byte beats moving b's 1000")
}

func TestDecideWorkerRestrictionsMatchByHost(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{"leaf": graph.Literal(1)})

	res := residency.New()
	res.AddWorker("10.0.0.1:8000", 1)
	res.AddWorker("10.0.0.1:8001", 1)
	res.AddWorker("10.0.0.2:8000", 1)

	restrictions := map[graph.Key][]string{"leaf": {"10.0.0.1"}}
	w, err := DecideWorker(g, res, "leaf", restrictions, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", Host(w), "any port on the restricted host is acceptable")
}

func TestDecideWorkerBreaksTiesByLoad(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{"leaf": graph.Literal(1)})

	res := residency.New()
	res.AddWorker("w1", 4)
	res.AddWorker("w2", 4)
	res.Push("w1", "other-1")
	res.Push("w1", "other-2")

	w, err := DecideWorker(g, res, "leaf", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "w2", w)
}

func TestDecideWorkerHonorsRestrictions(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{"leaf": graph.Literal(1)})

	res := residency.New()
	res.AddWorker("w1", 2)
	res.AddWorker("w2", 2)

	restrictions := map[graph.Key][]string{"leaf": {"w2"}}
	w, err := DecideWorker(g, res, "leaf", restrictions, nil)
	require.NoError(t, err)
	assert.Equal(t, "w2", w)
}

func TestDecideWorkerFallsBackWhenRestrictionIsLoose(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{"leaf": graph.Literal(1)})

	res := residency.New()
	res.AddWorker("w1", 2)

	restrictions := map[graph.Key][]string{"leaf": {"ghost-worker"}}
	loose := map[graph.Key]bool{"leaf": true}

	w, err := DecideWorker(g, res, "leaf", restrictions, loose)
	require.NoError(t, err)
	assert.Equal(t, "w1", w)
}

func TestDecideWorkerErrorsWhenRestrictionIsStrict(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{"leaf": graph.Literal(1)})

	res := residency.New()
	res.AddWorker("w1", 2)

	restrictions := map[graph.Key][]string{"leaf": {"ghost-worker"}}
	_, err := DecideWorker(g, res, "leaf", restrictions, nil)
	assert.Error(t, err)
	var noWorker ErrNoWorker
	assert.ErrorAs(t, err, &noWorker)
}

func TestAssignManyTasksSpreadsLeavesRoundRobin(t *testing.T) {
	g := graph.New()
	tasks := map[graph.Key]graph.Node{}
	for _, k := range []graph.Key{"a", "b", "c", "d"} {
		tasks[k] = graph.Literal(1)
	}
	g.AddTasks(tasks)

	res := residency.New()
	res.AddWorker("w1", 4)
	res.AddWorker("w2", 4)

	p := New()
	unplaced := p.AssignManyTasks(g, res, []graph.Key{"a", "b", "c", "d"}, nil, nil)
	require.Empty(t, unplaced)

	total := len(res.Stacks["w1"]) + len(res.Stacks["w2"])
	assert.Equal(t, 4, total)
	assert.NotEmpty(t, res.Stacks["w1"])
	assert.NotEmpty(t, res.Stacks["w2"])
}

func TestAssignManyTasksReportsUnplaceableKeys(t *testing.T) {
	g := graph.New()
	g.AddTasks(map[graph.Key]graph.Node{
		"ok":     graph.Literal(1),
		"pinned": graph.Literal(2),
	})

	res := residency.New()
	res.AddWorker("w1", 1)

	restrictions := map[graph.Key][]string{"pinned": {"ghost"}}
	p := New()
	unplaced := p.AssignManyTasks(g, res, []graph.Key{"ok", "pinned"}, restrictions, nil)

	assert.Equal(t, []graph.Key{"pinned"}, unplaced)
	assert.Equal(t, []graph.Key{"ok"}, res.Stacks["w1"], "the placeable key must still land")
}
