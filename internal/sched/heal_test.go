package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/graph"
)

func TestWorkerLossTriggersHeal(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddWorker("w2", nil, 1)

	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.EnsureOccupied("w2")
	s.MarkTaskFinished("a", "w1", 8)

	require.True(t, s.Res.InMemory("a"))

	lost, err := s.RemoveWorker("w1", true)
	require.NoError(t, err)
	assert.Equal(t, []graph.Key{"a"}, lost)

	assert.False(t, s.Res.InMemory("a"), "a's only holder left, so it must be forgotten")
	assert.NoError(t, s.ValidateState())

	dispatched := s.EnsureOccupied("w2")
	assert.Equal(t, []graph.Key{"a"}, dispatched, "a should already have been requeued onto the surviving worker by Heal")
}

func TestRemoveUnknownWorkerIsNoOp(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	lost, err := s.RemoveWorker("nobody", true)
	require.NoError(t, err)
	assert.Nil(t, lost)
}

func TestHealIsIdempotent(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")

	require.NoError(t, s.Heal())
	waitingAfterFirst := len(s.Waiting)
	inPlayAfterFirst := len(s.InPlay)

	require.NoError(t, s.Heal())
	assert.Equal(t, waitingAfterFirst, len(s.Waiting))
	assert.Equal(t, inPlayAfterFirst, len(s.InPlay))
}

func TestHealReleasesKeysNoLongerReachable(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")
	s.MarkTaskFinished("b", "w1", 8)

	// b is resident and held; a was already collected. Simulate corruption
	// by resurrecting a on a stack: healing must release it again, since no
	// output needs it while b sits in memory above it.
	s.Res.Push("w1", "a")
	require.NoError(t, s.Heal())

	assert.False(t, s.InPlay.Has("a"))
	assert.Empty(t, s.Res.Stacks["w1"])
	assert.True(t, s.Res.InMemory("b"))
}

func TestRestartForgetsAllResidencyAndRequeues(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")
	s.MarkTaskFinished("b", "w1", 8)

	require.NoError(t, s.Restart())
	assert.False(t, s.Res.InMemory("a"))
	assert.False(t, s.Res.InMemory("b"))
	assert.Empty(t, s.ExceptionsBlame)

	dispatched := s.EnsureOccupied("w1")
	assert.Equal(t, []graph.Key{"a"}, dispatched)
}

func TestMarkMissingDataReschedulesLostDependency(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 2)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
		"c": graph.Apply("inc", graph.Ref("b")),
	}, []graph.Key{"c"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")

	// The worker trips over a's disappearance while computing b.
	s.MarkMissingData([]graph.Key{"a"}, "b", "w1")

	assert.False(t, s.Res.InMemory("a"))
	assert.False(t, s.Res.Processing["w1"].Has("b"), "b must leave processing until a is back")
	require.NoError(t, s.ValidateState())

	dispatched := s.EnsureOccupied("w1")
	require.Equal(t, []graph.Key{"a"}, dispatched, "a is a leaf, so it relaunches immediately")

	s.MarkTaskFinished("a", "w1", 8)
	dispatched = s.EnsureOccupied("w1")
	assert.Equal(t, []graph.Key{"b"}, dispatched, "b becomes runnable again once a is rematerialised")
}

func TestHealMissingDataStopsAtInPlayAncestors(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 4)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
		"c": graph.Apply("inc", graph.Ref("b")),
	}, []graph.Key{"a", "c"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")
	s.MarkTaskFinished("b", "w1", 8)

	// c's input b vanishes; a is held and still in memory, so the ascent
	// must stop there instead of rebuilding a's waiting entry.
	s.Res.Forget("b")
	s.HealMissingData([]graph.Key{"b"})

	assert.True(t, s.Res.InMemory("a"))
	_, aWaiting := s.Waiting["a"]
	assert.False(t, aWaiting, "an in-memory ancestor must not be re-threaded")
	assert.Equal(t, graph.KeySet{}, s.Waiting["b"], "b's dependency is in memory, so it waits on nothing")
}
