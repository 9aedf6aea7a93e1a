package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/scheduler/internal/graph"
)

func TestLinearChainOnSingleWorker(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)

	newKeys, _ := s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
		"c": graph.Apply("inc", graph.Ref("b")),
	}, []graph.Key{"c"}, nil, nil)
	assert.ElementsMatch(t, []graph.Key{"a", "b", "c"}, newKeys)

	dispatched := s.EnsureOccupied("w1")
	require.Equal(t, []graph.Key{"a"}, dispatched, "only the leaf should be immediately runnable on a single core")

	s.MarkTaskFinished("a", "w1", 8)
	dispatched = s.EnsureOccupied("w1")
	require.Equal(t, []graph.Key{"b"}, dispatched)

	s.MarkTaskFinished("b", "w1", 8)
	dispatched = s.EnsureOccupied("w1")
	require.Equal(t, []graph.Key{"c"}, dispatched)

	s.MarkTaskFinished("c", "w1", 8)
	require.NoError(t, s.ValidateState())
	assert.True(t, s.Res.InMemory("c"))
}

func TestMarkTaskFinishedReplayIsNoOp(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	first := s.MarkTaskFinished("a", "w1", 8)
	assert.Equal(t, []graph.Key{"b"}, first)

	replay := s.MarkTaskFinished("a", "w1", 8)
	assert.Nil(t, replay, "a stale duplicate finish must change nothing")

	dispatched := s.EnsureOccupied("w1")
	require.Equal(t, []graph.Key{"b"}, dispatched)
	assert.Empty(t, s.EnsureOccupied("w1"), "b must have been queued exactly once")
}

func TestReleasedDataQueuesDeletePerHoldingWorker(t *testing.T) {
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

	assert.False(t, s.Res.InMemory("a"), "a's last dependent consumed it")
	require.Contains(t, s.DeletedKeys, "w1")
	assert.True(t, s.DeletedKeys["w1"].Has("a"), "the delete must target the worker that held a")
	assert.False(t, s.InPlay.Has("a"))
}

func TestAddGraphSkipsKeysInsideFrontier(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 2)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)

	waitingBefore := len(s.Waiting)

	// Resubmitting the same graph (plus one new dependent) must not disturb
	// the in-flight keys: only c sits outside the frontier.
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
		"c": graph.Apply("inc", graph.Ref("b")),
	}, []graph.Key{"c"}, nil, nil)

	assert.Equal(t, waitingBefore+1, len(s.Waiting), "only c gains a waiting entry")
	assert.Equal(t, graph.NewKeySet("b"), s.Waiting["c"])
	require.NoError(t, s.ValidateState())
}

func TestWorkAdmittedBeforeAnyWorkerParksUntilRegistration(t *testing.T) {
	s := New()
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	assert.Empty(t, s.ExceptionsBlame, "no workers yet is not a task failure")
	assert.Equal(t, graph.NewKeySet(), s.Waiting["a"], "a stays parked as ready-but-unplaced")

	s.AddWorker("w1", nil, 1)
	dispatched := s.EnsureOccupied("w1")
	assert.Equal(t, []graph.Key{"a"}, dispatched, "registration flushes parked work onto the new stack")
}

func TestUnsatisfiableRestrictionFailsKey(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)

	_, blamed := s.AddGraph(
		map[graph.Key]graph.Node{"pinned": graph.Literal(1)},
		[]graph.Key{"pinned"},
		map[graph.Key][]string{"pinned": {"ghost"}},
		nil,
	)

	assert.Equal(t, []graph.Key{"pinned"}, blamed)
	assert.Contains(t, s.Exceptions["pinned"], "no worker available")
}

func TestTaskErrorCascadesToDependents(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 2)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("boom", graph.Ref("a")),
		"c": graph.Apply("inc", graph.Ref("b")),
	}, []graph.Key{"c"}, nil, nil)

	s.EnsureOccupied("w1") // a dispatched
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1") // b dispatched
	blamed := s.MarkTaskErred("b", "w1", "ValueError: boom", "traceback...")

	assert.Equal(t, graph.Key("b"), s.ExceptionsBlame["b"])
	assert.Equal(t, graph.Key("b"), s.ExceptionsBlame["c"], "c should be blamed on b once the failure cascades")
	assert.False(t, s.InPlay.Has("c"))
	assert.ElementsMatch(t, []graph.Key{"b", "c"}, blamed, "the caller needs every blamed key, not just the origin, to report task-erred for each")
}

func TestAddGraphFailsNewKeyWhoseDependencyAlreadyBlamed(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{"a": graph.Apply("boom")}, []graph.Key{"a"}, nil, nil)
	s.EnsureOccupied("w1")
	s.MarkTaskErred("a", "w1", "ValueError: boom", "traceback...")

	_, blamed := s.AddGraph(map[graph.Key]graph.Node{
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"b"}, nil, nil)

	assert.Equal(t, []graph.Key{"b"}, blamed, "a key admitted depending on an already-failed key must fail immediately rather than seed as runnable")
	assert.Equal(t, graph.Key("a"), s.ExceptionsBlame["b"])
	_, waiting := s.Waiting["b"]
	assert.False(t, waiting, "a failed key must not be left waiting")
}

func TestMarkTaskErredIsIdempotent(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)
	s.AddGraph(map[graph.Key]graph.Node{"a": graph.Apply("boom")}, []graph.Key{"a"}, nil, nil)
	s.EnsureOccupied("w1")

	s.MarkTaskErred("a", "w1", "first", "tb1")
	s.MarkTaskErred("a", "w1", "second", "tb2")

	assert.Equal(t, "first", s.Exceptions["a"], "a second erred report for an already-blamed key must not overwrite the original")
}

func TestRestrictionFallbackPlacesOnAnyWorkerWhenLoose(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 1)

	s.Restrictions["leaf"] = []string{"ghost"}
	s.LooseRestrictions["leaf"] = true
	s.AddGraph(map[graph.Key]graph.Node{"leaf": graph.Literal(1)}, []graph.Key{"leaf"}, nil, nil)

	dispatched := s.EnsureOccupied("w1")
	assert.Equal(t, []graph.Key{"leaf"}, dispatched)
}

func TestHeldDataSurvivesLastDependent(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 2)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"a", "b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")
	s.MarkTaskFinished("b", "w1", 8)

	assert.True(t, s.Res.InMemory("a"), "a is held because the caller listed it as a wanted key")
}

func TestReleaseHeldDataCollectsConsumedKey(t *testing.T) {
	s := New()
	s.AddWorker("w1", nil, 2)
	s.AddGraph(map[graph.Key]graph.Node{
		"a": graph.Literal(1),
		"b": graph.Apply("inc", graph.Ref("a")),
	}, []graph.Key{"a", "b"}, nil, nil)

	s.EnsureOccupied("w1")
	s.MarkTaskFinished("a", "w1", 8)
	s.EnsureOccupied("w1")
	s.MarkTaskFinished("b", "w1", 8)

	s.ReleaseHeldData([]graph.Key{"a"})
	assert.False(t, s.Res.InMemory("a"), "unpinning a fully consumed key collects it immediately")
	assert.True(t, s.DeletedKeys["w1"].Has("a"))
}
