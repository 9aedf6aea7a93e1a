package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmguard/scheduler/internal/graph"
)

type recordingPlugin struct {
	NoopPlugin
	finished []graph.Key
}

func (p *recordingPlugin) TaskFinished(_ context.Context, key graph.Key, _ string, _ int64) {
	p.finished = append(p.finished, key)
}

type panickyPlugin struct{ NoopPlugin }

func (panickyPlugin) TaskFinished(context.Context, graph.Key, string, int64) {
	panic("boom")
}

func TestRegistryFansOutToEveryPlugin(t *testing.T) {
	r := NewRegistry(nil)
	rec := &recordingPlugin{}
	r.Add(rec)
	r.TaskFinished(context.Background(), "a", "w1", 10)
	assert.Equal(t, []graph.Key{"a"}, rec.finished)
}

func TestRegistryIsolatesPanickingPlugin(t *testing.T) {
	r := NewRegistry(nil)
	r.Add(panickyPlugin{})
	rec := &recordingPlugin{}
	r.Add(rec)

	assert.NotPanics(t, func() {
		r.TaskFinished(context.Background(), "a", "w1", 10)
	})
	assert.Equal(t, []graph.Key{"a"}, rec.finished, "a later plugin must still run after an earlier one panics")
}

func TestSnapshotIsolatesMutationDuringIteration(t *testing.T) {
	r := NewRegistry(nil)
	var second *recordingPlugin
	first := &addingPlugin{add: func(p Plugin) { r.Add(p) }}
	second = &recordingPlugin{}
	first.toAdd = second
	r.Add(first)

	r.TaskFinished(context.Background(), "a", "w1", 10)
	assert.Empty(t, second.finished, "a plugin registered mid fan-out must not run in that same round")
}

type addingPlugin struct {
	NoopPlugin
	add   func(Plugin)
	toAdd Plugin
}

func (p *addingPlugin) TaskFinished(context.Context, graph.Key, string, int64) {
	p.add(p.toAdd)
}
