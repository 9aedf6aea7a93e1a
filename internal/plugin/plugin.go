// Package plugin is the scheduler's hook surface: code that wants to
// observe (never veto) task completion, task failure, graph admission and
// restarts. Hooks run synchronously on the scheduler's single actor
// goroutine, so a slow plugin slows the scheduler down, but a panicking one
// never brings it down.
//
// Grounded structurally on the orchestrator's PluginRegistry in
// plugins.go (a map-based registry with a Register/lookup pattern and a
// tracer per call), though the hook signatures themselves come from
// distributed/scheduler.py's add_plugin / task_finished / task_erred /
// update_graph / restart callbacks rather than that file's per-task-type
// executor plugins.
package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/scheduler/internal/graph"
)

// Plugin observes scheduler state transitions. Every method is optional in
// spirit: implementations that don't care about a given hook can embed
// NoopPlugin and only override what they need.
type Plugin interface {
	TaskFinished(ctx context.Context, key graph.Key, worker string, nbytes int64)
	TaskErred(ctx context.Context, key graph.Key, worker, exception string)
	GraphUpdated(ctx context.Context, newKeys []graph.Key, wanted []graph.Key)
	Restarted(ctx context.Context)
}

// NoopPlugin implements Plugin with no-ops, for embedding.
type NoopPlugin struct{}

func (NoopPlugin) TaskFinished(context.Context, graph.Key, string, int64) {}
func (NoopPlugin) TaskErred(context.Context, graph.Key, string, string)   {}
func (NoopPlugin) GraphUpdated(context.Context, []graph.Key, []graph.Key) {}
func (NoopPlugin) Restarted(context.Context)                              {}

// Registry holds every registered plugin and fans hook calls out to each
// of them, isolating one plugin's panic from the others and from the
// scheduler itself.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Add registers p. Plugins are invoked in registration order.
func (r *Registry) Add(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// snapshot returns the current plugin list by value so that a plugin
// registering or removing another plugin mid-callback never mutates the
// slice a fan-out loop is actively iterating.
func (r *Registry) snapshot() []Plugin {
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func (r *Registry) safeCall(ctx context.Context, hook string, fn func()) {
	tracer := otel.Tracer("scheduler-plugin")
	_, span := tracer.Start(ctx, "plugin."+hook)
	defer span.End()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("plugin hook panicked", "hook", hook, "recover", fmt.Sprint(rec))
		}
	}()
	fn()
}

func (r *Registry) TaskFinished(ctx context.Context, key graph.Key, worker string, nbytes int64) {
	for _, p := range r.snapshot() {
		p := p
		r.safeCall(ctx, "task_finished", func() { p.TaskFinished(ctx, key, worker, nbytes) })
	}
}

func (r *Registry) TaskErred(ctx context.Context, key graph.Key, worker, exception string) {
	for _, p := range r.snapshot() {
		p := p
		r.safeCall(ctx, "task_erred", func() { p.TaskErred(ctx, key, worker, exception) })
	}
}

func (r *Registry) GraphUpdated(ctx context.Context, newKeys, wanted []graph.Key) {
	for _, p := range r.snapshot() {
		p := p
		r.safeCall(ctx, "update_graph", func() { p.GraphUpdated(ctx, newKeys, wanted) })
	}
}

func (r *Registry) Restarted(ctx context.Context) {
	for _, p := range r.snapshot() {
		p := p
		r.safeCall(ctx, "restart", func() { p.Restarted(ctx) })
	}
}
