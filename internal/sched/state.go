// Package sched implements the scheduler's state machine (C4), its
// self-healing invariant reconstruction (C6), the per-worker dispatcher
// loop (C7), and the event multiplexer that ties inbound messages to state
// transitions (C8).
//
// Grounded throughout on distributed/scheduler.py: State mirrors the
// Scheduler class's own field list (dask/dependencies/dependents live in
// graph.Graph, who_has/has_what/stacks/processing/ncores/nbytes live in
// residency.Map, and waiting/waiting_data/held_data/in_play/restrictions/
// exceptions live here), and the transition functions below are direct
// ports of the mark_* functions in that file.
package sched

import (
	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/placement"
	"github.com/swarmguard/scheduler/internal/residency"
)

// State is the scheduler's full mutable view of one computation. It owns
// no goroutines or I/O; every method here is a pure state transition over
// in-memory maps, matching how scheduler.py's mark_* functions only ever
// touch self.* collections and queue outbound messages.
type State struct {
	Graph *graph.Graph
	Res   *residency.Map

	// Waiting maps a not-yet-runnable key to the subset of its
	// dependencies still missing from memory. A key is ready exactly when
	// its Waiting set becomes empty.
	Waiting map[graph.Key]graph.KeySet

	// WaitingData maps an in-memory or in-flight key to the dependents
	// that still need it, so its data can be released once empty (unless
	// the key is held).
	WaitingData map[graph.Key]graph.KeySet

	// HeldData are keys a client explicitly asked to keep resident even
	// once every dependent has consumed them.
	HeldData graph.KeySet

	// InPlay is the set of keys considered part of the live computation:
	// either in memory, waiting, or currently processing somewhere.
	InPlay graph.KeySet

	Restrictions      map[graph.Key][]string
	LooseRestrictions map[graph.Key]bool

	Exceptions      map[graph.Key]string
	Tracebacks      map[graph.Key]string
	ExceptionsBlame map[graph.Key]graph.Key

	// DeletedKeys batches, per worker, the keys awaiting the next periodic
	// sweep's bulk delete-data RPC to that worker.
	DeletedKeys map[string]graph.KeySet

	Policy *placement.Policy
}

// New builds an empty scheduler state.
func New() *State {
	return &State{
		Graph:             graph.New(),
		Res:               residency.New(),
		Waiting:           make(map[graph.Key]graph.KeySet),
		WaitingData:       make(map[graph.Key]graph.KeySet),
		HeldData:          graph.NewKeySet(),
		InPlay:            graph.NewKeySet(),
		Restrictions:      make(map[graph.Key][]string),
		LooseRestrictions: make(map[graph.Key]bool),
		Exceptions:        make(map[graph.Key]string),
		Tracebacks:        make(map[graph.Key]string),
		ExceptionsBlame:   make(map[graph.Key]graph.Key),
		DeletedKeys:       make(map[string]graph.KeySet),
		Policy:            placement.New(),
	}
}

// Released reports whether key has been dropped from the live computation:
// neither in memory, waiting, nor processing anywhere.
func (s *State) Released(key graph.Key) bool {
	return !s.InPlay.Has(key)
}
