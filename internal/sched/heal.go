package sched

import (
	"fmt"
	"sort"

	"github.com/swarmguard/scheduler/internal/graph"
)

// Heal recomputes waiting, waiting_data and in_play from ground truth
// (dependencies, dependents and who_has), discards stack/processing
// entries that no longer make sense, and requeues whatever becomes
// runnable as a result. It is idempotent: calling it twice in a row is a
// no-op the second time. Grounded on distributed/scheduler.py's
// module-level heal() plus Scheduler.heal_state's post-processing.
func (s *State) Heal() error {
	// Outputs are the leaves of the reverse graph. Walking dependencies
	// from them, pruning below anything already in memory, partitions the
	// graph into visited (still contributing) and released keys. Keys
	// already blamed for a failure are treated as released: healing must
	// not resurrect a failed computation.
	visited := graph.NewKeySet()
	newWaiting := make(map[graph.Key]graph.KeySet)
	var visit func(k graph.Key)
	visit = func(k graph.Key) {
		if visited.Has(k) {
			return
		}
		if _, blamed := s.ExceptionsBlame[k]; blamed {
			return
		}
		visited.Add(k)
		if s.Res.InMemory(k) {
			return
		}
		if _, known := s.Graph.Tasks[k]; !known {
			// Externally provided data with no recipe: nothing to requeue.
			// Its dependents stay parked waiting on it, and validation
			// surfaces the hole.
			return
		}
		missing := graph.NewKeySet()
		for dep := range s.Graph.Dependencies[k] {
			visit(dep)
			if !s.Res.InMemory(dep) {
				missing.Add(dep)
			}
		}
		newWaiting[k] = missing
	}
	for k := range s.Graph.Tasks {
		if s.Graph.Dependents[k].Empty() {
			visit(k)
		}
	}

	newWaitingData := make(map[graph.Key]graph.KeySet)
	for k := range visited {
		wd := graph.NewKeySet()
		for dep := range s.Graph.Dependents[k] {
			if visited.Has(dep) && !s.Res.InMemory(dep) {
				wd.Add(dep)
			}
		}
		newWaitingData[k] = wd
	}

	s.Waiting = newWaiting
	s.WaitingData = newWaitingData

	// Prune stacks and processing: drop anything released, already in
	// memory, still waiting on a dependency, or whose dependencies are not
	// all in memory (its holder may have died out from under it).
	placed := graph.NewKeySet()
	runnable := func(k graph.Key) bool {
		if !visited.Has(k) || s.Res.InMemory(k) {
			return false
		}
		for dep := range s.Graph.Dependencies[k] {
			if !s.Res.InMemory(dep) {
				return false
			}
		}
		return true
	}
	for addr, stack := range s.Res.Stacks {
		kept := stack[:0]
		for _, k := range stack {
			if runnable(k) && !placed.Has(k) {
				kept = append(kept, k)
				placed.Add(k)
			}
		}
		s.Res.Stacks[addr] = kept
	}
	for _, proc := range s.Res.Processing {
		for k := range proc {
			if runnable(k) && !placed.Has(k) {
				placed.Add(k)
			} else {
				proc.Remove(k)
			}
		}
	}

	// Survivors are runnable or running; they must not also carry a stale
	// waiting entry.
	for k := range placed {
		delete(s.Waiting, k)
	}

	newInPlay := graph.NewKeySet()
	for k := range s.Res.WhoHas {
		newInPlay.Add(k)
	}
	for k := range s.Waiting {
		newInPlay.Add(k)
	}
	for k := range placed {
		newInPlay.Add(k)
	}
	s.InPlay = newInPlay

	// Resident data that healing just released is dead weight on its
	// workers unless the client pinned it.
	for k := range s.Res.WhoHas {
		if !visited.Has(k) && !s.HeldData.Has(k) {
			s.forgetData(k)
		}
	}

	var newlyReady []graph.Key
	for k, w := range s.Waiting {
		if w.Empty() {
			newlyReady = append(newlyReady, k)
		}
	}
	sort.Slice(newlyReady, func(i, j int) bool {
		return s.Graph.KeyOrder[newlyReady[i]] < s.Graph.KeyOrder[newlyReady[j]]
	})
	s.SeedReadyTasks(newlyReady)

	return s.ValidateState()
}

// HealMissingData is the targeted variant of Heal for a reported loss of
// specific keys: each lost key is dropped from in_play, then re-threaded
// through waiting/waiting_data by ascending its dependency graph until an
// ancestor still in play (in memory included) is reached. Grounded on
// heal_missing_data's recursive ensure_key walk.
func (s *State) HealMissingData(lost []graph.Key) {
	for _, k := range lost {
		s.InPlay.Remove(k)
	}
	var ensure func(k graph.Key)
	ensure = func(k graph.Key) {
		if s.InPlay.Has(k) {
			return
		}
		if _, known := s.Graph.Tasks[k]; !known {
			return
		}
		missing := graph.NewKeySet()
		for dep := range s.Graph.Dependencies[k] {
			ensure(dep)
			if _, ok := s.WaitingData[dep]; !ok {
				s.WaitingData[dep] = graph.NewKeySet()
			}
			s.WaitingData[dep].Add(k)
			if !s.Res.InMemory(dep) {
				missing.Add(dep)
			}
		}
		s.Waiting[k] = missing
		s.InPlay.Add(k)
	}
	for _, k := range lost {
		ensure(k)
	}
}

// ValidateState enforces the invariants spec'd for the graph state: every
// in-play key is in exactly one of memory, waiting, a worker's stack, or
// processing somewhere; every dependency of a key actually in the waiting set is
// itself tracked; and residency stays an exact who_has/has_what transpose.
// Grounded on scheduler.py's validate_state / check_key.
func (s *State) ValidateState() error {
	if err := s.Res.Validate(); err != nil {
		return err
	}

	processingKeys := graph.NewKeySet()
	for _, proc := range s.Res.Processing {
		for k := range proc {
			processingKeys.Add(k)
		}
	}
	stackKeys := graph.NewKeySet()
	for _, stack := range s.Res.Stacks {
		for _, k := range stack {
			stackKeys.Add(k)
		}
	}

	for k := range s.InPlay {
		inMemory := s.Res.InMemory(k)
		_, waiting := s.Waiting[k]
		onStack := stackKeys.Has(k)
		processing := processingKeys.Has(k)
		count := 0
		for _, in := range []bool{inMemory, waiting, onStack, processing} {
			if in {
				count++
			}
		}
		if count == 0 {
			return fmt.Errorf("validate: in-play key %s is neither in memory nor tracked as runnable", k)
		}
		if count > 1 {
			return fmt.Errorf("validate: in-play key %s is in more than one of memory, waiting, stacks and processing", k)
		}
	}

	for k, deps := range s.Waiting {
		for dep := range deps {
			if s.Res.InMemory(dep) {
				return fmt.Errorf("validate: %s waits on %s which is already in memory", k, dep)
			}
			if _, known := s.Graph.Tasks[dep]; !known {
				return fmt.Errorf("validate: %s waits on unknown key %s", k, dep)
			}
		}
	}

	return nil
}
