package sched

import (
	"sort"

	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/placement"
)

// AddGraph admits a batch of tasks plus the keys the caller ultimately
// wants (which are held even once every dependent has consumed them,
// exactly like update_graph's `keys` argument feeding held_data). It wires
// waiting/waiting_data for every key outside the current frontier, merges
// restrictions, and seeds whatever is already runnable onto worker stacks.
//
// Grounded on scheduler.py's update_graph: drop self-aliases (graph.AddTasks
// already does this), merge restrictions, compute keyorder, walk backward
// from the wanted keys via keys_outside_frontier, then fold any
// already-ready key straight into seed_ready_tasks.
func (s *State) AddGraph(
	tasks map[graph.Key]graph.Node,
	wanted []graph.Key,
	restrictions map[graph.Key][]string,
	loose map[graph.Key]bool,
) (newKeys []graph.Key, blamed []graph.Key) {
	newKeys = s.Graph.AddTasks(tasks)

	for k, r := range restrictions {
		s.Restrictions[k] = r
	}
	for k, l := range loose {
		if l {
			s.LooseRestrictions[k] = true
		}
	}
	for _, k := range wanted {
		s.HeldData.Add(k)
	}

	// Only keys outside the frontier get fresh waiting entries: anything
	// already in play (or already failed) keeps its current pipeline state.
	frontier := s.InPlay.Clone()
	for k := range s.ExceptionsBlame {
		frontier.Add(k)
	}
	exterior := graph.KeysOutsideFrontier(s.Graph, wanted, frontier)

	for k := range exterior {
		s.InPlay.Add(k)
		missing := graph.NewKeySet()
		for dep := range s.Graph.Dependencies[k] {
			if !s.Res.InMemory(dep) {
				missing.Add(dep)
			}
			if _, ok := s.WaitingData[dep]; !ok {
				s.WaitingData[dep] = graph.NewKeySet()
			}
			s.WaitingData[dep].Add(k)
		}
		s.Waiting[k] = missing
		if _, ok := s.WaitingData[k]; !ok {
			s.WaitingData[k] = graph.NewKeySet()
		}
	}

	// update_graph step 9: a key admitted with a dependency that's already
	// blamed for a failure is doomed before it ever runs, so fail it (and
	// cascade to its own dependents) right away instead of seeding it as
	// runnable.
	for _, k := range newKeys {
		for dep := range s.Graph.Dependencies[k] {
			if origin, isBlamed := s.ExceptionsBlame[dep]; isBlamed {
				blamed = append(blamed, s.blameKey(k, origin)...)
				break
			}
		}
	}

	ready := s.readyAmong(exterior.Slice())
	blamed = append(blamed, s.SeedReadyTasks(ready)...)
	return newKeys, blamed
}

// readyAmong returns the subset of keys whose waiting set is already empty
// and that have not yet been placed on a worker stack, in keyorder.
func (s *State) readyAmong(keys []graph.Key) []graph.Key {
	var ready []graph.Key
	for _, k := range keys {
		if w, ok := s.Waiting[k]; ok && w.Empty() && !s.Res.InMemory(k) {
			ready = append(ready, k)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return s.Graph.KeyOrder[ready[i]] < s.Graph.KeyOrder[ready[j]] })
	return ready
}

// SeedReadyTasks hands a batch of already-runnable keys to the placement
// policy (assign_many_tasks). With no workers registered at all, the keys
// stay parked in waiting (with empty sets) until a worker joins; a key
// whose restrictions no registered worker can satisfy is failed with a
// no-valid-worker error, which then cascades like any other task failure.
// Returns the keys failed this way so callers can report them.
func (s *State) SeedReadyTasks(keys []graph.Key) []graph.Key {
	if len(keys) == 0 {
		return nil
	}
	if len(s.Res.NCores) == 0 {
		for _, k := range keys {
			s.Waiting[k] = graph.NewKeySet()
		}
		return nil
	}
	for _, k := range keys {
		delete(s.Waiting, k)
	}
	var blamed []graph.Key
	for _, k := range s.Policy.AssignManyTasks(s.Graph, s.Res, keys, s.Restrictions, s.LooseRestrictions) {
		blamed = append(blamed, s.markUnrunnable(k)...)
	}
	return blamed
}

func (s *State) markUnrunnable(key graph.Key) []graph.Key {
	s.Exceptions[key] = placement.ErrNoWorker{Key: key}.Error()
	return s.blameKey(key, key)
}

// EnsureOccupied drains addr's ready stack into its processing set while
// free cores remain, returning the keys that were just dispatched so the
// caller's transport layer can send compute-task messages for them.
// Grounded on scheduler.py's ensure_occupied.
func (s *State) EnsureOccupied(addr string) []graph.Key {
	var dispatched []graph.Key
	for s.Res.FreeCores(addr) > 0 {
		key, ok := s.Res.Pop(addr)
		if !ok {
			break
		}
		if s.Res.InMemory(key) {
			continue
		}
		if _, ok := s.Res.Processing[addr]; !ok {
			s.Res.Processing[addr] = graph.NewKeySet()
		}
		s.Res.Processing[addr].Add(key)
		dispatched = append(dispatched, key)
	}
	return dispatched
}

// MarkKeyInMemory records that key now lives on addr and propagates
// readiness to every dependent, processing dependents in descending
// keyorder exactly as mark_key_in_memory's
// `sorted(dependents, key=self.keyorder.get, reverse=True)` does, so that
// the most recently defined (usually most urgent) dependents are queued
// first.
func (s *State) MarkKeyInMemory(key graph.Key, addr string, nbytes int64) []graph.Key {
	s.Res.RecordInMemory(key, addr, nbytes)
	for _, proc := range s.Res.Processing {
		proc.Remove(key)
	}
	delete(s.Waiting, key)

	dependents := s.Graph.Dependents[key].Slice()
	sort.Slice(dependents, func(i, j int) bool {
		return s.Graph.KeyOrder[dependents[i]] > s.Graph.KeyOrder[dependents[j]]
	})

	var newlyReady []graph.Key
	for _, dep := range dependents {
		w, ok := s.Waiting[dep]
		if !ok {
			continue
		}
		w.Remove(key)
		if w.Empty() && !s.Res.InMemory(dep) {
			newlyReady = append(newlyReady, dep)
		}
	}

	for dep := range s.Graph.Dependencies[key] {
		if wd, ok := s.WaitingData[dep]; ok {
			wd.Remove(key)
			s.maybeReleaseData(dep)
		}
	}

	s.SeedReadyTasks(newlyReady)
	return newlyReady
}

// maybeReleaseData forgets a key's residency once nothing still needs it:
// it has no pending dependents, isn't held by a client, and is not itself
// part of a still-waiting computation.
func (s *State) maybeReleaseData(key graph.Key) {
	if s.HeldData.Has(key) {
		return
	}
	if wd, ok := s.WaitingData[key]; ok && !wd.Empty() {
		return
	}
	if _, stillRunnable := s.Graph.Tasks[key]; stillRunnable {
		if w, ok := s.Waiting[key]; ok && !w.Empty() {
			return
		}
	}
	if !s.Res.InMemory(key) {
		return
	}
	s.forgetData(key)
}

// forgetData drops key from the live computation and queues a delete for
// every worker still holding a copy, batching per worker the way
// delete_data's deleted_keys map does so the periodic sweep can issue one
// bulk RPC per worker.
func (s *State) forgetData(key graph.Key) {
	for addr := range s.Res.WhoHas[key] {
		if _, ok := s.DeletedKeys[addr]; !ok {
			s.DeletedKeys[addr] = graph.NewKeySet()
		}
		s.DeletedKeys[addr].Add(key)
	}
	s.Res.Forget(key)
	delete(s.WaitingData, key)
	s.InPlay.Remove(key)
}

// ReleaseHeldData unpins keys: each one becomes eligible for garbage
// collection the moment its waiting_data set is already empty, exactly as
// release_held_data does by deleting from held_data and immediately
// re-checking maybeReleaseData for every key whose last dependent already
// consumed it.
func (s *State) ReleaseHeldData(keys []graph.Key) {
	for _, k := range keys {
		s.HeldData.Remove(k)
		s.maybeReleaseData(k)
	}
}

// MarkTaskFinished is mark_key_in_memory's sibling for the common case of a
// worker completing a task it was actively processing. A report for a key
// addr is not actually processing — a replay, or a completion racing a
// removal — is dropped, which is what makes replaying the same finish
// twice a no-op.
func (s *State) MarkTaskFinished(key graph.Key, addr string, nbytes int64) []graph.Key {
	if proc, ok := s.Res.Processing[addr]; !ok || !proc.Has(key) {
		return nil
	}
	return s.MarkKeyInMemory(key, addr, nbytes)
}

// MarkTaskErred records a worker-reported exception for key and cascades
// failure through every dependent, following mark_task_erred /
// mark_failed. It returns every key newly blamed by this call, origin key
// first followed by its cascaded dependents in cascade order, so the
// caller can emit one task-erred report per key rather than only for the
// origin. A repeated erred report for an already-blamed key returns nil,
// matching mark_failed's idempotent early return.
func (s *State) MarkTaskErred(key graph.Key, addr, exception, traceback string) []graph.Key {
	if proc, ok := s.Res.Processing[addr]; ok {
		proc.Remove(key)
	}
	if _, already := s.ExceptionsBlame[key]; already {
		return nil
	}
	s.Exceptions[key] = exception
	s.Tracebacks[key] = traceback
	return s.blameKey(key, key)
}

// blameKey marks key as blamed on origin (origin's exception/traceback are
// what every blamed descendant is reported against) and cascades the same
// blame through key's transitive dependents, exactly as mark_failed's
// recursive walk does. It returns every key newly blamed by this call,
// key itself first, so callers can emit one task-erred report per key. A
// key already blamed (by this or an earlier failure) is left untouched and
// excluded from the result, matching mark_failed's idempotent early return.
func (s *State) blameKey(key graph.Key, origin graph.Key) []graph.Key {
	if _, already := s.ExceptionsBlame[key]; already {
		return nil
	}
	s.ExceptionsBlame[key] = origin
	delete(s.Waiting, key)
	delete(s.WaitingData, key)
	s.InPlay.Remove(key)
	blamed := []graph.Key{key}

	queue := s.Graph.Dependents[key].Slice()
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, already := s.ExceptionsBlame[k]; already {
			continue
		}
		s.ExceptionsBlame[k] = origin
		delete(s.Waiting, k)
		delete(s.WaitingData, k)
		s.InPlay.Remove(k)
		blamed = append(blamed, k)
		queue = append(queue, s.Graph.Dependents[k].Slice()...)
	}
	return blamed
}

// MarkMissingData handles a worker reporting that dependency keys have
// vanished from every holder: each missing key is evicted from residency,
// re-threaded into waiting/waiting_data by the targeted heal, and anything
// whose waiting set drained as a side effect is relaunched. When the
// report came from a specific in-flight task (key/worker non-zero), that
// task leaves its worker's processing set and waits on exactly the missing
// keys. Grounded on mark_missing_data.
func (s *State) MarkMissingData(missing []graph.Key, key graph.Key, worker string) {
	for _, m := range missing {
		s.Res.Forget(m)
	}
	s.HealMissingData(missing)

	if key != "" {
		if proc, ok := s.Res.Processing[worker]; ok {
			proc.Remove(key)
		}
		w := graph.NewKeySet()
		for _, m := range missing {
			if !s.Res.InMemory(m) {
				w.Add(m)
			}
		}
		s.Waiting[key] = w
		s.InPlay.Add(key)
	}

	var ready []graph.Key
	for k, w := range s.Waiting {
		if w.Empty() && !s.Res.InMemory(k) {
			ready = append(ready, k)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return s.Graph.KeyOrder[ready[i]] < s.Graph.KeyOrder[ready[j]] })
	s.SeedReadyTasks(ready)
}
