package sched

import (
	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/residency"
)

// AddWorker registers a newly joined worker with its core count and folds
// it into placement's pool of candidates. keys are data the worker already
// holds when it (re)joins — e.g. surviving a scheduler restart with its
// local store intact — and are registered via MarkKeyInMemory exactly as
// add_worker(addr, keys, ncores, nanny_port) does, so their dependents can
// become runnable immediately instead of waiting on a recompute.
// Grounded on add_worker.
func (s *State) AddWorker(addr string, keys []graph.Key, ncores int) {
	s.Res.AddWorker(addr, ncores)
	for _, k := range keys {
		s.InPlay.Add(k)
		s.MarkKeyInMemory(k, addr, 0)
	}
	// Work admitted while no worker was registered sits parked in waiting
	// with an empty set; the first registration flushes it onto stacks.
	pending := make([]graph.Key, 0, len(s.Waiting))
	for k := range s.Waiting {
		pending = append(pending, k)
	}
	s.SeedReadyTasks(s.readyAmong(pending))
}

// RemoveWorker forgets a worker entirely, dropping any key it was the sole
// holder of from the live computation. With heal set, a full Heal then
// requeues whatever a surviving output still needs. The lost keys are
// returned so the caller can report them to observers. Grounded on
// remove_worker's has_what pop, missing_keys computation and optional
// heal_state call.
func (s *State) RemoveWorker(addr string, heal bool) ([]graph.Key, error) {
	if _, known := s.Res.NCores[addr]; !known {
		return nil, nil
	}
	lost := s.Res.RemoveWorker(addr)
	for _, k := range lost {
		s.InPlay.Remove(k)
	}
	if !heal {
		return lost, nil
	}
	return lost, s.Heal()
}

// Restart clears every worker's stack, processing set and residency
// without removing the worker itself, used when the nannies respawn each
// worker process in place. All data is treated as lost; Heal then rebuilds
// the frontier from scratch.
func (s *State) Restart() error {
	for addr := range s.Res.NCores {
		s.Res.Stacks[addr] = nil
		s.Res.Processing[addr] = graph.NewKeySet()
		s.Res.HasWhat[addr] = graph.NewKeySet()
	}
	s.Res.WhoHas = make(map[graph.Key]residency.WorkerSet)
	s.Exceptions = make(map[graph.Key]string)
	s.Tracebacks = make(map[graph.Key]string)
	s.ExceptionsBlame = make(map[graph.Key]graph.Key)
	s.DeletedKeys = make(map[string]graph.KeySet)
	return s.Heal()
}
