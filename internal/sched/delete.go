package sched

import (
	"context"
	"sort"

	"github.com/swarmguard/scheduler/internal/graph"
)

// drainDeletes flushes each worker's pending delete batch as one bulk
// delete-data RPC and clears the map, regardless of whether a given call
// succeeds: scheduler.py's delete-data sweep explicitly ignores
// socket/stream errors on this path rather than retrying, since a worker
// that's gone will simply get cleaned up the next time remove_worker runs.
//
// Called directly from the actor loop's select in Run, never through
// submit: it already runs on the actor goroutine, and routing it through
// submit would deadlock waiting for itself to finish.
func (sc *Scheduler) drainDeletes(ctx context.Context) {
	if len(sc.state.DeletedKeys) == 0 {
		return
	}
	pending := sc.state.DeletedKeys
	sc.state.DeletedKeys = make(map[string]graph.KeySet)

	for addr, keySet := range pending {
		if keySet.Empty() {
			continue
		}
		addr := addr
		keys := keySet.Slice()
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		go func() {
			if err := sc.workers.DeleteData(ctx, addr, keys); err != nil {
				sc.logger.Debug("delete-data call failed, ignoring", "worker", addr, "error", err)
			}
		}()
	}
}
