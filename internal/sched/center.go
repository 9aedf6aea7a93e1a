package sched

import (
	"context"
	"time"

	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/resilience"
)

// SyncCenter refreshes worker membership and residency from the external
// center directory, the way scheduler.py's sync_center call seeds
// ncores/who_has at startup and after a restart. The call is wrapped in a
// bounded retry since the center is an external collaborator and a
// transient outage shouldn't prevent the scheduler from starting; on
// final failure it logs and leaves existing state untouched. Grounded on
// scheduler.py's Scheduler.sync_center.
func (sc *Scheduler) SyncCenter(ctx context.Context) {
	if sc.center == nil {
		return
	}
	snapshot, err := resilience.Retry(ctx, 10*time.Second, func() (centerSnapshot, error) {
		n, w, err := sc.center.SyncCenter(ctx)
		return centerSnapshot{ncores: n, whoHas: w}, err
	})
	if err != nil {
		sc.logger.Warn("sync_center failed, continuing with existing state", "error", err)
		return
	}

	sc.submit(ctx, func(context.Context) {
		for addr, n := range snapshot.ncores {
			sc.state.AddWorker(addr, nil, n)
		}
		for key, workers := range snapshot.whoHas {
			for _, w := range workers {
				sc.state.Res.RecordInMemory(key, w, 0)
			}
		}
	})
}

type centerSnapshot struct {
	ncores map[string]int
	whoHas map[graph.Key][]string
}
