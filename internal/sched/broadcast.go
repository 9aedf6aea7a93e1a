package sched

import (
	"context"
	"sync"
)

// Broadcast fans message out to every live worker concurrently and
// collects each reply keyed by worker address, matching scheduler.py's
// broadcast handler (send_recv to every (ip, port) pair). A worker that
// fails to respond is simply omitted from the result, the same way the
// original logs and continues rather than failing the whole broadcast.
func (sc *Scheduler) Broadcast(ctx context.Context, message string) map[string]string {
	var workers []string
	sc.submit(ctx, func(context.Context) {
		for w := range sc.state.Res.NCores {
			workers = append(workers, w)
		}
	})

	replies := make(map[string]string, len(workers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, w := range workers {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := sc.workers.Ping(ctx, w, message)
			if err != nil {
				sc.logger.Warn("broadcast ping failed", "worker", w, "error", err)
				return
			}
			mu.Lock()
			replies[w] = reply
			mu.Unlock()
		}()
	}
	wg.Wait()
	return replies
}
