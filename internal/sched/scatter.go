package sched

import (
	"context"
	"sort"
	"sync"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/graph"
)

// Scatter pushes caller-provided literal values directly onto workers and
// records them as in-memory, without ever going through the task
// interpreter. If restrictTo is non-empty only those workers are used;
// otherwise data is spread round-robin over every known worker the same
// way assign_many_tasks spreads leaf tasks. Grounded on scheduler.py's
// scatter, which is update_data preceded by a round-robin placement
// decision instead of decide_worker.
func (sc *Scheduler) Scatter(ctx context.Context, data map[graph.Key]any, restrictTo []string) map[graph.Key]string {
	result := make(map[graph.Key]string, len(data))
	sc.submit(ctx, func(ctx context.Context) {
		workers := restrictTo
		if len(workers) == 0 {
			for w := range sc.state.Res.NCores {
				workers = append(workers, w)
			}
		}
		sort.Strings(workers)
		if len(workers) == 0 {
			return
		}

		keys := make([]graph.Key, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		assigned := make(map[string]map[graph.Key]any, len(workers))
		for i, k := range keys {
			w := workers[i%len(workers)]
			if assigned[w] == nil {
				assigned[w] = make(map[graph.Key]any)
			}
			assigned[w][k] = data[k]
			result[k] = w
		}

		for w, payload := range assigned {
			w, payload := w, payload
			go func() {
				sizes, err := sc.workers.UpdateData(ctx, w, payload)
				if err != nil {
					sc.logger.Warn("scatter update-data failed", "worker", w, "error", err)
					return
				}
				sc.events <- func(ctx context.Context) {
					for k := range payload {
						sc.state.HeldData.Add(k)
						sc.state.InPlay.Add(k)
						sc.state.MarkKeyInMemory(k, w, sizes[k])
						sc.report(ctx, bus.Report{Op: "key-in-memory", Key: string(k), Workers: []string{w}})
					}
					sc.dispatch(ctx, w)
				}
			}()
		}
	})
	return result
}

// Gather collects materialised values back from the workers holding them,
// batching one get-data call per worker. Keys nobody holds are omitted
// from the result; a worker that fails to answer just drops its batch, the
// way the original's gather logs and carries on. Grounded on
// scheduler.py's gather / gather_from_workers.
func (sc *Scheduler) Gather(ctx context.Context, keys []graph.Key) map[graph.Key]any {
	batches := make(map[string][]graph.Key)
	sc.submit(ctx, func(context.Context) {
		for _, k := range keys {
			holders := sc.state.Res.WhoHas[k].Slice()
			if len(holders) == 0 {
				continue
			}
			sort.Strings(holders)
			w := holders[0]
			batches[w] = append(batches[w], k)
		}
	})

	out := make(map[graph.Key]any, len(keys))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w, batch := range batches {
		w, batch := w, batch
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := sc.workers.GetData(ctx, w, batch)
			if err != nil {
				sc.logger.Warn("gather get-data failed", "worker", w, "error", err)
				return
			}
			mu.Lock()
			for k, v := range values {
				out[k] = v
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}
