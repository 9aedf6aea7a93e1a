// Package placement decides which worker should run a ready key: C3 in the
// design ("Placement policy"). decide_worker picks the worker that would
// have to fetch the fewest dependency bytes and breaks ties by shortest
// stack; assign_many_tasks seeds a batch of leaf-ready keys round-robin
// across workers.
//
// Grounded on distributed/scheduler.py's module-level decide_worker and
// assign_many_tasks functions, including their restriction/loose_restriction
// fallback behavior. The original keeps its round-robin cursor in a module
// global (_round_robin); this package keeps it as a field on Policy instead,
// since a package-level global would leak state across independent
// scheduler instances in the same process.
package placement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/residency"
)

// ErrNoWorker means no worker satisfies a key's restrictions.
type ErrNoWorker struct{ Key graph.Key }

func (e ErrNoWorker) Error() string {
	return fmt.Sprintf("placement: no worker available for %s under its restrictions", e.Key)
}

// Policy holds placement's only piece of mutable state: the round-robin
// cursor used to spread leaf tasks across workers.
type Policy struct {
	roundRobin int
}

func New() *Policy { return &Policy{} }

// Host strips the port from a worker address. Restrictions name hosts, not
// (host, port) pairs: multiple workers on one machine are interchangeable
// as far as a restriction is concerned.
func Host(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

// filterByHost keeps the workers whose host appears in hosts.
func filterByHost(workers []string, hosts []string) []string {
	allowed := make(map[string]bool, len(hosts))
	for _, h := range hosts {
		allowed[h] = true
	}
	var out []string
	for _, w := range workers {
		if allowed[Host(w)] {
			out = append(out, w)
		}
	}
	return out
}

// DecideWorker picks the best worker to run key, given its dependencies'
// current residency:
//
//  1. Candidates are the workers already holding at least one of key's
//     dependencies, or every worker when none hold anything yet.
//  2. A restriction narrows candidates by host, falling back first to the
//     full worker set under the restriction, then — only for loose keys —
//     to ignoring the restriction entirely.
//  3. Among the survivors, the worker that would have to fetch the fewest
//     dependency bytes wins; ties go to the shortest stack, then to the
//     lexically smallest address.
func DecideWorker(
	g *graph.Graph,
	res *residency.Map,
	key graph.Key,
	restrictions map[graph.Key][]string,
	loose map[graph.Key]bool,
) (string, error) {
	workers := make([]string, 0, len(res.NCores))
	for w := range res.NCores {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	if len(workers) == 0 {
		return "", ErrNoWorker{Key: key}
	}

	deps := g.Dependencies[key]
	pool := dependencyHolders(deps, res, workers)

	cand := pool
	if restr, ok := restrictions[key]; ok && len(restr) > 0 {
		cand = filterByHost(pool, restr)
		if len(cand) == 0 {
			cand = filterByHost(workers, restr)
		}
		if len(cand) == 0 {
			if !loose[key] {
				return "", ErrNoWorker{Key: key}
			}
			cand = pool
		}
	}

	commBytes := make(map[string]int64, len(cand))
	for dep := range deps {
		hs := res.WhoHas[dep]
		size := res.NBytes[dep]
		for _, w := range cand {
			if !hs.Has(w) {
				commBytes[w] += size
			}
		}
	}

	best := cand[0]
	bestBytes := commBytes[best]
	bestStack := len(res.Stacks[best])
	for _, w := range cand[1:] {
		b := commBytes[w]
		l := len(res.Stacks[w])
		if b < bestBytes || (b == bestBytes && l < bestStack) {
			best, bestBytes, bestStack = w, b, l
		}
	}
	return best, nil
}

// dependencyHolders returns the subset of workers already holding at least
// one of deps. When none of them do (a cold start, or deps is empty), it
// falls back to workers unfiltered so placement still has a candidate set
// to choose from.
func dependencyHolders(deps graph.KeySet, res *residency.Map, workers []string) []string {
	var holders []string
	for _, w := range workers {
		for dep := range deps {
			if res.WhoHas[dep].Has(w) {
				holders = append(holders, w)
				break
			}
		}
	}
	if len(holders) == 0 {
		return workers
	}
	return holders
}

// AssignManyTasks seeds every key in keys onto a worker stack and returns
// the keys no worker could legally accept. Keys with neither dependencies
// nor restrictions ("leaves") are spread round-robin across workers in
// contiguous chunks of ceil(len/nworkers), starting at a rotating offset
// so successive calls don't always load the same worker first; everything
// else goes through DecideWorker individually. Chunks are pushed in
// reverse so the first leaf in a chunk ends up on top of that worker's
// stack and runs first.
func (p *Policy) AssignManyTasks(
	g *graph.Graph,
	res *residency.Map,
	keys []graph.Key,
	restrictions map[graph.Key][]string,
	loose map[graph.Key]bool,
) (unplaced []graph.Key) {
	workers := make([]string, 0, len(res.NCores))
	for w := range res.NCores {
		workers = append(workers, w)
	}
	sort.Strings(workers)
	if len(workers) == 0 {
		return append(unplaced, keys...)
	}

	var leaves, rest []graph.Key
	for _, k := range keys {
		if g.Dependencies[k].Empty() && len(restrictions[k]) == 0 {
			leaves = append(leaves, k)
		} else {
			rest = append(rest, k)
		}
	}

	if len(leaves) > 0 {
		n := len(workers)
		chunkSize := (len(leaves) + n - 1) / n
		for i := 0; i < len(leaves); i += chunkSize {
			end := i + chunkSize
			if end > len(leaves) {
				end = len(leaves)
			}
			chunk := leaves[i:end]
			w := workers[p.roundRobin%n]
			p.roundRobin++
			for j := len(chunk) - 1; j >= 0; j-- {
				res.Push(w, chunk[j])
			}
		}
	}

	for _, k := range rest {
		w, err := DecideWorker(g, res, k, restrictions, loose)
		if err != nil {
			unplaced = append(unplaced, k)
			continue
		}
		res.Push(w, k)
	}
	return unplaced
}
