// Package residency tracks which worker holds which key: C2 in the design
// ("Residency map"). who_has and has_what are kept as explicit transposes
// of each other rather than derived on demand, exactly as
// distributed/scheduler.py keeps both directions as defaultdict(set) and
// updates them together.
package residency

import (
	"fmt"

	"github.com/swarmguard/scheduler/internal/graph"
)

// WorkerSet is a small set-of-worker-addresses helper, the WhoHas-side
// counterpart to graph.KeySet: who_has's values hold workers, not keys, so
// they need their own set type rather than reusing graph.KeySet's
// Key-typed one.
type WorkerSet map[string]struct{}

func NewWorkerSet(addrs ...string) WorkerSet {
	s := make(WorkerSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s WorkerSet) Add(addr string)      { s[addr] = struct{}{} }
func (s WorkerSet) Remove(addr string)   { delete(s, addr) }
func (s WorkerSet) Has(addr string) bool { _, ok := s[addr]; return ok }
func (s WorkerSet) Empty() bool          { return len(s) == 0 }

func (s WorkerSet) Slice() []string {
	out := make([]string, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	return out
}

// Map is the bidirectional worker/key residency table plus the per-worker
// scheduling bookkeeping (stacks, processing, core counts) that rides
// alongside it. A single Map belongs to one scheduler instance; it is not
// safe for concurrent use without an external lock, matching the rest of
// the scheduler's single-actor design.
type Map struct {
	WhoHas     map[graph.Key]WorkerSet // key -> workers holding it
	HasWhat    map[string]graph.KeySet // worker -> keys it holds
	Processing map[string]graph.KeySet // worker -> keys currently computing there
	Stacks     map[string][]graph.Key  // worker -> LIFO of ready-to-run keys
	NCores     map[string]int          // worker -> core count
	NBytes     map[graph.Key]int64     // key -> reported size, once known
}

func New() *Map {
	return &Map{
		WhoHas:     make(map[graph.Key]WorkerSet),
		HasWhat:    make(map[string]graph.KeySet),
		Processing: make(map[string]graph.KeySet),
		Stacks:     make(map[string][]graph.Key),
		NCores:     make(map[string]int),
		NBytes:     make(map[graph.Key]int64),
	}
}

// AddWorker registers a worker with the given core count. Re-registering an
// already known address is a no-op on its stacks/processing state but
// updates the core count, mirroring add_worker's ncores assignment.
func (m *Map) AddWorker(addr string, ncores int) {
	m.NCores[addr] = ncores
	if _, ok := m.HasWhat[addr]; !ok {
		m.HasWhat[addr] = graph.NewKeySet()
	}
	if _, ok := m.Processing[addr]; !ok {
		m.Processing[addr] = graph.NewKeySet()
	}
	if _, ok := m.Stacks[addr]; !ok {
		m.Stacks[addr] = nil
	}
}

// RemoveWorker deletes every trace of addr and returns the keys it was the
// sole holder of, so the caller can decide whether they need recomputing.
// Mirrors remove_worker's has_what pop + who_has discard + missing_keys
// computation.
func (m *Map) RemoveWorker(addr string) (lost []graph.Key) {
	keys := m.HasWhat[addr]
	for k := range keys {
		holders := m.WhoHas[k]
		if holders != nil {
			holders.Remove(addr)
			if holders.Empty() {
				delete(m.WhoHas, k)
				lost = append(lost, k)
			}
		}
	}
	delete(m.HasWhat, addr)
	delete(m.Processing, addr)
	delete(m.Stacks, addr)
	delete(m.NCores, addr)
	return lost
}

// RecordInMemory marks key resident on addr, wiring both directions of the
// map the way mark_key_in_memory does.
func (m *Map) RecordInMemory(key graph.Key, addr string, nbytes int64) {
	if _, ok := m.WhoHas[key]; !ok {
		m.WhoHas[key] = NewWorkerSet()
	}
	m.WhoHas[key].Add(addr)
	if _, ok := m.HasWhat[addr]; !ok {
		m.HasWhat[addr] = graph.NewKeySet()
	}
	m.HasWhat[addr].Add(key)
	if nbytes > 0 {
		m.NBytes[key] = nbytes
	}
}

// Forget removes all residency information for key, e.g. once it is
// released and no longer held by anyone.
func (m *Map) Forget(key graph.Key) {
	for addr := range m.WhoHas[key] {
		if hw := m.HasWhat[addr]; hw != nil {
			hw.Remove(key)
		}
	}
	delete(m.WhoHas, key)
	delete(m.NBytes, key)
}

// InMemory reports whether key is currently resident anywhere. The map
// deliberately has no separate "in_memory" field: residency is always
// derived from who_has, matching the original's use of `key in who_has`
// as the in-memory predicate rather than tracking a duplicate flag.
func (m *Map) InMemory(key graph.Key) bool {
	holders, ok := m.WhoHas[key]
	return ok && !holders.Empty()
}

// Push appends key to addr's ready stack (LIFO push).
func (m *Map) Push(addr string, key graph.Key) {
	m.Stacks[addr] = append(m.Stacks[addr], key)
}

// Pop removes and returns the most recently pushed key for addr.
func (m *Map) Pop(addr string) (graph.Key, bool) {
	st := m.Stacks[addr]
	if len(st) == 0 {
		return "", false
	}
	k := st[len(st)-1]
	m.Stacks[addr] = st[:len(st)-1]
	return k, true
}

// FreeCores reports how many of addr's cores are not currently processing.
func (m *Map) FreeCores(addr string) int {
	return m.NCores[addr] - len(m.Processing[addr])
}

// Validate checks that who_has and has_what stay exact transposes of one
// another, the invariant validate_state enforces on every call.
func (m *Map) Validate() error {
	for k, holders := range m.WhoHas {
		for addr := range holders {
			if !m.HasWhat[addr].Has(k) {
				return fmt.Errorf("residency: %s claims %s but has_what disagrees", addr, k)
			}
		}
	}
	for addr, keys := range m.HasWhat {
		for k := range keys {
			if !m.WhoHas[k].Has(addr) {
				return fmt.Errorf("residency: %s holds %s but who_has disagrees", addr, k)
			}
		}
	}
	return nil
}
