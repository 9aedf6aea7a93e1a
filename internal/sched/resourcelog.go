package sched

import (
	"context"
	"sync"

	"github.com/swarmguard/scheduler/internal/collab"
)

// resourceLogCapacity bounds how many samples are kept per worker before
// the oldest is evicted, matching the original's fixed-size deque.
const resourceLogCapacity = 100

// ResourceLog is a fixed-capacity ring buffer of per-worker resource
// samples fed by each worker's nanny. Grounded on scheduler.py's
// resource_logs, a defaultdict(deque) keyed by (ip, nanny-port).
type ResourceLog struct {
	mu      sync.Mutex
	samples map[string][]collab.ResourceSample
}

func newResourceLog() *ResourceLog {
	return &ResourceLog{samples: make(map[string][]collab.ResourceSample)}
}

// Record appends a sample for addr, evicting the oldest once the log for
// that worker is at capacity.
func (l *ResourceLog) Record(addr string, s collab.ResourceSample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := l.samples[addr]
	log = append(log, s)
	if len(log) > resourceLogCapacity {
		log = log[len(log)-resourceLogCapacity:]
	}
	l.samples[addr] = log
}

// Snapshot returns a copy of every sample currently held for addr.
func (l *ResourceLog) Snapshot(addr string) []collab.ResourceSample {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]collab.ResourceSample, len(l.samples[addr]))
	copy(out, l.samples[addr])
	return out
}

// MonitorResources records one resource sample reported for addr, usually
// by a background stream fed from the nanny collaborator.
func (sc *Scheduler) MonitorResources(ctx context.Context, addr string, sample collab.ResourceSample) {
	sc.resourceLog.Record(addr, sample)
}

// DiagnosticResources returns the resource sample history for addr.
func (sc *Scheduler) DiagnosticResources(addr string) []collab.ResourceSample {
	return sc.resourceLog.Snapshot(addr)
}
