// Package collab defines the scheduler's external collaborators: the
// worker RPC surface, the center (coordinator directory) and the nanny
// (per-worker supervisor process). The wire transport and RPC client/server
// code for these are explicitly out of scope; this package only states the
// interfaces the rest of the scheduler programs against, the same way the
// orchestrator's TaskExecutor interface in task_executor.go lets
// dag_engine.go stay agnostic of HTTP vs Python vs policy-service
// execution.
package collab

import (
	"context"

	"github.com/swarmguard/scheduler/internal/graph"
)

// ComputeStatus is the outcome a worker reports for one compute-task call.
type ComputeStatus int

const (
	StatusOK ComputeStatus = iota
	StatusError
	StatusMissingData
)

// ComputeResponse is what a worker reports back after running (or failing
// to run) one task.
type ComputeResponse struct {
	Status    ComputeStatus
	NBytes    int64
	Exception string
	Traceback string
	Missing   []graph.Key // populated when Status == StatusMissingData
}

// WorkerClient is the scheduler's view of a worker's RPC endpoint.
type WorkerClient interface {
	// Compute asks addr to run task and report the outcome for key. whoHas
	// locates each of the task's dependencies so the worker can fetch
	// whatever it doesn't already hold locally.
	Compute(ctx context.Context, addr string, key graph.Key, task graph.Node, whoHas map[graph.Key][]string) (ComputeResponse, error)
	// UpdateData pushes literal values directly into a worker's store,
	// used for externally scattered data and raw-literal tasks rather
	// than computed results. The worker reports the stored size of each
	// key.
	UpdateData(ctx context.Context, addr string, data map[graph.Key]any) (map[graph.Key]int64, error)
	// GetData fetches materialised values back out of a worker's store.
	GetData(ctx context.Context, addr string, keys []graph.Key) (map[graph.Key]any, error)
	// DeleteData tells addr to drop the given keys from its local store.
	DeleteData(ctx context.Context, addr string, keys []graph.Key) error
	// Close asks addr to shut down cleanly.
	Close(ctx context.Context, addr string) error
	// Ping is a minimal liveness/broadcast primitive: it asks addr to
	// acknowledge receipt of a message and echoes back a short reply,
	// standing in for the original's generic broadcast-to-all mechanism.
	Ping(ctx context.Context, addr, message string) (string, error)
}

// ResourceSample is one point of the periodic resource usage a worker's
// nanny reports (cpu/memory/whatever the nanny chooses to sample).
type ResourceSample struct {
	CPU       float64
	MemoryPct float64
}

// CenterClient is the scheduler's view of the center, the external
// directory of worker membership and global residency used at startup and
// during restarts.
type CenterClient interface {
	SyncCenter(ctx context.Context) (ncores map[string]int, whoHas map[graph.Key][]string, err error)
}

// NannyClient is the scheduler's view of a worker's supervisor process.
// Kill tears the supervised worker down; Instantiate respawns it in place,
// after which the worker is expected to re-register itself.
type NannyClient interface {
	Kill(ctx context.Context, workerAddr string) error
	Instantiate(ctx context.Context, workerAddr string) error
}
