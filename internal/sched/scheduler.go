// Package sched's Scheduler is the single-goroutine actor that owns all
// graph/residency state (C8, the event multiplexer). Every public method
// that reads or changes State sends a closure onto an internal channel and
// waits for it to run on the actor goroutine, so callers never need their
// own locking around State. The resource log sits outside State and guards
// itself with its own mutex.
//
// Grounded on distributed/scheduler.py's handle_messages/handle_queues
// dispatch loop (a single coroutine draining an op-tagged queue) and on
// the teacher's DAGEngine/worker-pool pattern in dag_engine.go for the
// channel-based fan-out to per-worker dispatch goroutines.
package sched

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/collab"
	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/plugin"
	"github.com/swarmguard/scheduler/internal/resilience"
	"github.com/swarmguard/scheduler/internal/store"
)

// Scheduler is the long-lived actor coordinating one computation. Its
// zero value is not usable; construct with NewScheduler.
type Scheduler struct {
	state *State

	workers collab.WorkerClient
	center  collab.CenterClient
	nanny   collab.NannyClient

	breaker *resilience.WorkerBreaker
	bus     *bus.Bus
	store   *store.Store
	plugins *plugin.Registry
	logger  *slog.Logger

	events chan func(context.Context)
	cron   *cron.Cron

	deleteInterval time.Duration
	resourceLog    *ResourceLog

	id string // this scheduler instance's identity, attached to every log line as scheduler_id
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithBus(b *bus.Bus) Option                 { return func(s *Scheduler) { s.bus = b } }
func WithStore(st *store.Store) Option          { return func(s *Scheduler) { s.store = st } }
func WithPlugins(r *plugin.Registry) Option     { return func(s *Scheduler) { s.plugins = r } }
func WithLogger(l *slog.Logger) Option          { return func(s *Scheduler) { s.logger = l } }
func WithDeleteInterval(d time.Duration) Option { return func(s *Scheduler) { s.deleteInterval = d } }
func WithNanny(n collab.NannyClient) Option     { return func(s *Scheduler) { s.nanny = n } }
func WithCenter(c collab.CenterClient) Option   { return func(s *Scheduler) { s.center = c } }

// NewScheduler builds a Scheduler ready to Run. workers is the only
// required collaborator; bus, plugins, center and nanny are optional.
func NewScheduler(workers collab.WorkerClient, opts ...Option) *Scheduler {
	sc := &Scheduler{
		state:          New(),
		workers:        workers,
		breaker:        resilience.NewWorkerBreaker(5, 0.5, 10*time.Second),
		plugins:        plugin.NewRegistry(nil),
		logger:         slog.Default(),
		events:         make(chan func(context.Context), 256),
		deleteInterval: 500 * time.Millisecond,
		resourceLog:    newResourceLog(),
		id:             uuid.NewString(),
	}
	for _, o := range opts {
		o(sc)
	}
	sc.logger = sc.logger.With("scheduler_id", sc.id)
	return sc
}

// Run drives the actor loop until ctx is cancelled. It owns the periodic
// delete-data sweep (a plain ticker, since its ~500ms default cadence is
// finer-grained than cron's native minute/second resolution is meant for)
// and a coarser cron job auditing scheduler invariants once a minute,
// grounded on the teacher's cron-backed Scheduler in scheduler.go.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.report(ctx, bus.Report{Op: "stream-start"})

	deleteTicker := time.NewTicker(sc.deleteInterval)
	defer deleteTicker.Stop()

	sc.cron = cron.New()
	_, err := sc.cron.AddFunc("@every 1m", func() {
		sc.events <- func(ctx context.Context) {
			if err := sc.state.ValidateState(); err != nil {
				sc.logger.Error("periodic invariant audit failed", "error", err)
			}
		}
	})
	if err != nil {
		sc.logger.Warn("failed to register invariant audit job", "error", err)
	} else {
		sc.cron.Start()
		defer sc.cron.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-sc.events:
			fn(ctx)
		case <-deleteTicker.C:
			sc.drainDeletes(ctx)
		}
	}
}

// submit posts fn onto the actor loop and blocks until it has run.
func (sc *Scheduler) submit(ctx context.Context, fn func(context.Context)) {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		fn(ctx)
	}
	select {
	case sc.events <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// AddWorker registers a newly joined worker, folds in any data it already
// holds (keys, per the register op's addr/keys/ncores/nanny_port payload),
// and immediately tries to fill its cores from whatever is already
// runnable.
func (sc *Scheduler) AddWorker(ctx context.Context, addr string, keys []graph.Key, ncores int) {
	sc.submit(ctx, func(ctx context.Context) {
		sc.state.AddWorker(addr, keys, ncores)
		sc.logger.Info("worker joined", "worker", addr, "ncores", ncores, "held_keys", len(keys))
		for _, k := range keys {
			sc.report(ctx, bus.Report{Op: "key-in-memory", Key: string(k), Workers: []string{addr}})
		}
		sc.dispatch(ctx, addr)
	})
}

// RemoveWorker drops a worker, reporting lost-key for anything it was the
// sole holder of, healing state so surviving outputs get their ancestors
// requeued, then reports worker-finished to observers.
func (sc *Scheduler) RemoveWorker(ctx context.Context, addr string) {
	sc.submit(ctx, func(ctx context.Context) {
		if _, known := sc.state.Res.NCores[addr]; !known {
			return
		}
		sc.breaker.Forget(addr)
		lost, err := sc.state.RemoveWorker(addr, true)
		if err != nil {
			sc.logger.Error("remove worker healing failed", "worker", addr, "error", err)
		}
		sc.logger.Info("worker left", "worker", addr, "lost_keys", len(lost))
		for _, k := range lost {
			sc.report(ctx, bus.Report{Op: "lost-key", Key: string(k)})
		}
		sc.report(ctx, bus.Report{Op: "worker-finished", Worker: addr})
		for w := range sc.state.Res.NCores {
			sc.dispatch(ctx, w)
		}
	})
}

// canonicalHosts resolves each restriction host name to an IP where DNS
// cooperates, the way update_graph canonicalises hosts before storing
// them; names that don't resolve are stored as given.
func canonicalHosts(restrictions map[graph.Key][]string) map[graph.Key][]string {
	if len(restrictions) == 0 {
		return restrictions
	}
	out := make(map[graph.Key][]string, len(restrictions))
	for k, hosts := range restrictions {
		resolved := make([]string, 0, len(hosts))
		for _, h := range hosts {
			if net.ParseIP(h) != nil {
				resolved = append(resolved, h)
				continue
			}
			if addrs, err := net.LookupHost(h); err == nil && len(addrs) > 0 {
				resolved = append(resolved, addrs[0])
				continue
			}
			resolved = append(resolved, h)
		}
		out[k] = resolved
	}
	return out
}

// UpdateGraph admits new tasks, merges restrictions, and dispatches
// whatever becomes immediately runnable. Grounded on update_graph.
func (sc *Scheduler) UpdateGraph(
	ctx context.Context,
	tasks map[graph.Key]graph.Node,
	wanted []graph.Key,
	restrictions map[graph.Key][]string,
	loose map[graph.Key]bool,
) {
	restrictions = canonicalHosts(restrictions)
	sc.submit(ctx, func(ctx context.Context) {
		newKeys, blamed := sc.state.AddGraph(tasks, wanted, restrictions, loose)
		for _, k := range blamed {
			origin := sc.state.ExceptionsBlame[k]
			sc.report(ctx, bus.Report{
				Op:        "task-erred",
				Key:       string(k),
				Exception: sc.state.Exceptions[origin],
				Traceback: sc.state.Tracebacks[origin],
			})
		}
		if sc.store != nil {
			for _, k := range wanted {
				if err := sc.store.PutHeld(ctx, string(k), true); err != nil {
					sc.logger.Warn("held-data persist failed", "key", k, "error", err)
				}
			}
			for k, hosts := range restrictions {
				if err := sc.store.PutRestriction(ctx, string(k), hosts); err != nil {
					sc.logger.Warn("restriction persist failed", "key", k, "error", err)
				}
			}
		}
		for _, k := range wanted {
			if sc.state.Res.InMemory(k) {
				holders := sc.state.Res.WhoHas[k].Slice()
				sc.report(ctx, bus.Report{Op: "key-in-memory", Key: string(k), Workers: holders})
			}
		}
		sc.plugins.GraphUpdated(ctx, newKeys, wanted)
		for w := range sc.state.Res.NCores {
			sc.dispatch(ctx, w)
		}
	})
}

// UpdateData records externally materialised values: residency for data a
// client pushed onto workers itself, outside any compute-task round-trip.
// The keys are pinned like wanted outputs so the garbage collector never
// reclaims data the scheduler didn't create. Grounded on update_data.
func (sc *Scheduler) UpdateData(ctx context.Context, whoHas map[graph.Key][]string, nbytes map[graph.Key]int64) {
	sc.submit(ctx, func(ctx context.Context) {
		for k, workers := range whoHas {
			sc.state.InPlay.Add(k)
			sc.state.HeldData.Add(k)
			for _, w := range workers {
				sc.state.MarkKeyInMemory(k, w, nbytes[k])
			}
			sc.report(ctx, bus.Report{Op: "key-in-memory", Key: string(k), Workers: workers})
		}
		for w := range sc.state.Res.NCores {
			sc.dispatch(ctx, w)
		}
	})
}

// MarkMissing handles a missing-data report: missing keys lost everywhere,
// optionally blamed on a specific in-flight task (key/worker) whose
// compute tripped over the hole. Grounded on the missing-data inbound op.
func (sc *Scheduler) MarkMissing(ctx context.Context, missing []graph.Key, key graph.Key, worker string) {
	sc.submit(ctx, func(ctx context.Context) {
		sc.state.MarkMissingData(missing, key, worker)
		for _, m := range missing {
			sc.report(ctx, bus.Report{Op: "lost-key", Key: string(m)})
		}
		for w := range sc.state.Res.NCores {
			sc.dispatch(ctx, w)
		}
	})
}

// dispatch drains addr's ready stack and fires off asynchronous compute
// calls for anything that was just moved into processing. Each call runs
// on its own goroutine and reports its outcome back onto the actor's event
// channel, so the actor loop itself never blocks on worker I/O. The task
// body and dependency residency are snapshotted here, on the actor
// goroutine, before the I/O goroutine is spawned.
func (sc *Scheduler) dispatch(ctx context.Context, addr string) {
	if !sc.breaker.Allow(addr) {
		return
	}
	keys := sc.state.EnsureOccupied(addr)
	for _, key := range keys {
		task := sc.state.Graph.Tasks[key]
		whoHas := make(map[graph.Key][]string)
		for dep := range sc.state.Graph.Dependencies[key] {
			whoHas[dep] = sc.state.Res.WhoHas[dep].Slice()
		}
		go sc.computeOne(ctx, addr, key, task, whoHas)
	}
}

func (sc *Scheduler) computeOne(ctx context.Context, addr string, key graph.Key, task graph.Node, whoHas map[graph.Key][]string) {
	tracer := otel.Tracer("scheduler-dispatch")
	ctx, span := tracer.Start(ctx, "compute", trace.WithAttributes(
		attribute.String("worker", addr),
		attribute.String("key", string(key)),
	))
	defer span.End()

	// A raw literal never needs computing: push the value into the worker's
	// store and let it report the stored size.
	var resp collab.ComputeResponse
	var err error
	if task.Kind == graph.KindLiteral {
		var sizes map[graph.Key]int64
		sizes, err = sc.workers.UpdateData(ctx, addr, map[graph.Key]any{key: task.Literal})
		if err == nil {
			resp = collab.ComputeResponse{Status: collab.StatusOK, NBytes: sizes[key]}
		}
	} else {
		resp, err = sc.workers.Compute(ctx, addr, key, task, whoHas)
	}

	handle := func(ctx context.Context) {
		sc.breaker.Record(ctx, addr, err == nil && resp.Status == collab.StatusOK)
		if err != nil {
			sc.logger.Warn("compute call failed", "worker", addr, "key", key, "error", err)
			if sc.breaker.Tripped(addr) {
				lost, rmErr := sc.state.RemoveWorker(addr, true)
				if rmErr != nil {
					sc.logger.Error("heal after breaker trip failed", "worker", addr, "error", rmErr)
				}
				for _, k := range lost {
					sc.report(ctx, bus.Report{Op: "lost-key", Key: string(k)})
				}
				sc.report(ctx, bus.Report{Op: "worker-finished", Worker: addr})
			}
			return
		}
		switch resp.Status {
		case collab.StatusOK:
			sc.state.MarkTaskFinished(key, addr, resp.NBytes)
			sc.plugins.TaskFinished(ctx, key, addr, resp.NBytes)
			sc.report(ctx, bus.Report{Op: "key-in-memory", Key: string(key), Workers: []string{addr}})
		case collab.StatusError:
			blamed := sc.state.MarkTaskErred(key, addr, resp.Exception, resp.Traceback)
			sc.plugins.TaskErred(ctx, key, addr, resp.Exception)
			for _, k := range blamed {
				worker := ""
				if k == key {
					worker = addr
				}
				sc.report(ctx, bus.Report{Op: "task-erred", Key: string(k), Worker: worker, Exception: resp.Exception, Traceback: resp.Traceback})
			}
		case collab.StatusMissingData:
			sc.state.MarkMissingData(resp.Missing, key, addr)
			for _, m := range resp.Missing {
				sc.report(ctx, bus.Report{Op: "lost-key", Key: string(m)})
			}
		}
		for w := range sc.state.Res.NCores {
			sc.dispatch(ctx, w)
		}
	}
	select {
	case sc.events <- handle:
	case <-ctx.Done():
	}
}

// Restart clears all residency/processing state and asks the nannies (if
// wired) to kill and respawn each known worker in place, after which the
// workers re-register themselves.
func (sc *Scheduler) Restart(ctx context.Context) {
	sc.submit(ctx, func(ctx context.Context) {
		addrs := make([]string, 0, len(sc.state.Res.NCores))
		for addr := range sc.state.Res.NCores {
			addrs = append(addrs, addr)
		}
		if err := sc.state.Restart(); err != nil {
			sc.logger.Error("restart healing failed", "error", err)
		}
		sc.plugins.Restarted(ctx)
		sc.report(ctx, bus.Report{Op: "restart"})
		if sc.nanny == nil {
			return
		}
		var wg sync.WaitGroup
		for _, addr := range addrs {
			addr := addr
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := sc.nanny.Kill(ctx, addr); err != nil {
					sc.logger.Error("nanny kill failed", "worker", addr, "error", err)
					return
				}
				if err := sc.nanny.Instantiate(ctx, addr); err != nil {
					sc.logger.Error("nanny instantiate failed", "worker", addr, "error", err)
				}
			}()
		}
		wg.Wait()
	})
}

// ReleaseHeldData unpins keys previously held via UpdateGraph's wanted
// list or Scatter, letting them be garbage collected once nothing else
// needs them. Grounded on the release-held-data inbound op.
func (sc *Scheduler) ReleaseHeldData(ctx context.Context, keys []graph.Key) {
	sc.submit(ctx, func(ctx context.Context) {
		sc.state.ReleaseHeldData(keys)
		if sc.store == nil {
			return
		}
		for _, k := range keys {
			if err := sc.store.PutHeld(ctx, string(k), false); err != nil {
				sc.logger.Warn("held-data release persist failed", "key", k, "error", err)
			}
		}
	})
}

// RecoverHeld re-pins keys a previous process had marked held, loaded
// from the audit store before any graph is admitted, so a reference to an
// externally surviving key counts as held from the first update-graph on.
func (sc *Scheduler) RecoverHeld(ctx context.Context, keys []graph.Key) {
	sc.submit(ctx, func(context.Context) {
		for _, k := range keys {
			sc.state.HeldData.Add(k)
		}
	})
}

// NCores reports the declared core count of every known worker.
// Grounded on the ncores introspection op.
func (sc *Scheduler) NCores(ctx context.Context) map[string]int {
	out := make(map[string]int)
	sc.submit(ctx, func(context.Context) {
		for addr, n := range sc.state.Res.NCores {
			out[addr] = n
		}
	})
	return out
}

// WhoHas reports, for every in-memory key (or only the ones in keys, if
// non-empty), the set of workers currently holding it. Grounded on the
// who_has introspection op.
func (sc *Scheduler) WhoHas(ctx context.Context, keys []graph.Key) map[graph.Key][]string {
	out := make(map[graph.Key][]string)
	sc.submit(ctx, func(context.Context) {
		if len(keys) == 0 {
			for k, holders := range sc.state.Res.WhoHas {
				out[k] = holders.Slice()
			}
			return
		}
		for _, k := range keys {
			out[k] = sc.state.Res.WhoHas[k].Slice()
		}
	})
	return out
}

// HasWhat reports, for every known worker (or only the addresses given, if
// non-empty), the keys it currently holds. Grounded on the has_what
// introspection op.
func (sc *Scheduler) HasWhat(ctx context.Context, addresses []string) map[string][]graph.Key {
	out := make(map[string][]graph.Key)
	sc.submit(ctx, func(context.Context) {
		if len(addresses) == 0 {
			for addr, keys := range sc.state.Res.HasWhat {
				out[addr] = keys.Slice()
			}
			return
		}
		for _, addr := range addresses {
			out[addr] = sc.state.Res.HasWhat[addr].Slice()
		}
	})
	return out
}

// FeedConfig describes one feed subscription: Project runs on the actor
// goroutine every Interval and its result is pushed to the subscriber.
// Setup runs once before the first tick and its return value is threaded
// into every Project and the final Teardown call. Grounded on the feed
// inbound op's {function, setup?, teardown?, interval} payload.
type FeedConfig struct {
	Interval time.Duration
	Setup    func(*State) any
	Project  func(*State, any) any
	Teardown func(*State, any)
}

// Feed periodically pushes a projection of scheduler state to the returned
// channel until ctx is cancelled, then runs Teardown and closes the
// channel. A subscriber that cannot keep up misses ticks; the feed never
// stalls the actor waiting on a slow consumer.
func (sc *Scheduler) Feed(ctx context.Context, cfg FeedConfig) <-chan any {
	out := make(chan any, 1)
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	go func() {
		defer close(out)
		var setupState any
		if cfg.Setup != nil {
			sc.submit(ctx, func(context.Context) { setupState = cfg.Setup(sc.state) })
		}
		if cfg.Teardown != nil {
			defer func() {
				tctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				sc.submit(tctx, func(context.Context) { cfg.Teardown(sc.state, setupState) })
			}()
		}
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			var v any
			sc.submit(ctx, func(context.Context) { v = cfg.Project(sc.state, setupState) })
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- v:
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return out
}

// Terminate sends a best-effort close to every worker and reports
// stream-closed/close to observers. It changes no state and does not stop
// the actor loop: calls made afterwards still run, and the caller cancels
// the context passed to Run once in-flight dispatches have drained.
// Grounded on the terminate inbound op.
func (sc *Scheduler) Terminate(ctx context.Context) {
	sc.submit(ctx, func(ctx context.Context) {
		for addr := range sc.state.Res.NCores {
			addr := addr
			go func() {
				if err := sc.workers.Close(ctx, addr); err != nil {
					sc.logger.Debug("worker close failed, ignoring", "worker", addr, "error", err)
				}
			}()
		}
		sc.report(ctx, bus.Report{Op: "stream-closed"})
		sc.report(ctx, bus.Report{Op: "close"})
	})
}

// report fans an event out to every attached observer over the bus, and
// appends it to the audit store if one is wired in via WithStore (both
// are optional, so unit tests can run a bare Scheduler with no NATS or
// bbolt dependency).
func (sc *Scheduler) report(ctx context.Context, r bus.Report) {
	if sc.store != nil {
		if err := sc.store.AppendReport(ctx, r); err != nil {
			sc.logger.Warn("report append failed", "op", r.Op, "error", err)
		}
	}
	if sc.bus == nil {
		return
	}
	if err := sc.bus.Publish(ctx, r); err != nil {
		sc.logger.Warn("report publish failed", "op", r.Op, "error", err)
	}
}
