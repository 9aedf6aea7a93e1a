// Command scheduler runs the dynamic task scheduler as a standalone
// process: it owns the graph/residency state machine and exposes a small
// HTTP control surface for worker registration and graph submission.
//
// Adapted from the orchestrator's cmd entrypoint in main.go: signal-driven
// shutdown, otel tracer/meter wiring, and a plain net/http mux rather than
// a framework, kept deliberately thin since the real work lives in
// internal/sched.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/swarmguard/scheduler/internal/bus"
	"github.com/swarmguard/scheduler/internal/collab"
	"github.com/swarmguard/scheduler/internal/graph"
	"github.com/swarmguard/scheduler/internal/obs"
	"github.com/swarmguard/scheduler/internal/plugin"
	"github.com/swarmguard/scheduler/internal/sched"
	"github.com/swarmguard/scheduler/internal/store"
)

const serviceName = "scheduler"

type registerWorkerRequest struct {
	Addr   string   `json:"addr"`
	Keys   []string `json:"keys,omitempty"`
	NCores int      `json:"ncores"`
}

type updateGraphRequest struct {
	Tasks        map[string]graph.Node `json:"tasks"`
	Wanted       []string              `json:"wanted"`
	Restrictions map[string][]string   `json:"restrictions,omitempty"`
	Loose        []string              `json:"loose_restrictions,omitempty"`
}

func toKeys(strs []string) []graph.Key {
	keys := make([]graph.Key, len(strs))
	for i, k := range strs {
		keys[i] = graph.Key(k)
	}
	return keys
}

func main() {
	logger := obs.InitLogging(serviceName)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer := obs.InitTracer(ctx, serviceName)
	shutdownMeter := obs.InitMetrics(ctx, serviceName)

	dbPath := os.Getenv("SCHED_STORE_PATH")
	if dbPath == "" {
		dbPath = "scheduler.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	var reportBus *bus.Bus
	if url := os.Getenv("SCHED_NATS_URL"); url != "" {
		b, err := bus.New(url, "scheduler.reports")
		if err != nil {
			logger.Warn("failed to connect to nats, running without a report bus", "error", err)
		} else {
			reportBus = b
			defer reportBus.Close()
		}
	}

	plugins := plugin.NewRegistry(logger)
	workerClient := collab.NewHTTPWorkerClient()

	sc := sched.NewScheduler(workerClient,
		sched.WithBus(reportBus),
		sched.WithStore(st),
		sched.WithPlugins(plugins),
		sched.WithLogger(logger),
	)

	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	go func() {
		if err := sc.Run(schedCtx); err != nil && err != context.Canceled {
			logger.Error("scheduler actor loop exited", "error", err)
		}
	}()

	if held, err := st.LoadHeld(ctx); err == nil {
		var keys []graph.Key
		for k, h := range held {
			if h {
				keys = append(keys, graph.Key(k))
			}
		}
		if len(keys) > 0 {
			sc.RecoverHeld(ctx, keys)
			logger.Info("recovered held keys from store", "count", len(keys))
		}
	} else {
		logger.Warn("failed to load held keys", "error", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/register-worker", func(w http.ResponseWriter, r *http.Request) {
		var req registerWorkerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sc.AddWorker(r.Context(), req.Addr, toKeys(req.Keys), req.NCores)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/remove-worker", func(w http.ResponseWriter, r *http.Request) {
		addr := r.URL.Query().Get("addr")
		if addr == "" {
			http.Error(w, "addr required", http.StatusBadRequest)
			return
		}
		sc.RemoveWorker(r.Context(), addr)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/update-graph", func(w http.ResponseWriter, r *http.Request) {
		var req updateGraphRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tasks := make(map[graph.Key]graph.Node, len(req.Tasks))
		for k, n := range req.Tasks {
			tasks[graph.Key(k)] = n
		}
		restrictions := make(map[graph.Key][]string, len(req.Restrictions))
		for k, v := range req.Restrictions {
			restrictions[graph.Key(k)] = v
		}
		loose := make(map[graph.Key]bool, len(req.Loose))
		for _, k := range req.Loose {
			loose[graph.Key(k)] = true
		}
		sc.UpdateGraph(r.Context(), tasks, toKeys(req.Wanted), restrictions, loose)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/update-data", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			WhoHas map[string][]string `json:"who_has"`
			NBytes map[string]int64    `json:"nbytes,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		whoHas := make(map[graph.Key][]string, len(req.WhoHas))
		for k, ws := range req.WhoHas {
			whoHas[graph.Key(k)] = ws
		}
		nbytes := make(map[graph.Key]int64, len(req.NBytes))
		for k, n := range req.NBytes {
			nbytes[graph.Key(k)] = n
		}
		sc.UpdateData(r.Context(), whoHas, nbytes)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/missing-data", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Missing []string `json:"missing"`
			Key     string   `json:"key,omitempty"`
			Worker  string   `json:"worker,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sc.MarkMissing(r.Context(), toKeys(req.Missing), graph.Key(req.Key), req.Worker)
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/restart", func(w http.ResponseWriter, r *http.Request) {
		sc.Restart(r.Context())
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/scatter", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data    map[string]any `json:"data"`
			Workers []string       `json:"workers,omitempty"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		data := make(map[graph.Key]any, len(req.Data))
		for k, v := range req.Data {
			data[graph.Key(k)] = v
		}
		placement := sc.Scatter(r.Context(), data, req.Workers)
		out := make(map[string]string, len(placement))
		for k, addr := range placement {
			out[string(k)] = addr
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/gather", func(w http.ResponseWriter, r *http.Request) {
		values := sc.Gather(r.Context(), toKeys(r.URL.Query()["key"]))
		out := make(map[string]any, len(values))
		for k, v := range values {
			out[string(k)] = v
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/broadcast", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(sc.Broadcast(r.Context(), req.Message))
	})
	mux.HandleFunc("/v1/release-held-data", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Keys []string `json:"keys"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		sc.ReleaseHeldData(r.Context(), toKeys(req.Keys))
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/v1/ncores", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(sc.NCores(r.Context()))
	})
	mux.HandleFunc("/v1/feed", func(w http.ResponseWriter, r *http.Request) {
		interval := time.Second
		if s := r.URL.Query().Get("interval_ms"); s != "" {
			if ms, err := strconv.Atoi(s); err == nil && ms > 0 {
				interval = time.Duration(ms) * time.Millisecond
			}
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		feed := sc.Feed(r.Context(), sched.FeedConfig{
			Interval: interval,
			Project: func(s *sched.State, _ any) any {
				return map[string]any{
					"workers":  len(s.Res.NCores),
					"in_play":  len(s.InPlay),
					"waiting":  len(s.Waiting),
					"resident": len(s.Res.WhoHas),
				}
			},
		})
		for snapshot := range feed {
			if err := enc.Encode(snapshot); err != nil {
				return
			}
			flusher.Flush()
		}
	})
	mux.HandleFunc("/v1/resources", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var req struct {
				Addr      string  `json:"addr"`
				CPU       float64 `json:"cpu"`
				MemoryPct float64 `json:"memory_pct"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			sc.MonitorResources(r.Context(), req.Addr, collab.ResourceSample{CPU: req.CPU, MemoryPct: req.MemoryPct})
			w.WriteHeader(http.StatusAccepted)
			return
		}
		_ = json.NewEncoder(w).Encode(sc.DiagnosticResources(r.URL.Query().Get("addr")))
	})
	mux.HandleFunc("/v1/who-has", func(w http.ResponseWriter, r *http.Request) {
		result := sc.WhoHas(r.Context(), toKeys(r.URL.Query()["key"]))
		out := make(map[string][]string, len(result))
		for k, workers := range result {
			out[string(k)] = workers
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/has-what", func(w http.ResponseWriter, r *http.Request) {
		result := sc.HasWhat(r.Context(), r.URL.Query()["addr"])
		out := make(map[string][]string, len(result))
		for addr, keys := range result {
			strs := make([]string, len(keys))
			for i, k := range keys {
				strs[i] = string(k)
			}
			out[addr] = strs
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/v1/reports", func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if s := r.URL.Query().Get("limit"); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 {
				limit = n
			}
		}
		reports, err := st.ListReports(r.Context(), limit)
		if err != nil {
			http.Error(w, "store error", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(reports)
	})
	mux.HandleFunc("/v1/terminate", func(w http.ResponseWriter, r *http.Request) {
		sc.Terminate(r.Context())
		w.WriteHeader(http.StatusAccepted)
		go cancel()
	})

	addr := os.Getenv("SCHED_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()
	logger.Info("scheduler started", "addr", addr)

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	schedCancel()
	obs.Flush(shutdownCtx, shutdownTracer)
	_ = shutdownMeter(shutdownCtx)
	logger.Info("shutdown complete")
}
