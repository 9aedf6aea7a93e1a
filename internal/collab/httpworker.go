package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/swarmguard/scheduler/internal/graph"
)

// HTTPWorkerClient is the default WorkerClient: one JSON-over-HTTP call per
// RPC, using a single connection-pooled http.Client. Grounded on the
// orchestrator's HTTPPlugin and HTTPTaskExecutor in plugins.go/
// task_executor.go, including their otel trace-context header injection,
// adapted here from "call an arbitrary webhook" to "call this specific
// worker's fixed RPC surface".
type HTTPWorkerClient struct {
	client *http.Client
}

// NewHTTPWorkerClient builds a client with the same pooling defaults the
// orchestrator's HTTP executors use.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	return &HTTPWorkerClient{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type headerCarrier http.Header

func (h headerCarrier) Get(key string) string { return http.Header(h).Get(key) }
func (h headerCarrier) Set(key, value string) { http.Header(h).Set(key, value) }
func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

func (c *HTTPWorkerClient) do(ctx context.Context, addr, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", addr, path), &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	propagation.TraceContext{}.Inject(ctx, headerCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker rpc to %s%s: %w", addr, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("worker %s%s returned status %d", addr, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// computeRequest carries one compute-task message: the key, the full task
// body, and where each of the task's dependencies currently lives.
type computeRequest struct {
	Key    string              `json:"key"`
	Task   graph.Node          `json:"task"`
	WhoHas map[string][]string `json:"who_has,omitempty"`
}

type computeWireResponse struct {
	Status    string   `json:"status"`
	NBytes    int64    `json:"nbytes"`
	Exception string   `json:"exception,omitempty"`
	Traceback string   `json:"traceback,omitempty"`
	Missing   []string `json:"missing,omitempty"`
}

func (c *HTTPWorkerClient) Compute(ctx context.Context, addr string, key graph.Key, task graph.Node, whoHas map[graph.Key][]string) (ComputeResponse, error) {
	tracer := otel.Tracer("scheduler-worker-client")
	ctx, span := tracer.Start(ctx, "worker.compute")
	defer span.End()

	req := computeRequest{Key: string(key), Task: task}
	if len(whoHas) > 0 {
		req.WhoHas = make(map[string][]string, len(whoHas))
		for k, ws := range whoHas {
			req.WhoHas[string(k)] = ws
		}
	}
	var wire computeWireResponse
	if err := c.do(ctx, addr, "/compute", req, &wire); err != nil {
		return ComputeResponse{}, err
	}
	resp := ComputeResponse{
		NBytes:    wire.NBytes,
		Exception: wire.Exception,
		Traceback: wire.Traceback,
	}
	switch wire.Status {
	case "ok":
		resp.Status = StatusOK
	case "missing-data":
		resp.Status = StatusMissingData
		for _, m := range wire.Missing {
			resp.Missing = append(resp.Missing, graph.Key(m))
		}
	default:
		resp.Status = StatusError
	}
	return resp, nil
}

type updateDataResponse struct {
	NBytes map[string]int64 `json:"nbytes"`
}

func (c *HTTPWorkerClient) UpdateData(ctx context.Context, addr string, data map[graph.Key]any) (map[graph.Key]int64, error) {
	payload := make(map[string]any, len(data))
	for k, v := range data {
		payload[string(k)] = v
	}
	var wire updateDataResponse
	if err := c.do(ctx, addr, "/update-data", payload, &wire); err != nil {
		return nil, err
	}
	nbytes := make(map[graph.Key]int64, len(wire.NBytes))
	for k, n := range wire.NBytes {
		nbytes[graph.Key(k)] = n
	}
	return nbytes, nil
}

func (c *HTTPWorkerClient) GetData(ctx context.Context, addr string, keys []graph.Key) (map[graph.Key]any, error) {
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = string(k)
	}
	var wire map[string]any
	if err := c.do(ctx, addr, "/get-data", strs, &wire); err != nil {
		return nil, err
	}
	out := make(map[graph.Key]any, len(wire))
	for k, v := range wire {
		out[graph.Key(k)] = v
	}
	return out, nil
}

func (c *HTTPWorkerClient) DeleteData(ctx context.Context, addr string, keys []graph.Key) error {
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = string(k)
	}
	return c.do(ctx, addr, "/delete-data", strs, nil)
}

func (c *HTTPWorkerClient) Close(ctx context.Context, addr string) error {
	return c.do(ctx, addr, "/close", nil, nil)
}

type pingRequest struct {
	Message string `json:"message"`
}

type pingResponse struct {
	Reply string `json:"reply"`
}

func (c *HTTPWorkerClient) Ping(ctx context.Context, addr, message string) (string, error) {
	var resp pingResponse
	if err := c.do(ctx, addr, "/ping", pingRequest{Message: message}, &resp); err != nil {
		return "", err
	}
	return resp.Reply, nil
}
