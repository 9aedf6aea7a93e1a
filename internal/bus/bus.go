// Package bus carries the scheduler's outbound report fan-out: the
// stream-start/key-in-memory/task-erred/lost-key/restart/stream-closed/
// worker-finished/close events of spec.md §6. It is adapted from the
// orchestrator's libs/go/core/natsctx helper, generalized from a single
// publish/subscribe pair into a scheduler-scoped event bus.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Report is a single outbound event delivered to every attached observer.
type Report struct {
	Op        string   `json:"op"`
	Key       string   `json:"key,omitempty"`
	Workers   []string `json:"workers,omitempty"`
	Worker    string   `json:"worker,omitempty"`
	Exception string   `json:"exception,omitempty"`
	Traceback string   `json:"traceback,omitempty"`
}

// Bus fans reports out over the single NATS subject it was created with.
// Publish never retries and never blocks waiting on the broker: it returns
// the underlying error to the caller, which is expected to log it and move
// on rather than stall a mark_* transition on a slow or disconnected NATS
// server.
type Bus struct {
	nc      *nats.Conn
	subject string
}

// New connects to NATS at url and scopes all reports under subject.
func New(url, subject string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("scheduler-report-bus"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{nc: nc, subject: subject}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if b.nc != nil {
		_ = b.nc.Drain()
	}
}

// Publish injects the current trace context into NATS headers and publishes
// r, mirroring natsctx.Publish's propagation pattern.
func (b *Bus) Publish(ctx context.Context, r Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: b.subject, Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Subscribe registers handler for every report published on the bus's
// subject, extracting the publisher's trace context into a span the way
// natsctx.Subscribe does for consumer-side spans.
func (b *Bus) Subscribe(handler func(context.Context, Report)) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer("scheduler-bus")
		ctx, span := tr.Start(ctx, "bus.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()

		var r Report
		if err := json.Unmarshal(m.Data, &r); err != nil {
			span.RecordError(err)
			return
		}
		handler(ctx, r)
	})
}
