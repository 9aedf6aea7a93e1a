package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// WorkerBreaker is a simple circuit breaker keyed by worker address. It
// counts every outcome recorded since the breaker was created or last
// closed; there is no time window. The dispatcher feeds it every
// compute-task round trip. When a call to a worker fails outright and
// leaves its breaker tripped, the dispatcher treats the worker as lost and
// calls RemoveWorker; a breaker tripped by task-error replies only blocks
// dispatch to that worker until the cooldown has passed.
type WorkerBreaker struct {
	mu          sync.Mutex
	breakers    map[string]*breaker
	minSamples  int
	failureRate float64
	cooldown    time.Duration
}

type breaker struct {
	successes, failures int
	state               state
	openedAt            time.Time
}

type state int

const (
	closed state = iota
	open
	halfOpen
)

// NewWorkerBreaker builds a breaker keyed by worker address.
func NewWorkerBreaker(minSamples int, failureRate float64, cooldown time.Duration) *WorkerBreaker {
	return &WorkerBreaker{
		breakers:    make(map[string]*breaker),
		minSamples:  minSamples,
		failureRate: failureRate,
		cooldown:    cooldown,
	}
}

// Allow reports whether a dispatch to addr should proceed.
func (wb *WorkerBreaker) Allow(addr string) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	b := wb.breakers[addr]
	if b == nil {
		return true
	}
	switch b.state {
	case open:
		if time.Since(b.openedAt) >= wb.cooldown {
			b.state = halfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Record reports the outcome of a dispatch round trip to addr.
func (wb *WorkerBreaker) Record(ctx context.Context, addr string, success bool) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	b := wb.breakers[addr]
	if b == nil {
		b = &breaker{}
		wb.breakers[addr] = b
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
	total := b.successes + b.failures
	if b.state == halfOpen {
		if success {
			*b = breaker{}
		} else {
			wb.trip(ctx, addr, b)
		}
		return
	}
	if total >= wb.minSamples && float64(b.failures)/float64(total) >= wb.failureRate {
		wb.trip(ctx, addr, b)
	}
}

// Tripped reports whether addr's breaker is currently open.
func (wb *WorkerBreaker) Tripped(addr string) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	b := wb.breakers[addr]
	return b != nil && b.state == open
}

// Forget drops breaker state for addr, e.g. once a worker is removed.
func (wb *WorkerBreaker) Forget(addr string) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	delete(wb.breakers, addr)
}

func (wb *WorkerBreaker) trip(ctx context.Context, addr string, b *breaker) {
	b.state = open
	b.openedAt = time.Now()
	meter := otel.Meter("scheduler-resilience")
	counter, _ := meter.Int64Counter("scheduler_worker_circuit_open_total")
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("worker", addr)))
}
