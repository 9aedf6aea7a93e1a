// Package resilience carries the scheduler's bounded-retry and circuit
// breaking primitives: the retry wraps calls to the center, and the
// breaker guards each worker's RPC endpoint. Nanny calls use neither. It is
// adapted from the orchestrator's libs/go/core/resilience package.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry runs fn with bounded exponential backoff, honoring ctx cancellation.
// Used for contacting the center registry per the timeout
// and "log and proceed" guidance in the concurrency model.
func Retry[T any](ctx context.Context, maxElapsed time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var result T
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	meter := otel.Meter("scheduler-resilience")
	attempts, _ := meter.Int64Counter("scheduler_collaborator_retry_attempts_total")
	failures, _ := meter.Int64Counter("scheduler_collaborator_retry_failures_total")

	op := func() error {
		attempts.Add(ctx, 1)
		v, err := fn()
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		failures.Add(ctx, 1)
		return zero, err
	}
	return result, nil
}
