package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerBreakerTripsAfterFailureRateExceeded(t *testing.T) {
	wb := NewWorkerBreaker(4, 0.5, time.Minute)
	ctx := context.Background()

	assert.True(t, wb.Allow("w1"))
	wb.Record(ctx, "w1", true)
	wb.Record(ctx, "w1", false)
	wb.Record(ctx, "w1", false)
	wb.Record(ctx, "w1", false)

	assert.True(t, wb.Tripped("w1"))
	assert.False(t, wb.Allow("w1"))
}

func TestWorkerBreakerStaysClosedBelowFailureRate(t *testing.T) {
	wb := NewWorkerBreaker(4, 0.5, time.Minute)
	ctx := context.Background()

	wb.Record(ctx, "w1", true)
	wb.Record(ctx, "w1", true)
	wb.Record(ctx, "w1", true)
	wb.Record(ctx, "w1", false)

	assert.False(t, wb.Tripped("w1"))
	assert.True(t, wb.Allow("w1"))
}

func TestWorkerBreakerHalfOpensAfterCooldown(t *testing.T) {
	wb := NewWorkerBreaker(2, 0.5, 10*time.Millisecond)
	ctx := context.Background()

	wb.Record(ctx, "w1", false)
	wb.Record(ctx, "w1", false)
	assert.True(t, wb.Tripped("w1"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, wb.Allow("w1"), "breaker should move to half-open and allow a probe after cooldown")
}

func TestForgetClearsBreakerState(t *testing.T) {
	wb := NewWorkerBreaker(2, 0.5, time.Minute)
	ctx := context.Background()
	wb.Record(ctx, "w1", false)
	wb.Record(ctx, "w1", false)
	require := assert.New(t)
	require.True(wb.Tripped("w1"))

	wb.Forget("w1")
	require.False(wb.Tripped("w1"))
	require.True(wb.Allow("w1"))
}
