package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/maltedev/stories-scraper/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SpacesRequests(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	gate := NewGate(clk, 1500*time.Millisecond, 1500*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, gate.Wait(ctx))
	}

	assert.Equal(t, []time.Duration{0, 1500 * time.Millisecond, 1500 * time.Millisecond}, clk.Sleeps())
	assert.Equal(t, start.Add(3*time.Second), gate.Last())
}

func TestGate_NoWaitWhenIdleLongEnough(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(clk, time.Second, time.Second)

	require.NoError(t, gate.Wait(ctx))
	clk.Advance(5 * time.Second)
	require.NoError(t, gate.Wait(ctx))

	assert.Equal(t, []time.Duration{0, 0}, clk.Sleeps())
}

func TestGate_JitterStaysInRange(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(clk, time.Second, 2*time.Second)

	var prev time.Time
	for i := 0; i < 20; i++ {
		require.NoError(t, gate.Wait(ctx))
		if !prev.IsZero() {
			gap := gate.Last().Sub(prev)
			assert.GreaterOrEqual(t, gap, time.Second)
			assert.Less(t, gap, 3*time.Second)
		}
		prev = gate.Last()
	}
}

func TestGate_SetDelay(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	gate := NewGate(clk, time.Second, time.Second)

	require.NoError(t, gate.Wait(ctx))
	gate.SetDelay(3*time.Second, time.Second)
	require.NoError(t, gate.Wait(ctx))

	sleeps := clk.Sleeps()
	require.Len(t, sleeps, 2)
	assert.Equal(t, 3*time.Second, sleeps[1])
}

func TestGate_CanceledContext(t *testing.T) {
	clk := clock.NewFake(time.Now())
	gate := NewGate(clk, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, gate.Wait(ctx), context.Canceled)
	assert.True(t, gate.Last().IsZero())
}
