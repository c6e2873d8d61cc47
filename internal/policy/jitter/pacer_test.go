package jitter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUniformNextStaysInBounds(t *testing.T) {
	t.Parallel()

	u := NewUniform(time.Second, 3*time.Second)
	for i := 0; i < 1000; i++ {
		d := u.Next()
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestUniformNormalizesBounds(t *testing.T) {
	t.Parallel()

	u := NewUniform(3*time.Second, time.Second)
	require.Equal(t, time.Second, u.min)
	require.Equal(t, 3*time.Second, u.max)

	u = NewUniform(-time.Second, -time.Second)
	require.Zero(t, u.Next())
}

func TestUniformUsesDrawnDelay(t *testing.T) {
	t.Parallel()

	u := NewUniform(time.Second, 2*time.Second)
	u.draw = func(n int64) int64 {
		require.Equal(t, int64(time.Second)+1, n)
		return int64(250 * time.Millisecond)
	}
	var waited time.Duration
	u.after = func(d time.Duration) <-chan time.Time {
		waited = d
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	require.NoError(t, u.Wait(context.Background()))
	require.Equal(t, 1250*time.Millisecond, waited)
}

func TestUniformWaitCanceled(t *testing.T) {
	t.Parallel()

	u := NewUniform(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := u.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestZeroUniformDoesNotBlock(t *testing.T) {
	t.Parallel()

	u := NewUniform(0, 0)
	start := time.Now()
	require.NoError(t, u.Wait(context.Background()))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestNone(t *testing.T) {
	t.Parallel()

	require.NoError(t, None{}.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, None{}.Wait(ctx), context.Canceled)
}
