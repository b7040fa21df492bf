package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Initial: 10 * time.Millisecond,
		Max:     80 * time.Millisecond,
		Factor:  2,
		Jitter:  0,
	}
}

func TestFirstWaitDoesNotBlock(t *testing.T) {
	b := New(testConfig())
	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Millisecond)
}

func TestWaitGrowsIntervalUpToMax(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.Wait(context.Background())) // consumes initial burst instantly
	assert.Equal(t, 20*time.Millisecond, b.Current())

	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 40*time.Millisecond, b.Current())

	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 80*time.Millisecond, b.Current())

	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 80*time.Millisecond, b.Current(), "must not exceed Max")
}

func TestResetReturnsToInitialInterval(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.Wait(context.Background()))
	require.NoError(t, b.Wait(context.Background()))
	assert.NotEqual(t, 10*time.Millisecond, b.Current())

	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.Current())

	start := time.Now()
	require.NoError(t, b.Wait(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Millisecond, "reset should restore the initial burst")
}

func TestWaitReturnsEarlyOnContextCancellation(t *testing.T) {
	b := New(testConfig())
	require.NoError(t, b.Wait(context.Background())) // burn the initial burst

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Wait(ctx)
	assert.Error(t, err)
}
