package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postdispatch/internal/apierr"
)

func TestGate_DefaultBucketsAreRegistered(t *testing.T) {
	g := NewGate()
	assert.False(t, g.WouldExceed(APIClass, 1))
	assert.False(t, g.WouldExceed(OAuthClass, 1))
}

func TestGate_RecordConsumesCapacity(t *testing.T) {
	g := NewGate()
	g.Register("test", 3, time.Minute)

	remaining, err := g.Record("test", 1)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	remaining, err = g.Record("test", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}

func TestGate_WouldExceedDoesNotMutate(t *testing.T) {
	g := NewGate()
	g.Register("test", 2, time.Minute)

	assert.True(t, g.WouldExceed("test", 3))
	remaining, err := g.Record("test", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining, "WouldExceed must not have consumed capacity")
}

func TestGate_DeniesOverCapacity(t *testing.T) {
	g := NewGate()
	g.Register("test", 1, time.Minute)

	_, err := g.Record("test", 1)
	require.NoError(t, err)
	assert.True(t, g.WouldExceed("test", 1))
}

func TestGate_WindowResetsAfterElapsed(t *testing.T) {
	g := NewGate()
	g.Register("test", 1, 10*time.Millisecond)

	_, err := g.Record("test", 1)
	require.NoError(t, err)
	assert.True(t, g.WouldExceed("test", 1))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, g.WouldExceed("test", 1), "window should have reset")
}

func TestGate_UnregisteredClassAlwaysAdmits(t *testing.T) {
	g := NewGate()
	assert.False(t, g.WouldExceed("unknown-class", 1000))
	remaining, err := g.Record("unknown-class", 1000)
	require.NoError(t, err)
	assert.Equal(t, 1000, remaining)
}

func TestGate_WaitForAvailabilityReturnsImmediatelyWhenRoom(t *testing.T) {
	g := NewGate()
	g.Register("test", 5, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := g.WaitForAvailability(ctx, "test", 1)
	assert.NoError(t, err)
}

func TestGate_WaitForAvailabilityUnblocksOnWindowReset(t *testing.T) {
	g := NewGate()
	g.Register("test", 1, 20*time.Millisecond)
	_, err := g.Record("test", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	err = g.WaitForAvailability(ctx, "test", 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestGate_WaitForAvailabilityHonorsCancellation(t *testing.T) {
	g := NewGate()
	g.Register("test", 1, time.Hour)
	_, err := g.Record("test", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = g.WaitForAvailability(ctx, "test", 1)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindCancelled, apiErr.Kind)
}
