package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBackoff_Exponential(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 10, MaxMs: 50, MaxAttempts: 5}

	assert.Equal(t, 10*time.Millisecond, ComputeBackoff("k", 0, policy))
	assert.Equal(t, 20*time.Millisecond, ComputeBackoff("k", 1, policy))
	assert.Equal(t, 40*time.Millisecond, ComputeBackoff("k", 2, policy))
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff("k", 3, policy), "capped at MaxMs")
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff("k", 64, policy))
}

func TestComputeBackoff_JitterDeterministic(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 10, MaxMs: 1000, MaxJitterMs: 7, MaxAttempts: 3}

	a := ComputeBackoff("sub-1:evt-1", 1, policy)
	b := ComputeBackoff("sub-1:evt-1", 1, policy)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 20*time.Millisecond)
	assert.Less(t, a, 27*time.Millisecond)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 1, MaxMs: 2, MaxAttempts: 3}
	calls := 0

	attempts, err := Do(context.Background(), "k", policy, func(int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_GivesUp(t *testing.T) {
	policy := BackoffPolicy{BaseMs: 1, MaxMs: 1, MaxAttempts: 2}
	boom := errors.New("boom")

	attempts, err := Do(context.Background(), "k", policy, func(int) error { return boom })
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, attempts)
}

func TestDo_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	policy := BackoffPolicy{BaseMs: 1000, MaxMs: 1000, MaxAttempts: 3}

	attempts, err := Do(ctx, "k", policy, func(int) error { return errors.New("fail") })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
