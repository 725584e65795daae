package engine

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

func TestNextAttempt_FixedBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 4, DelaySeconds: 3, Backoff: schema.BackoffFixed}

	for attempt := 1; attempt < 4; attempt++ {
		delay, ok := NextAttempt(policy, attempt)
		require.True(t, ok, "attempt %d should retry", attempt)
		assert.Equal(t, 3*time.Second, delay)
	}
}

func TestNextAttempt_ExponentialBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 5, DelaySeconds: 2, Backoff: schema.BackoffExponential}

	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, want := range expected {
		delay, ok := NextAttempt(policy, i+1)
		require.True(t, ok)
		assert.Equal(t, want, delay, "attempt %d", i+1)
	}
}

func TestNextAttempt_Exhausted(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 3, DelaySeconds: 1}

	_, ok := NextAttempt(policy, 3)
	assert.False(t, ok)
	_, ok = NextAttempt(policy, 7)
	assert.False(t, ok)
	_, ok = NextAttempt(nil, 1)
	assert.False(t, ok)
}

func TestNextAttempt_JitterRange(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 10, DelaySeconds: 4, Backoff: schema.BackoffExponential, Jitter: true}

	// Attempt 2 has base 8s; jittered delay must land in [base, 2*base).
	base := 8 * time.Second
	for i := 0; i < 200; i++ {
		delay, ok := NextAttempt(policy, 2)
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, base)
		assert.Less(t, delay, 2*base)
	}
}

func TestNextAttempt_ZeroDelay(t *testing.T) {
	policy := &schema.RetryPolicy{MaxAttempts: 2, DelaySeconds: 0, Jitter: true}
	delay, ok := NextAttempt(policy, 1)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), delay)
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: connection refused" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(context.DeadlineExceeded))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(fakeNetError{}))
	assert.True(t, IsRetryableError(errors.New("upstream exploded")))

	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeExecution, "boom")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeValidation, "bad config")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeCancelled, "shutting down")))
	assert.False(t, IsRetryableError(schema.NewError(schema.ErrCodeNoTransition, "stuck")))
}
