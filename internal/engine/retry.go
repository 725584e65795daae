package engine

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/lanryweezy/bank-ai-orchestrator-sub002/pkg/schema"
)

// nonRetryableCodes are error codes that never trigger a retry regardless
// of the step's retry policy.
var nonRetryableCodes = map[string]bool{
	schema.ErrCodeValidation:        true,
	schema.ErrCodeNotFound:          true,
	schema.ErrCodeInvalidTransition: true,
	schema.ErrCodeNoTransition:      true,
	schema.ErrCodeCancelled:         true,
}

// IsRetryableError classifies whether a step failure should be retried.
// Timeouts and network errors are retryable; validation and cancellation
// are not. Unknown errors default to retryable and let the policy limit
// attempts.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Context cancelled means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return !nonRetryableCodes[engErr.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return true
}

var (
	jitterMu  sync.Mutex
	jitterRng = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NextAttempt computes the delay before retry attempt attemptNumber
// (1-based: attemptNumber is the attempt that just failed). Returns false
// when the policy's attempts are exhausted and the step's on_failure action
// should take over.
//
// fixed yields a constant delay_seconds; exponential yields
// delay_seconds * 2^(attemptNumber-1). With jitter the delay is the base
// plus a uniform random fraction of the base, so it lands in [base, 2*base).
func NextAttempt(policy *schema.RetryPolicy, attemptNumber int) (time.Duration, bool) {
	if policy == nil || attemptNumber >= policy.MaxAttempts {
		return 0, false
	}

	base := time.Duration(policy.DelaySeconds) * time.Second
	var delay time.Duration
	switch policy.Backoff {
	case schema.BackoffExponential:
		delay = base
		for i := 1; i < attemptNumber; i++ {
			delay *= 2
		}
	default:
		delay = base
	}

	if policy.Jitter && delay > 0 {
		jitterMu.Lock()
		delay += time.Duration(jitterRng.Int63n(int64(delay)))
		jitterMu.Unlock()
	}

	return delay, true
}
