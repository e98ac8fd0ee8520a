package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avandra/agora/pkg/schema"
)

// IsRetryableError classifies whether a failed step attempt should be
// retried. Typed errors decide via their code; network errors and step
// timeouts are retryable; a cancelled context is not.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var agErr *schema.AgoraError
	if errors.As(err, &agErr) {
		return agErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: retry and let the policy limit attempts.
	return true
}

// ComputeBackoff calculates the delay before the given retry attempt
// (0-based: the delay after the first failure is attempt 0). The delay
// doubles per attempt via the policy multiplier and is capped at MaxDelay.
func ComputeBackoff(policy schema.RetryPolicy, attempt int) time.Duration {
	if policy.InitialDelay <= 0 {
		return 0
	}
	delay := float64(policy.InitialDelay)
	mult := policy.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
		if policy.MaxDelay > 0 && delay >= float64(policy.MaxDelay) {
			return policy.MaxDelay
		}
	}
	d := time.Duration(delay)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		return policy.MaxDelay
	}
	return d
}

// WaitForBackoff sleeps for the delay or returns early when the context
// is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
