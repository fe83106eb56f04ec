// Package retry computes exponential backoff with deterministic jitter and
// runs bounded retry loops.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// BackoffPolicy bounds a retry loop.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used for reliable event delivery: three attempts starting
// at 10ms.
func DefaultPolicy() BackoffPolicy {
	return BackoffPolicy{BaseMs: 10, MaxMs: 1000, MaxJitterMs: 5, MaxAttempts: 3}
}

// ComputeBackoff returns the delay before attempt (zero-based) for key.
// delay = min(base * 2^attempt, max) + jitter(key, attempt).
func ComputeBackoff(key string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := policy.BaseMs * factor
	if policy.MaxMs > 0 && delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+deterministicJitter(key, attempt, policy)) * time.Millisecond
}

// deterministicJitter spreads retries of different keys apart while keeping a
// given key's schedule reproducible.
func deterministicJitter(key string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(attempt)) //nolint:gosec // attempt is never negative
	hash := sha256.Sum256(append([]byte(key+":"), buf[:]...))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

// Do calls fn until it succeeds, the attempts run out or ctx ends. It returns
// the number of attempts made and the last error.
func Do(ctx context.Context, key string, policy BackoffPolicy, fn func(attempt int) error) (int, error) {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(ComputeBackoff(key, i-1, policy))
			select {
			case <-ctx.Done():
				timer.Stop()
				return i, ctx.Err()
			case <-timer.C:
			}
		}
		if err = fn(i); err == nil {
			return i + 1, nil
		}
	}
	return attempts, err
}
