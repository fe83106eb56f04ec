package ratelimit

import (
	"context"
	"time"
)

// BucketKey is one bucket participating in a check.
type BucketKey struct {
	Key    string
	Type   LimitType
	Bucket Bucket
}

// TakeResult is the outcome of an atomic multi-bucket take.
type TakeResult struct {
	Allowed bool
	// WaitMs is how long until the exhausted bucket can cover the cost.
	WaitMs int64
	// Exhausted is the index of the bucket that denied, or -1.
	Exhausted int
	// Remaining is the smallest token count across buckets after the take,
	// or -1 when the store did not report it.
	Remaining int64
}

// Store performs the token check and decrement. Implementations must be
// atomic across all buckets of one call: either every bucket is charged or
// none is.
type Store interface {
	Take(ctx context.Context, buckets []BucketKey, cost int64, now time.Time) (TakeResult, error)
	// Peek returns the current token count of a bucket without charging it.
	Peek(ctx context.Context, bucket BucketKey, now time.Time) (int64, error)
}
