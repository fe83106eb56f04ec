package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryStore keeps buckets in process. It is the single-process counterpart
// of RedisStore and gives the same all-or-nothing semantics across buckets.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *MemoryStore) limiter(b BucketKey) *rate.Limiter {
	l, ok := s.limiters[b.Key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.Bucket.RefillPerSecond), int(b.Bucket.Capacity))
		s.limiters[b.Key] = l
	}
	return l
}

// Take checks every bucket first and only charges when all can cover cost.
func (s *MemoryStore) Take(_ context.Context, buckets []BucketKey, cost int64, now time.Time) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := TakeResult{Allowed: true, Exhausted: -1, Remaining: -1}
	limiters := make([]*rate.Limiter, len(buckets))
	minTokens := math.Inf(1)

	for i, b := range buckets {
		l := s.limiter(b)
		limiters[i] = l
		tokens := l.TokensAt(now)
		if tokens < minTokens {
			minTokens = tokens
		}
		if tokens >= float64(cost) {
			continue
		}
		wait := int64(math.MaxInt32)
		if b.Bucket.RefillPerSecond > 0 {
			wait = int64(math.Ceil((float64(cost) - tokens) / b.Bucket.RefillPerSecond * 1000))
		}
		if res.Allowed || wait > res.WaitMs {
			res.WaitMs = wait
			res.Exhausted = i
		}
		res.Allowed = false
	}

	if !res.Allowed {
		if !math.IsInf(minTokens, 1) {
			res.Remaining = int64(math.Floor(minTokens))
		}
		return res, nil
	}
	for _, l := range limiters {
		l.AllowN(now, int(cost))
	}
	if !math.IsInf(minTokens, 1) {
		res.Remaining = int64(math.Floor(minTokens)) - cost
	}
	return res, nil
}

// Peek returns the current token count of one bucket.
func (s *MemoryStore) Peek(_ context.Context, bucket BucketKey, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(math.Floor(s.limiter(bucket).TokensAt(now))), nil
}
