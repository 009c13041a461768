// Package ratelimit hands out in-process token buckets keyed by tenant
// (or tenant+surface). Outbound LLM, web-search, and connector calls
// acquire a token before dialing.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/quillgraph/quillgraph-backend/internal/pkg/errs"
)

type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

// NewPerMinute builds a limiter refilling perMinute tokens per key.
func NewPerMinute(perMinute int, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{
		buckets: map[string]*rate.Limiter{},
		limit:   rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	return b
}

// Wait blocks until a token is available for key or the context ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := l.bucket(key).Wait(ctx); err != nil {
		return errs.WithKind(errs.ErrCanceled, err)
	}
	return nil
}

// Allow reports whether a token is immediately available for key.
func (l *Limiter) Allow(key string) bool {
	return l.bucket(key).Allow()
}
