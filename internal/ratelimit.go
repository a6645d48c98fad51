package internal

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter maintains a token bucket per upstream host. All throttled
// waits for a host go through the same bucket, so background workers and
// request-path fetches share one budget.
type HostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	base  rate.Limit
	burst int

	// cooldown is how long a widened limit stays in effect before the
	// original rate is restored.
	cooldown time.Duration
}

// NewHostLimiter creates a limiter allowing one request per interval per
// host, with the given burst.
func NewHostLimiter(interval time.Duration, burst int) *HostLimiter {
	if interval <= 0 {
		interval = time.Second
	}
	if burst < 1 {
		burst = 1
	}
	return &HostLimiter{
		limiters: map[string]*rate.Limiter{},
		base:     rate.Every(interval),
		burst:    burst,
		cooldown: time.Minute,
	}
}

func (l *HostLimiter) limiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.base, l.burst)
		l.limiters[host] = lim
	}
	return lim
}

// Wait blocks until a token is available for the host or the context ends.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if err := l.limiter(host).Wait(ctx); err != nil {
		return WithKind(KindCancelled, err)
	}
	return nil
}

// Allow reports whether a token is immediately available, consuming it if so.
func (l *HostLimiter) Allow(host string) bool {
	return l.limiter(host).Allow()
}

// Widen halves the host's rate for a cooldown window. Called when the
// upstream answers 429 or 403 so we back off without dropping to zero.
func (l *HostLimiter) Widen(host string) {
	lim := l.limiter(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	cur := lim.Limit()
	if cur <= l.base/2 {
		return // Already widened.
	}
	lim.SetLimit(cur / 2)
	lim.SetLimitAt(time.Now().Add(l.cooldown), l.base) // Restore.
	Log(context.Background()).Warn("widening rate limit", "host", host, "limit", cur/2)
}

// Limit returns the host's current rate, mostly for tests and stats.
func (l *HostLimiter) Limit(host string) rate.Limit {
	return l.limiter(host).Limit()
}
