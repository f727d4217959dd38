// Package ratelimit implements per-provider token bucket admission control.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/platefeed/recipe-harvester/internal/recipe"
)

// Status is a point-in-time view of one provider's bucket.
type Status struct {
	// Remaining is the number of whole tokens currently available.
	Remaining int
	// ResetAfter is the time until the next whole token becomes available.
	// It is zero when tokens remain, and clamped to the time needed to
	// refill the bucket from empty so a near-zero refill rate cannot
	// produce an absurd horizon.
	ResetAfter time.Duration
	// Limited is true when no whole token is available.
	Limited bool
}

// Config holds limiter defaults applied to providers that were never
// registered explicitly.
type Config struct {
	DefaultMaxTokens       int
	DefaultRefillPerSecond float64
}

// Limiter manages isolated token buckets per provider. The map lock only
// guards bucket lookup; each bucket synchronizes its own refill/decrement,
// so providers never contend with each other.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   recipe.Clock
	cfg     Config
}

type bucket struct {
	mu     sync.Mutex
	lim    *rate.Limiter
	max    int
	refill rate.Limit
}

// New creates a Limiter. All token arithmetic uses the supplied clock.
func New(clock recipe.Clock, cfg Config) *Limiter {
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 60
	}
	if cfg.DefaultRefillPerSecond <= 0 {
		cfg.DefaultRefillPerSecond = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		clock:   clock,
		cfg:     cfg,
	}
}

// Register creates (or replaces) the bucket for a provider. The bucket
// starts full.
func (l *Limiter) Register(providerID string, maxTokens int, refillPerSecond float64) {
	if maxTokens <= 0 {
		maxTokens = l.cfg.DefaultMaxTokens
	}
	b := &bucket{
		lim:    rate.NewLimiter(rate.Limit(refillPerSecond), maxTokens),
		max:    maxTokens,
		refill: rate.Limit(refillPerSecond),
	}
	l.mu.Lock()
	l.buckets[providerID] = b
	l.mu.Unlock()
}

// RegisterPolicy derives bucket parameters from a provider rate limit policy:
// the bucket holds one minute's worth of requests, refilled continuously.
func (l *Limiter) RegisterPolicy(providerID string, policy recipe.RateLimitPolicy) {
	maxTokens := policy.MaxRequestsPerMinute
	l.Register(providerID, maxTokens, float64(maxTokens)/60.0)
}

// TryAcquire attempts to take permits tokens from the provider's bucket. It
// never blocks; callers decide whether to wait and retry.
func (l *Limiter) TryAcquire(providerID string, permits int) bool {
	if permits <= 0 {
		permits = 1
	}
	b := l.bucket(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lim.AllowN(l.clock.Now(), permits)
}

// GetStatus reports the provider's remaining tokens and reset horizon.
func (l *Limiter) GetStatus(providerID string) Status {
	b := l.bucket(providerID)
	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := b.lim.TokensAt(l.clock.Now())
	if tokens < 0 {
		tokens = 0
	}
	if tokens > float64(b.max) {
		tokens = float64(b.max)
	}
	remaining := int(math.Floor(tokens))
	st := Status{Remaining: remaining, Limited: remaining == 0}
	if st.Limited && b.refill > 0 {
		need := 1 - (tokens - math.Floor(tokens))
		resetSeconds := need / float64(b.refill)
		if fullSeconds := float64(b.max) / float64(b.refill); resetSeconds > fullSeconds {
			resetSeconds = fullSeconds
		}
		st.ResetAfter = time.Duration(resetSeconds * float64(time.Second))
	}
	return st
}

// Reset refills the provider's bucket to capacity.
func (l *Limiter) Reset(providerID string) {
	b := l.bucket(providerID)
	b.mu.Lock()
	b.lim = rate.NewLimiter(b.refill, b.max)
	b.mu.Unlock()
}

func (l *Limiter) bucket(providerID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[providerID]
	if !ok {
		b = &bucket{
			lim:    rate.NewLimiter(rate.Limit(l.cfg.DefaultRefillPerSecond), l.cfg.DefaultMaxTokens),
			max:    l.cfg.DefaultMaxTokens,
			refill: rate.Limit(l.cfg.DefaultRefillPerSecond),
		}
		l.buckets[providerID] = b
	}
	return b
}
