// Package ratelimit implements the kernel's rate limiter (§4.3): a
// Redis-scripted sliding window is authoritative, backed by a local,
// best-effort fallback for the brief windows when the KV store is
// unavailable.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/time/rate"

	"github.com/claudebench/kernel/internal/domain"
	"github.com/claudebench/kernel/internal/kv"
	"github.com/claudebench/kernel/internal/scripts"
)

// Limiter enforces a sliding-window quota per (event, caller).
type Limiter struct {
	kv       *kv.Client
	scripts  *scripts.Library
	fallback *fallbackLimiter
}

// New builds a Limiter. fallbackBurst bounds how many admissions the local
// fallback grants per key while the KV store is unreachable.
func New(client *kv.Client, lib *scripts.Library, fallbackBurst int) *Limiter {
	return &Limiter{
		kv:       client,
		scripts:  lib,
		fallback: newFallbackLimiter(fallbackBurst),
	}
}

// Allow runs the scripted sliding-window check for (event, caller) against
// quota over window. On KV failure it falls back to the local, best-effort
// limiter rather than failing the call outright.
func (l *Limiter) Allow(ctx context.Context, event, caller string, quota int, window time.Duration) (domain.RateLimitDecision, error) {
	if caller == "" {
		caller = "_anon"
	}
	key := kv.Key("ratelimit", event, caller)
	now := time.Now()

	res, err := l.scripts.RateLimit.Run(ctx, l.kv.Pub(), []string{key},
		now.UnixMilli(), window.Milliseconds(), quota).Result()
	if err != nil {
		if l.fallback.Allow(event + ":" + caller) {
			return domain.RateLimitDecision{Allowed: true, Remaining: 0}, nil
		}
		return domain.RateLimitDecision{}, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return domain.RateLimitDecision{}, redis.Nil
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)
	retryAfterMS, _ := vals[2].(int64)

	return domain.RateLimitDecision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(retryAfterMS) * time.Millisecond,
	}, nil
}

// fallbackLimiter hands out a token-bucket rate.Limiter per key; the whole
// map is cleared once it holds more than 10000 keys, and it is not reset
// when the KV store recovers. It is never authoritative, only used to bound
// blast radius during an outage (§5 shared-resource policy).
type fallbackLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	burst    int
}

func newFallbackLimiter(burst int) *fallbackLimiter {
	if burst <= 0 {
		burst = 10
	}
	return &fallbackLimiter{limiters: make(map[string]*rate.Limiter), burst: burst}
}

func (f *fallbackLimiter) Allow(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.limiters) > 10000 {
		f.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := f.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), f.burst)
		f.limiters[key] = lim
	}
	return lim.Allow()
}
