// Package ratelimit guards the scoring API with a sliding-window limiter.
// With Redis configured the window is shared across instances; without it a
// local in-memory window covers the single-process case.
package ratelimit

import (
	"context"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Limiter answers whether a caller may submit another batch right now.
type Limiter struct {
	rdb      *redis.Client
	capacity int
	window   time.Duration

	mu    sync.Mutex
	local map[string][]time.Time
}

// New builds a limiter allowing capacity requests per window per key. A nil
// Redis client selects the in-memory window.
func New(rdb *redis.Client, capacity int, window time.Duration) *Limiter {
	return &Limiter{
		rdb:      rdb,
		capacity: capacity,
		window:   window,
		local:    make(map[string][]time.Time),
	}
}

// Sorted-set window: drop expired members, count, add if under capacity.
// Runs as one script so concurrent instances cannot double-admit.
const allowScript = `
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local capacity = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
	local count = redis.call('ZCARD', key)
	if count < capacity then
		redis.call('ZADD', key, now, now .. ':' .. redis.call('INCR', key .. ':seq'))
		redis.call('PEXPIRE', key, window_ms + 1000)
		return 1
	end
	return 0
`

// Allow records one request against the key's window and reports whether it
// fits. A Redis failure falls back to the local window rather than blocking
// scoring.
func (l *Limiter) Allow(ctx context.Context, key string) bool {
	if l.rdb == nil {
		return l.allowLocal(key)
	}

	now := time.Now()
	result, err := l.rdb.Eval(ctx, allowScript, []string{"ratelimit:" + key},
		float64(now.UnixMicro())/1e6,
		float64(now.Add(-l.window).UnixMicro())/1e6,
		l.capacity,
		l.window.Milliseconds(),
	).Result()
	if err != nil {
		return l.allowLocal(key)
	}
	n, ok := result.(int64)
	return ok && n == 1
}

func (l *Limiter) allowLocal(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := l.local[key][:0]
	for _, ts := range l.local[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.capacity {
		l.local[key] = kept
		return false
	}
	l.local[key] = append(kept, now)
	return true
}

// Reset clears a key's window.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if l.rdb == nil {
		l.mu.Lock()
		delete(l.local, key)
		l.mu.Unlock()
		return nil
	}
	return l.rdb.Del(ctx, "ratelimit:"+key, "ratelimit:"+key+":seq").Err()
}
