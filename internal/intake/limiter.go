package intake

import (
	"sync"
	"time"
)

// limiter is the ingestion API's per-client sliding-window rate limiter.
// Each check prunes the client's timestamps older than the window first;
// a client whose list empties is deleted so idle clients hold no memory.
// Denials record nothing.
type limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
}

func newLimiter(limit int, window time.Duration) *limiter {
	return &limiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// Allow grants or denies one request from key at now.
func (l *limiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	list := prune(l.hits[key], now, l.window)
	if len(list) == 0 {
		delete(l.hits, key)
	} else {
		l.hits[key] = list
	}
	if len(list) >= l.limit {
		return false
	}
	l.hits[key] = append(list, now)
	return true
}

func prune(list []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(list) && !list[i].After(cutoff) {
		i++
	}
	return list[i:]
}
