package api

import (
    "sync"

    "golang.org/x/time/rate"
)

// ingestLimiter caps location ingest calls per caller. One limiter per
// user id, created on first sight.
type ingestLimiter struct {
    mu       sync.Mutex
    limiters map[string]*rate.Limiter
    rps      rate.Limit
    burst    int
}

func newIngestLimiter(rps float64, burst int) *ingestLimiter {
    if rps <= 0 { rps = 1 }
    if burst <= 0 { burst = 1 }
    return &ingestLimiter{
        limiters: map[string]*rate.Limiter{},
        rps:      rate.Limit(rps),
        burst:    burst,
    }
}

func (l *ingestLimiter) allow(key string) bool {
    l.mu.Lock()
    lim := l.limiters[key]
    if lim == nil {
        lim = rate.NewLimiter(l.rps, l.burst)
        l.limiters[key] = lim
    }
    l.mu.Unlock()
    return lim.Allow()
}
