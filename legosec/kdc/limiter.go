package kdc

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// hostLimiter applies a token bucket per remote host and evicts idle hosts.
type hostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byHost map[string]*hostEntry
	hits   uint64
}

type hostEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newHostLimiter returns nil, which allows everything, when rps or burst is
// not positive.
func newHostLimiter(rps float64, burst int, idleTTL time.Duration) *hostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &hostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byHost:  make(map[string]*hostEntry),
	}
}

func (l *hostLimiter) Allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	host = strings.TrimSpace(host)

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byHost[host]
	if !ok {
		e = &hostEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byHost[host] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byHost {
			if v.lastSeen.Before(cutoff) {
				delete(l.byHost, k)
			}
		}
	}
	return allowed
}

func (l *hostLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byHost)
}
