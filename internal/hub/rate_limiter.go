package hub

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter implements per-user token buckets for patient update triggers
// ARCHITECTURAL DISCOVERY: Per-client state tracking with proper cleanup prevents memory leaks
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimit
	now     func() time.Time
}

type clientLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perSecond sustained events per user with the given burst
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientLimit),
		now:     time.Now,
	}
}

// Allow reports whether userID may send another event now
func (rl *RateLimiter) Allow(userID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	c, exists := rl.clients[userID]
	if !exists {
		c = &clientLimit{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[userID] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Cleanup removes users idle for longer than idle
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for userID, c := range rl.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(rl.clients, userID)
			removed++
		}
	}
	return removed
}
