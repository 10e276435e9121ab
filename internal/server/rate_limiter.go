package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raaihank/fusion-encoder/internal/config"
)

// RateLimiter keeps one token bucket per client address
type RateLimiter struct {
	mu      sync.Mutex
	enabled bool
	limit   rate.Limit
	burst   int
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	r := &RateLimiter{clients: make(map[string]*clientLimiter)}
	r.apply(cfg)
	return r
}

func (r *RateLimiter) apply(cfg config.RateLimitConfig) {
	r.enabled = cfg.Enabled
	r.limit = rate.Limit(cfg.RequestsPerSecond)
	r.burst = cfg.Burst
}

// Allow checks if a request from the given client is allowed
func (r *RateLimiter) Allow(client string) bool {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return true
	}
	c, ok := r.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[client] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()

	return c.limiter.Allow()
}

// Update changes the limits for new and existing clients.
func (r *RateLimiter) Update(cfg config.RateLimitConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.apply(cfg)
	for _, c := range r.clients {
		c.limiter.SetLimit(r.limit)
		c.limiter.SetBurst(r.burst)
	}
}

// Clients returns the number of tracked clients.
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// CleanupOldBuckets forgets clients not seen since cutoff
func (r *RateLimiter) CleanupOldBuckets(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for client, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, client)
		}
	}
}

// StartCleanupRoutine drops idle clients every interval until ctx is done
func (r *RateLimiter) StartCleanupRoutine(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.CleanupOldBuckets(now.Add(-time.Hour))
		}
	}
}
