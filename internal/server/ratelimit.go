package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/raaihank/salesdash/internal/config"
)

const (
	limiterIdleTTL      = time.Hour
	limiterCleanupEvery = 30 * time.Minute
)

// rateLimiter keeps one token bucket per client IP
type rateLimiter struct {
	config  config.RateLimitConfig
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	perMin := max(cfg.RequestsPerMin, 1)
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		config:  cfg,
		limit:   rate.Every(time.Minute / time.Duration(perMin)),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow checks if a request from the given client IP is allowed
func (r *rateLimiter) Allow(clientIP string) bool {
	if !r.config.Enabled {
		return true
	}

	r.mu.Lock()
	c, ok := r.clients[clientIP]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.clients[clientIP] = c
	}
	c.lastSeen = time.Now()
	r.mu.Unlock()

	return c.limiter.Allow()
}

func (r *rateLimiter) retryAfterSeconds() int {
	seconds := int(time.Duration(float64(time.Second) / float64(r.limit)).Seconds())
	return max(seconds, 1)
}

// cleanup removes limiters of clients not seen since cutoff
func (r *rateLimiter) cleanup(cutoff time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for ip, c := range r.clients {
		if c.lastSeen.Before(cutoff) {
			delete(r.clients, ip)
		}
	}
}

// startCleanup drops idle clients periodically until the returned func is called
func (r *rateLimiter) startCleanup() func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(limiterCleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.cleanup(time.Now().Add(-limiterIdleTTL))
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
