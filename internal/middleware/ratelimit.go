package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the failed-auth budget of one client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of buckets kept in memory.
	DefaultMaxTrackedIPs = 10000

	sweepInterval = time.Minute
	idleTTL       = 5 * time.Minute
)

type failureBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles failed authentication attempts per client IP. Every
// IP gets a token bucket that holds maxPerMinute failures and refills at the
// same rate per minute. Idle buckets are swept in the background until Stop.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*failureBucket
	limit   rate.Limit
	burst   int
	maxIPs  int
	now     func() time.Time
	stop    context.CancelFunc
}

// NewRateLimiter starts a limiter allowing maxPerMinute failures per IP. Zero
// or less selects DefaultMaxAttemptsPerMinute.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets: make(map[string]*failureBucket),
		limit:   rate.Limit(float64(maxPerMinute) / time.Minute.Seconds()),
		burst:   maxPerMinute,
		maxIPs:  DefaultMaxTrackedIPs,
		now:     time.Now,
		stop:    cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// AllowFailure charges one failed attempt to ip and reports whether the IP
// is still within its budget.
func (rl *RateLimiter) AllowFailure(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	bucket, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxIPs {
			rl.evictIdlestLocked()
		}
		bucket = &failureBucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket.limiter.AllowN(now, 1)
}

// Tracked returns the number of IPs with a live bucket.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stop()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.sweep()
		}
	}
}

// sweep drops buckets idle for longer than idleTTL. A bucket idle that long
// has refilled completely, so forgetting it loses nothing.
func (rl *RateLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idleTTL)
	for ip, bucket := range rl.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) evictIdlestLocked() {
	var (
		idlest string
		oldest time.Time
	)
	for ip, bucket := range rl.buckets {
		if idlest == "" || bucket.lastSeen.Before(oldest) {
			idlest, oldest = ip, bucket.lastSeen
		}
	}
	delete(rl.buckets, idlest)
}

// ClientIP strips the port from an http.Request RemoteAddr.
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
