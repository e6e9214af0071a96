package middleware

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultMaxAttemptsPerMinute is the default budget of failed auth
	// attempts per client IP.
	DefaultMaxAttemptsPerMinute = 10

	// DefaultMaxTrackedIPs bounds the number of per-IP buckets held in
	// memory at once.
	DefaultMaxTrackedIPs = 10000

	sweepInterval  = time.Minute
	staleThreshold = 5 * time.Minute
)

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles repeated failed authentication attempts per client
// IP. Successful requests are never counted; only failures consume budget.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*ipBucket
	maxPerMinute  int
	maxTrackedIPs int
	cancel        context.CancelFunc
}

// NewRateLimiter creates a per-IP failure limiter allowing maxPerMinute
// failed attempts. Pass 0 to use DefaultMaxAttemptsPerMinute. A background
// goroutine sweeps idle buckets until ctx is cancelled or Stop is called.
func NewRateLimiter(ctx context.Context, maxPerMinute int) *RateLimiter {
	if maxPerMinute <= 0 {
		maxPerMinute = DefaultMaxAttemptsPerMinute
	}
	ctx, cancel := context.WithCancel(ctx)
	rl := &RateLimiter{
		buckets:       make(map[string]*ipBucket),
		maxPerMinute:  maxPerMinute,
		maxTrackedIPs: DefaultMaxTrackedIPs,
		cancel:        cancel,
	}
	go rl.sweepLoop(ctx)
	return rl
}

// Allow reports whether ip may make another auth attempt. IPs with no
// recorded failures are always allowed; otherwise a token is consumed from
// the ip's bucket.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[ip]
	if !ok {
		return true
	}
	bucket.lastSeen = time.Now()
	return bucket.limiter.Allow()
}

// RecordFailureAndAllow charges one failed attempt to ip and reports whether
// the attempt was still within budget.
func (rl *RateLimiter) RecordFailureAndAllow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return rl.bucketLocked(ip).limiter.Allow()
}

func (rl *RateLimiter) bucketLocked(ip string) *ipBucket {
	now := time.Now()
	bucket, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxTrackedIPs {
			rl.evictOldestLocked()
		}
		bucket = &ipBucket{
			limiter: rate.NewLimiter(rate.Limit(float64(rl.maxPerMinute)/60.0), rl.maxPerMinute),
		}
		rl.buckets[ip] = bucket
	}
	bucket.lastSeen = now
	return bucket
}

// Stop cancels the background sweep goroutine.
func (rl *RateLimiter) Stop() {
	rl.cancel()
}

func (rl *RateLimiter) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.removeStale()
		}
	}
}

func (rl *RateLimiter) removeStale() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, bucket := range rl.buckets {
		if time.Since(bucket.lastSeen) > staleThreshold {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) evictOldestLocked() {
	var oldestIP string
	var oldest time.Time
	for ip, bucket := range rl.buckets {
		if oldestIP == "" || bucket.lastSeen.Before(oldest) {
			oldestIP = ip
			oldest = bucket.lastSeen
		}
	}
	if oldestIP != "" {
		delete(rl.buckets, oldestIP)
	}
}

// ExtractIP strips the port from a RemoteAddr string.
func ExtractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr // already just an IP
	}
	return host
}
