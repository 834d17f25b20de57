// Package limits implements connection admission control: a two-level
// (global + per-IP) connection rate limiter and a static resource guard,
// both adapted from the teacher's internal/shared/limits package.
package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ConnectionRateLimiter provides DoS protection for the websocket upgrade
// path: a global token bucket bounds system-wide connection attempts, and
// a per-IP bucket bounds any single remote address.
type ConnectionRateLimiter struct {
	global *rate.Limiter

	ipMu    sync.Mutex
	ipRate  rate.Limit
	ipBurst int
	ipTTL   time.Duration
	ips     map[string]*ipBucket

	logger zerolog.Logger
}

type ipBucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewConnectionRateLimiter builds a limiter from explicit global and
// per-IP rate/burst settings.
func NewConnectionRateLimiter(globalPerSec float64, globalBurst int, ipPerSec float64, ipBurst int, ipTTL time.Duration, logger zerolog.Logger) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalPerSec), globalBurst),
		ipRate:  rate.Limit(ipPerSec),
		ipBurst: ipBurst,
		ipTTL:   ipTTL,
		ips:     make(map[string]*ipBucket),
		logger:  logger.With().Str("component", "connection_rate_limiter").Logger(),
	}
}

// Allow reports whether a new connection attempt from ip should be
// accepted: the global limit is checked first (cheap, no map lookup),
// then the per-IP limit.
func (c *ConnectionRateLimiter) Allow(ip string) bool {
	if !c.global.Allow() {
		c.logger.Debug().Str("ip", ip).Msg("connection rejected: global rate limit exceeded")
		return false
	}
	if !c.ipLimiter(ip).Allow() {
		c.logger.Debug().Str("ip", ip).Msg("connection rejected: per-ip rate limit exceeded")
		return false
	}
	return true
}

func (c *ConnectionRateLimiter) ipLimiter(ip string) *rate.Limiter {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()

	bucket, ok := c.ips[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(c.ipRate, c.ipBurst)}
		c.ips[ip] = bucket
	}
	bucket.lastAccess = time.Now()
	return bucket.limiter
}

// EvictStale removes per-IP buckets untouched since ipTTL, bounding
// memory growth under a churn of distinct remote addresses. Intended to
// be called periodically by a caller-owned ticker.
func (c *ConnectionRateLimiter) EvictStale() {
	c.ipMu.Lock()
	defer c.ipMu.Unlock()

	cutoff := time.Now().Add(-c.ipTTL)
	for ip, bucket := range c.ips {
		if bucket.lastAccess.Before(cutoff) {
			delete(c.ips, ip)
		}
	}
}
