// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tokenbroker.
//
// go-tokenbroker is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package ratelimit throttles inbound API calls per client with a token
// bucket. The broker listens on loopback, where every caller shares one
// address, so browser callers are keyed by their Origin.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per client key.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*client
	rate     rate.Limit
	burst    int
	enabled  bool
	maxIdle  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	Enabled bool

	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int

	// Burst defaults to RequestsPerMinute.
	Burst int

	// CleanupInterval defaults to 10 minutes.
	CleanupInterval time.Duration

	// MaxIdle defaults to 30 minutes.
	MaxIdle time.Duration
}

// New creates a limiter. A nil or disabled config allows everything.
func New(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}
	burst := config.Burst
	if burst <= 0 {
		burst = config.RequestsPerMinute
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	maxIdle := config.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 30 * time.Minute
	}

	l := &Limiter{
		limiters: make(map[string]*client),
		rate:     rate.Limit(float64(config.RequestsPerMinute) / 60.0),
		burst:    burst,
		enabled:  config.Enabled && config.RequestsPerMinute > 0,
		maxIdle:  maxIdle,
		stop:     make(chan struct{}),
	}
	if l.enabled {
		go l.cleanupWorker(cleanupInterval)
	}
	return l
}

func (l *Limiter) get(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.limiters[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = c
	}
	c.lastSeen = now
	return c.limiter
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	if !l.enabled {
		return true
	}
	return l.get(key, time.Now()).Allow()
}

// Wait blocks until key may make a request or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.enabled {
		return nil
	}
	return l.get(key, time.Now()).Wait(ctx)
}

func (l *Limiter) cleanupWorker(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			l.cleanup(now)
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.limiters {
		if now.Sub(c.lastSeen) > l.maxIdle {
			delete(l.limiters, key)
		}
	}
}

// Stop ends the cleanup worker. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *Limiter) IsEnabled() bool {
	return l.enabled
}

// Middleware rejects requests over the limit with reject, or with a plain
// 429 when reject is nil.
func Middleware(limiter *Limiter, reject http.HandlerFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(ClientKey(r)) {
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientKey identifies the caller: the Origin header for browser requests,
// otherwise the remote host.
func ClientKey(r *http.Request) string {
	if origin := r.Header.Get("Origin"); origin != "" {
		return "origin:" + origin
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
