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

// Package health implements the liveness and readiness probes of the
// broker.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"

	// StatusDegraded means the broker answers but some operations will fail,
	// for example when no token is inserted.
	StatusDegraded Status = "degraded"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Name    string        `json:"name"`
	Status  Status        `json:"status"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CheckFunc performs a readiness check. It should return quickly.
type CheckFunc func(ctx context.Context) CheckResult

// Checker runs registered readiness checks and tracks startup.
type Checker struct {
	mu        sync.RWMutex
	started   bool
	startTime time.Time
	checks    map[string]CheckFunc
}

func NewChecker() *Checker {
	return &Checker{
		checks:    make(map[string]CheckFunc),
		startTime: time.Now(),
	}
}

// RegisterCheck adds or replaces the check called name.
func (c *Checker) RegisterCheck(name string, check CheckFunc) {
	if check == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// MarkStarted is called once the listener is accepting requests.
func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

// MarkStopping flips startup back off during shutdown.
func (c *Checker) MarkStopping() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = false
}

// Live reports that the process is running.
func (c *Checker) Live(context.Context) CheckResult {
	return CheckResult{
		Name:    "liveness",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("up %s", c.Uptime().Round(time.Second)),
	}
}

// Ready runs every registered check in name order. A broker that has not
// started is unhealthy regardless of its checks.
func (c *Checker) Ready(ctx context.Context) []CheckResult {
	c.mu.RLock()
	started := c.started
	names := make([]string, 0, len(c.checks))
	checks := make(map[string]CheckFunc, len(c.checks))
	for name, check := range c.checks {
		names = append(names, name)
		checks[name] = check
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make([]CheckResult, 0, len(names)+1)
	if !started {
		results = append(results, CheckResult{
			Name:    "startup",
			Status:  StatusUnhealthy,
			Message: "listener not started",
		})
	}
	for _, name := range names {
		start := time.Now()
		result := checks[name](ctx)
		result.Latency = time.Since(start)
		if result.Name == "" {
			result.Name = name
		}
		results = append(results, result)
	}
	return results
}

// Uptime returns the time since the checker was created.
func (c *Checker) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.startTime)
}

// AggregateStatus is unhealthy if any result is, else degraded if any
// result is, else healthy.
func AggregateStatus(results []CheckResult) Status {
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}
