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

package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 10})
	defer limiter.Stop()

	if !limiter.IsEnabled() {
		t.Error("Expected limiter to be enabled")
	}
	if limiter.burst != 10 {
		t.Errorf("Expected burst 10, got %d", limiter.burst)
	}

	// Zero rate cannot be enforced and disables limiting
	if New(&Config{Enabled: true}).IsEnabled() {
		t.Error("Expected limiter without a rate to be disabled")
	}
	if New(nil).IsEnabled() {
		t.Error("Expected nil config to disable limiting")
	}
}

func TestAllow(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 5})
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("client") {
			t.Errorf("Request %d should be allowed (burst)", i+1)
		}
	}
	if limiter.Allow("client") {
		t.Error("Request should be denied after burst exhausted")
	}
	if !limiter.Allow("other") {
		t.Error("Other clients have their own bucket")
	}
	if limiter.Clients() != 2 {
		t.Errorf("Expected 2 tracked clients, got %d", limiter.Clients())
	}
}

func TestWait_ContextCancelled(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 1, Burst: 1})
	defer limiter.Stop()

	if err := limiter.Wait(context.Background(), "client"); err != nil {
		t.Fatalf("First wait should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "client"); err == nil {
		t.Error("Expected wait to fail once the deadline cannot be met")
	}
}

func TestDisabledLimiter(t *testing.T) {
	limiter := New(&Config{Enabled: false, RequestsPerMinute: 1})
	for i := 0; i < 100; i++ {
		if !limiter.Allow("client") {
			t.Fatal("Disabled limiter must allow everything")
		}
	}
	if err := limiter.Wait(context.Background(), "client"); err != nil {
		t.Errorf("Disabled limiter wait: %v", err)
	}
	limiter.Stop()
	limiter.Stop()
}

func TestCleanup(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, MaxIdle: time.Minute})
	defer limiter.Stop()

	limiter.Allow("stale")
	limiter.Allow("fresh")
	limiter.mu.Lock()
	limiter.limiters["stale"].lastSeen = time.Now().Add(-2 * time.Minute)
	limiter.mu.Unlock()

	limiter.cleanup(time.Now())
	if limiter.Clients() != 1 {
		t.Errorf("Expected 1 client after cleanup, got %d", limiter.Clients())
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/list-certificates", nil)
	r.RemoteAddr = "127.0.0.1:51234"
	if got := ClientKey(r); got != "addr:127.0.0.1" {
		t.Errorf("Unexpected key %q", got)
	}

	r.Header.Set("Origin", "https://sign.example.com")
	if got := ClientKey(r); got != "origin:https://sign.example.com" {
		t.Errorf("Unexpected key %q", got)
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "pipe"
	if got := ClientKey(r); got != "addr:pipe" {
		t.Errorf("Unexpected key %q", got)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 2})
	defer limiter.Stop()

	handler := Middleware(limiter, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/list-certificates", nil)
		req.Header.Set("Origin", "https://app.example.com")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Unexpected status codes %v", codes)
	}
}

func TestMiddleware_CustomReject(t *testing.T) {
	limiter := New(&Config{Enabled: true, RequestsPerMinute: 60, Burst: 1})
	defer limiter.Stop()

	rejected := false
	handler := Middleware(limiter, func(w http.ResponseWriter, r *http.Request) {
		rejected = true
		w.WriteHeader(http.StatusServiceUnavailable)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}
	if !rejected {
		t.Error("Expected custom reject handler to run")
	}
}
