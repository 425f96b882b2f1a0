// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestIPRateLimiter_Allow(t *testing.T) {
	// Create limiter with 5 requests per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	// First 2 requests should succeed (burst)
	if !limiter.Allow(addr) {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("Second request (within burst) should be allowed")
	}

	// Third request should be rate limited (burst exhausted, no tokens yet)
	if limiter.Allow(addr) {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	// Should be allowed now (token refilled)
	if !limiter.Allow(addr) {
		t.Error("Request after token refill should be allowed")
	}
}

func TestIPRateLimiter_DifferentIPs(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	addr1 := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}
	addr2 := &net.TCPAddr{IP: net.ParseIP("192.168.1.2"), Port: 1234}

	// First request from each IP should succeed
	if !limiter.Allow(addr1) {
		t.Error("First request from IP1 should be allowed")
	}
	if !limiter.Allow(addr2) {
		t.Error("First request from IP2 should be allowed")
	}

	// Second request from IP1 should be rate limited
	if limiter.Allow(addr1) {
		t.Error("Second request from IP1 should be rate limited")
	}
	// Second request from IP2 should also be rate limited
	if limiter.Allow(addr2) {
		t.Error("Second request from IP2 should be rate limited")
	}
}

func TestIPRateLimiter_NilAddr(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// Nil address should always be allowed
	if !limiter.Allow(nil) {
		t.Error("Nil address should be allowed")
	}
}

func TestLinkRateLimiter_Allow(t *testing.T) {
	limiter := NewLinkRateLimiter(1, 2)

	if !limiter.Allow("out") {
		t.Error("First delivery should be allowed")
	}
	if !limiter.Allow("out") {
		t.Error("Second delivery (within burst) should be allowed")
	}
	if limiter.Allow("out") {
		t.Error("Third delivery should be rate limited (burst exhausted)")
	}
	if !limiter.Allow("other") {
		t.Error("Another link has its own budget")
	}
}

func TestLinkRateLimiter_Unlimited(t *testing.T) {
	limiter := NewLinkRateLimiter(0, 0)

	for i := 0; i < 100; i++ {
		if !limiter.Allow("out") {
			t.Fatalf("Delivery %d should be allowed without a rate", i)
		}
	}
}

func TestLinkRateLimiter_Wait(t *testing.T) {
	limiter := NewLinkRateLimiter(1, 1)

	if err := limiter.Wait(context.Background(), "out"); err != nil {
		t.Fatalf("First wait should not block, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx, "out"); err == nil {
		t.Error("Second wait should fail before the next token")
	}
}

func TestLinkRateLimiter_RemoveLink(t *testing.T) {
	limiter := NewLinkRateLimiter(1, 1)

	if !limiter.Allow("out") {
		t.Error("First delivery should be allowed")
	}
	if limiter.Allow("out") {
		t.Error("Second delivery should be rate limited")
	}

	limiter.RemoveLink("out")

	if !limiter.Allow("out") {
		t.Error("First delivery after removal should be allowed (fresh limiter)")
	}
}

func TestManager_Disabled(t *testing.T) {
	cfg := Config{Enabled: false}
	manager := NewManager(cfg)

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	if !manager.AllowConnection(addr) {
		t.Error("AllowConnection should return true when disabled")
	}
	if err := manager.WaitDelivery(context.Background(), "out"); err != nil {
		t.Errorf("WaitDelivery should not fail when disabled, got %v", err)
	}
}

func TestManager_Enabled(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
		Delivery: DeliveryConfig{
			Enabled: true,
			Rate:    1,
			Burst:   1,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	if !manager.AllowConnection(addr) {
		t.Error("First connection should be allowed")
	}
	if manager.AllowConnection(addr) {
		t.Error("Second connection should be rate limited")
	}

	if err := manager.WaitDelivery(context.Background(), "out"); err != nil {
		t.Errorf("First delivery should not wait, got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := manager.WaitDelivery(ctx, "out"); err == nil {
		t.Error("Second delivery should be rate limited")
	}

	manager.OnLinkDetached("out")
	if err := manager.WaitDelivery(context.Background(), "out"); err != nil {
		t.Errorf("Delivery after detach should get a fresh limiter, got %v", err)
	}
}

func TestManager_SelectiveEnable(t *testing.T) {
	cfg := Config{
		Enabled: true,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            1,
			Burst:           1,
			CleanupInterval: time.Minute,
		},
	}
	manager := NewManager(cfg)
	defer manager.Stop()

	for i := 0; i < 10; i++ {
		if err := manager.WaitDelivery(context.Background(), "out"); err != nil {
			t.Fatalf("Delivery pacing is disabled, got %v", err)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name     string
		addr     net.Addr
		expected string
	}{
		{
			name:     "TCPAddr",
			addr:     &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234},
			expected: "192.168.1.1",
		},
		{
			name:     "UDPAddr",
			addr:     &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5678},
			expected: "10.0.0.1",
		},
		{
			name:     "Nil",
			addr:     nil,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := extractIP(tt.addr)
			if result != tt.expected {
				t.Errorf("extractIP(%v) = %q, want %q", tt.addr, result, tt.expected)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Enabled {
		t.Error("Default config should have Enabled=false")
	}
	if !cfg.Connection.Enabled {
		t.Error("Connection rate limiting should be enabled by default")
	}
	if !cfg.Delivery.Enabled {
		t.Error("Delivery rate limiting should be enabled by default")
	}
}
