// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxamqp/amqp1/broker"
)

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, broker.New(broker.Config{}, nil, nil), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		checkBody      bool
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			checkBody:      true,
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.checkBody {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if response.Status != "healthy" {
					t.Errorf("expected status 'healthy', got %q", response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		broker         *broker.Broker
		expectedStatus int
		expectedState  string
	}{
		{
			name:           "ready with broker",
			broker:         broker.New(broker.Config{}, nil, nil),
			expectedStatus: http.StatusOK,
			expectedState:  "ready",
		},
		{
			name:           "not ready without broker",
			expectedStatus: http.StatusServiceUnavailable,
			expectedState:  "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.broker, slog.Default())

			req := httptest.NewRequest(http.MethodGet, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != tt.expectedState {
				t.Errorf("expected status %q, got %q", tt.expectedState, response.Status)
			}
		})
	}
}

func TestStatsEndpoint(t *testing.T) {
	stats := broker.NewStats()
	stats.IncrementConnections()
	stats.IncrementMessagesReceived()
	stats.IncrementMessagesReceived()
	stats.IncrementMessagesSent()
	stats.AddMessagesRequeued(3)
	stats.IncrementConsumers()

	server := New(Config{}, broker.New(broker.Config{}, stats, nil), slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response.TotalConnections != 1 {
		t.Errorf("expected 1 total connection, got %d", response.TotalConnections)
	}
	if response.CurrentConnections != 1 {
		t.Errorf("expected 1 current connection, got %d", response.CurrentConnections)
	}
	if response.MessagesReceived != 2 {
		t.Errorf("expected 2 messages received, got %d", response.MessagesReceived)
	}
	if response.MessagesSent != 1 {
		t.Errorf("expected 1 message sent, got %d", response.MessagesSent)
	}
	if response.MessagesRequeued != 3 {
		t.Errorf("expected 3 messages requeued, got %d", response.MessagesRequeued)
	}
	if response.Consumers != 1 {
		t.Errorf("expected 1 consumer, got %d", response.Consumers)
	}
	if response.UptimeSeconds < 0 {
		t.Errorf("expected non-negative uptime, got %d", response.UptimeSeconds)
	}
}

func TestStatsWithoutBroker(t *testing.T) {
	server := New(Config{}, nil, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/stats", nil)
	rec := httptest.NewRecorder()

	server.handleStats(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}
}

func TestContentTypeHeaders(t *testing.T) {
	server := New(Config{}, broker.New(broker.Config{}, nil, nil), slog.Default())

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "/health", handler: server.handleHealth},
		{name: "/ready", handler: server.handleReady},
		{name: "/stats", handler: server.handleStats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://test"+tt.name, nil)
			rec := httptest.NewRecorder()

			tt.handler(rec, req)

			contentType := rec.Header().Get("Content-Type")
			if contentType != "application/json" {
				t.Errorf("expected Content-Type application/json, got %q", contentType)
			}

			body, err := io.ReadAll(rec.Body)
			if err != nil {
				t.Fatalf("failed to read body: %v", err)
			}

			var data map[string]interface{}
			if err := json.Unmarshal(body, &data); err != nil {
				t.Errorf("response is not valid JSON: %v", err)
			}
		})
	}
}

func TestListen(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, broker.New(broker.Config{}, nil, nil), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
