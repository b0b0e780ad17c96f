package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
)

func TestBaseClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewBaseClient("test", testClientConfig(), nil)
	body, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("Do() body = %q, want ok", body)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBaseClient_NoRetryOnClientError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{name: "not found", status: http.StatusNotFound, wantCalls: 1},
		{name: "unauthorized", status: http.StatusUnauthorized, wantCalls: 1},
		{name: "rate limited", status: http.StatusTooManyRequests, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewBaseClient("test", testClientConfig(), nil)
			_, err := c.Do(context.Background(), http.MethodGet, srv.URL, nil, nil)

			var statusErr *StatusError
			if !errors.As(err, &statusErr) || statusErr.Code != tt.status {
				t.Fatalf("Do() error = %v, want StatusError %d", err, tt.status)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBaseClient_CircuitBreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewBaseClient("test", testClientConfig(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Do(ctx, http.MethodGet, srv.URL, nil, nil); err == nil {
			t.Fatal("Do() expected error")
		}
	}

	_, err := c.Do(ctx, http.MethodGet, srv.URL, nil, nil)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("Do() error = %v, want open circuit", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (open breaker must not reach the server)", calls)
	}
}

func TestBaseClient_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewBaseClient("test", testClientConfig(), nil)
	_, err := c.Do(ctx, http.MethodGet, srv.URL, nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Do() error = %v, want context.Canceled", err)
	}
}
