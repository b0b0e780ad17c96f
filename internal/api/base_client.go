// Package api holds the clients for the external services the cache depends on:
// the Copernicus Climate Data Store for raw datasets and Open-Meteo for geocoding.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ClientConfig tunes the retry loop and the circuit breaker.
type ClientConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	Multiplier     float64
	BreakerTimeout time.Duration
}

// DefaultClientConfig suits an interactive CLI.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:        60 * time.Second,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		Multiplier:     2,
		BreakerTimeout: 30 * time.Second,
	}
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API error: status %d", e.Code)
	}
	return fmt.Sprintf("API error: status %d, body: %s", e.Code, e.Body)
}

// retryable reports whether the status is worth another attempt: server errors
// and rate limiting, never other client errors.
func (e *StatusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// BaseClient sends requests through a circuit breaker with exponential backoff.
type BaseClient struct {
	client         HTTPClient
	logger         *zap.Logger
	circuitBreaker *gobreaker.CircuitBreaker
	maxRetries     int
	retryDelay     time.Duration
	multiplier     float64
}

func NewBaseClient(name string, config ClientConfig, logger *zap.Logger) *BaseClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	breakerSettings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				zap.String("client", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BaseClient{
		client:         httpClient,
		logger:         logger,
		circuitBreaker: gobreaker.NewCircuitBreaker(breakerSettings),
		maxRetries:     config.MaxRetries,
		retryDelay:     config.RetryDelay,
		multiplier:     config.Multiplier,
	}
}

// WithHTTPClient replaces the transport, mostly for tests.
func (c *BaseClient) WithHTTPClient(client HTTPClient) *BaseClient {
	c.client = client
	return c
}

// Do sends the request and returns the response body of the first 2xx answer.
func (c *BaseClient) Do(ctx context.Context, method, url string, header http.Header, body []byte) ([]byte, error) {
	var out []byte
	err := c.Stream(ctx, method, url, header, body, func(r io.Reader) error {
		b, err := io.ReadAll(r)
		out = b
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stream is Do for large bodies: consume is called with each 2xx body, and is
// called again from scratch if the transfer fails and is retried.
func (c *BaseClient) Stream(ctx context.Context, method, url string, header http.Header, body []byte, consume func(io.Reader) error) error {
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doWithRetry(ctx, method, url, header, body, consume)
	})
	return err
}

func (c *BaseClient) doWithRetry(ctx context.Context, method, url string, header http.Header, body []byte, consume func(io.Reader) error) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.retryDelay) * math.Pow(c.multiplier, float64(attempt-1)))
			c.logger.Debug("Retrying request",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			c.logger.Warn("HTTP request failed",
				zap.String("url", url),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			err := consume(resp.Body)
			resp.Body.Close()
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				lastErr = err
				continue
			}

			c.logger.Debug("Request successful",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode))
			return nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		resp.Body.Close()
		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		lastErr = statusErr

		if !statusErr.retryable() {
			return statusErr
		}
	}

	return fmt.Errorf("max retries exceeded, last error: %w", lastErr)
}
