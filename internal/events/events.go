// Package events publishes ingest and download outcomes to a Redis stream so other
// services can follow what the cache is doing.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"weathercache/internal/config"
)

// Event types.
const (
	TypeBulkItem = "bulk_item"
	TypeRebuild  = "rebuild"
	TypeDelete   = "delete"
)

// Event is one published outcome.
type Event struct {
	Type         string    `json:"type"`
	Batch        string    `json:"batch,omitempty"`
	Location     string    `json:"location,omitempty"`
	Status       string    `json:"status,omitempty"`
	ErrorClass   string    `json:"error_class,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	File         string    `json:"file,omitempty"`
	Observations int       `json:"observations"`
	Time         time.Time `json:"time"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// RedisPublisher appends events to a Redis stream under a single "data" field.
type RedisPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

// DefaultMaxLen bounds the stream length (approximately).
const DefaultMaxLen = 10000

// NewRedisPublisher connects to the configured server.
func NewRedisPublisher(cfg config.RedisConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisPublisherFromClient(client, cfg.Stream)
}

// NewRedisPublisherFromClient wraps an existing client.
func NewRedisPublisherFromClient(client *redis.Client, stream string) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: DefaultMaxLen}
}

// Open returns a RedisPublisher when an address is configured and Nop otherwise.
func Open(ctx context.Context, cfg config.RedisConfig) (Publisher, error) {
	if cfg.Addr == "" {
		return Nop{}, nil
	}
	p := NewRedisPublisher(cfg)
	if err := p.client.Ping(ctx).Err(); err != nil {
		_ = p.client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return p, nil
}

// Publish serializes e and appends it to the stream. A zero Time is set to now.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish %s event to %s: %w", e.Type, p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
