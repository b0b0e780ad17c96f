package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Message is an event read back from the stream.
type Message struct {
	ID    string
	Event Event
}

// Consumer reads events through a consumer group and acknowledges them.
type Consumer struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
}

// NewConsumer creates the group (and the stream) if needed.
func NewConsumer(ctx context.Context, client *redis.Client, stream, group, consumer string) (*Consumer, error) {
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", group, err)
	}
	return &Consumer{client: client, stream: stream, group: group, consumer: consumer}, nil
}

// Read returns up to count new messages. A negative block returns immediately
// when nothing is pending; zero blocks until a message arrives.
func (c *Consumer) Read(ctx context.Context, count int64, block time.Duration) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read from stream %s: %w", c.stream, err)
	}

	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			msg := Message{ID: m.ID}
			raw, _ := m.Values["data"].(string)
			if err := json.Unmarshal([]byte(raw), &msg.Event); err != nil {
				return out, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// Ack marks messages as processed.
func (c *Consumer) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack messages: %w", err)
	}
	return nil
}
