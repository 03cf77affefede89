package events

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// StreamAdder is the subset of a go-redis client the publisher needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// RedisPublisher appends events to a Redis stream, one entry per event.
type RedisPublisher struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisPublisher publishes to stream, trimming it to roughly maxLen
// entries. A maxLen of 0 disables trimming.
func NewRedisPublisher(client StreamAdder, stream string, maxLen int64) *RedisPublisher {
	return &RedisPublisher{client: client, stream: stream, maxLen: maxLen}
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	args := &goredis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"id":          evt.ID.String(),
			"type":        string(evt.Type),
			"occurred_at": evt.OccurredAt.Format(time.RFC3339Nano),
			"payload":     string(evt.Payload),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s to %s: %w", evt.Type, p.stream, err)
	}
	return nil
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
