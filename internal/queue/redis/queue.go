// Package redis provides a Redis-backed work queue so multiple discovery
// instances can share one backlog. Items are JSON blobs on a list; BRPOP
// gives blocking hand-off without polling.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jobtrail/discovery/internal/pipeline"
)

// popTimeout bounds each BRPOP so Dequeue notices context cancellation.
const popTimeout = 2 * time.Second

// Queue is a Redis list shared by all instances of the service.
type Queue struct {
	client *redis.Client
	key    string
}

// New connects to Redis at the given URL and binds the queue to a list key.
func New(url, key string) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Queue{client: redis.NewClient(opts), key: key}, nil
}

// NewWithClient binds a queue to an existing client; tests use this.
func NewWithClient(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Enqueue pushes a work item onto the head of the list.
func (q *Queue) Enqueue(ctx context.Context, item pipeline.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush %s: %w", q.key, err)
	}
	return nil
}

// Dequeue blocks until an item is available or the context ends.
func (q *Queue) Dequeue(ctx context.Context) (pipeline.WorkItem, error) {
	for {
		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return pipeline.WorkItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			continue
		}
		if err != nil {
			return pipeline.WorkItem{}, fmt.Errorf("brpop %s: %w", q.key, err)
		}
		// BRPop returns [key, value].
		var item pipeline.WorkItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return pipeline.WorkItem{}, fmt.Errorf("unmarshal work item: %w", err)
		}
		return item, nil
	}
}

// Depth reports the number of waiting items.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", q.key, err)
	}
	return int(n), nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.client.Close()
}
