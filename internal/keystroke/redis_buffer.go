package keystroke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBuffer keeps each session's events in a Redis list. Every append
// resets the key's TTL, so Redis itself expires abandoned buffers.
type RedisBuffer struct {
	client      *redis.Client
	prefix      string
	idleTimeout time.Duration
}

func NewRedisBuffer(client *redis.Client, idleTimeout time.Duration) *RedisBuffer {
	return &RedisBuffer{
		client:      client,
		prefix:      "keystrokes:",
		idleTimeout: idleTimeout,
	}
}

func (r *RedisBuffer) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisBuffer) Append(ctx context.Context, sessionID string, e Event) (int, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("keystroke: failed to marshal event: %w", err)
	}

	key := r.key(sessionID)
	var push *redis.IntCmd
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		push = pipe.RPush(ctx, key, data)
		if r.idleTimeout > 0 {
			pipe.Expire(ctx, key, r.idleTimeout)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("keystroke: append: %w", err)
	}

	return int(push.Val()), nil
}

func (r *RedisBuffer) Load(ctx context.Context, sessionID string) ([]Event, error) {
	vals, err := r.client.LRange(ctx, r.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("keystroke: load: %w", err)
	}

	events := make([]Event, 0, len(vals))
	for _, v := range vals {
		var e Event
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			return nil, fmt.Errorf("keystroke: failed to unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Trim relies on LTRIM removing the key once the list is empty.
func (r *RedisBuffer) Trim(ctx context.Context, sessionID string, n int) error {
	if err := r.client.LTrim(ctx, r.key(sessionID), int64(n), -1).Err(); err != nil {
		return fmt.Errorf("keystroke: trim: %w", err)
	}
	return nil
}

func (r *RedisBuffer) Clear(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, r.key(sessionID)).Err()
}

var _ BufferStore = (*RedisBuffer)(nil)
