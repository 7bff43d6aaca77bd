package keystroke

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProfileCache keeps recently finalized profiles in Redis so repeated
// reads right after an analysis skip the relational store.
type ProfileCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewProfileCache creates a Redis-backed profile cache.
func NewProfileCache(client *redis.Client, ttl time.Duration) *ProfileCache {
	return &ProfileCache{
		client: client,
		prefix: "profile:",
		ttl:    ttl,
	}
}

func (c *ProfileCache) key(sessionID, id string) string {
	return c.prefix + sessionID + ":" + id
}

func (c *ProfileCache) latestKey(sessionID string) string {
	return c.prefix + sessionID + ":latest"
}

// Put caches p under its own key and as the session's latest profile.
func (c *ProfileCache) Put(ctx context.Context, p *Profile) error {
	if p.ID == "" || p.SessionID == "" {
		return fmt.Errorf("keystroke: missing pattern id or session id")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("keystroke: failed to marshal profile: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.key(p.SessionID, p.ID), data, c.ttl)
		pipe.Set(ctx, c.latestKey(p.SessionID), data, c.ttl)
		return nil
	})
	return err
}

func (c *ProfileCache) Get(ctx context.Context, sessionID, id string) (*Profile, error) {
	return c.get(ctx, c.key(sessionID, id))
}

func (c *ProfileCache) Latest(ctx context.Context, sessionID string) (*Profile, error) {
	return c.get(ctx, c.latestKey(sessionID))
}

func (c *ProfileCache) get(ctx context.Context, key string) (*Profile, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil // not cached
	}
	if err != nil {
		return nil, err
	}

	var p Profile
	if err := json.Unmarshal([]byte(val), &p); err != nil {
		return nil, fmt.Errorf("keystroke: failed to unmarshal profile: %w", err)
	}
	return &p, nil
}
