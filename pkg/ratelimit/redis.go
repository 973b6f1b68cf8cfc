package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voidsync/voidsync/pkg/contracts"
)

const redisKeyPrefix = "voidsync:rate:"

// RedisMirror keeps counters in a Redis hash per agent, for
// deployments where standing blocks must survive independently of the
// primary store.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror connects a mirror to the given Redis instance.
func NewRedisMirror(addr, password string, db int) *RedisMirror {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisMirror{client: rdb}
}

// NewRedisMirrorFromClient wraps an existing client (tests).
func NewRedisMirrorFromClient(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

func (m *RedisMirror) Save(ctx context.Context, c *contracts.RateCounter) error {
	fields := map[string]any{
		"agent_id":      c.AgentID,
		"request_count": c.RequestCount,
		"window_start":  c.WindowStart.UTC().Format(time.RFC3339Nano),
		"last_update":   c.LastUpdate.UTC().Format(time.RFC3339Nano),
		"max_requests":  c.Limit,
	}
	if c.BlockedUntil != nil {
		fields["blocked_until"] = c.BlockedUntil.UTC().Format(time.RFC3339Nano)
	}
	key := redisKeyPrefix + c.AgentID
	if err := m.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("%w: redis save: %v", contracts.ErrStorage, err)
	}
	if c.BlockedUntil == nil {
		// Drop the stale field so a cleared block does not resurrect.
		_ = m.client.HDel(ctx, key, "blocked_until").Err()
	}
	return nil
}

func (m *RedisMirror) LoadAll(ctx context.Context) ([]*contracts.RateCounter, error) {
	var counters []*contracts.RateCounter
	iter := m.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		fields, err := m.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis load: %v", contracts.ErrStorage, err)
		}
		counters = append(counters, counterFromFields(fields))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: redis scan: %v", contracts.ErrStorage, err)
	}
	return counters, nil
}

func (m *RedisMirror) Delete(ctx context.Context, agentID string) error {
	if err := m.client.Del(ctx, redisKeyPrefix+agentID).Err(); err != nil {
		return fmt.Errorf("%w: redis delete: %v", contracts.ErrStorage, err)
	}
	return nil
}

func counterFromFields(fields map[string]string) *contracts.RateCounter {
	c := &contracts.RateCounter{AgentID: fields["agent_id"]}
	c.RequestCount, _ = strconv.Atoi(fields["request_count"])
	c.Limit, _ = strconv.Atoi(fields["max_requests"])
	if t, err := time.Parse(time.RFC3339Nano, fields["window_start"]); err == nil {
		c.WindowStart = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["last_update"]); err == nil {
		c.LastUpdate = t
	}
	if v, ok := fields["blocked_until"]; ok && v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			c.BlockedUntil = &t
		}
	}
	return c
}
