package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/salonflow/queue-service/internal/queue"
)

// StatsCache keeps per-salon queue statistics so the dashboard read path
// does not recompute them on every request.
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{client: client, ttl: ttl}
}

func (c *StatsCache) Get(ctx context.Context, salonID uuid.UUID) (*queue.Stats, error) {
	val, err := c.client.Get(ctx, "qstats:"+salonID.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var stats queue.Stats
	if err := json.Unmarshal(val, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *StatsCache) Set(ctx context.Context, salonID uuid.UUID, stats queue.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "qstats:"+salonID.String(), data, c.ttl).Err()
}
