// Package redis holds the shared salon lock, the stats cache and the
// idempotency store.
package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

// SalonLock serializes queue mutations per salon across processes. The API
// server and the overdue worker contend on the same keys, so the lock lives
// in redis rather than in-process.
type SalonLock struct {
	client  *redis.Client
	owner   string
	ttl     time.Duration
	timeout time.Duration
	logger  observability.Logger
}

func NewSalonLock(client *redis.Client, ttl, timeout time.Duration, logger observability.Logger) *SalonLock {
	return &SalonLock{
		client:  client,
		owner:   uuid.NewString(),
		ttl:     ttl,
		timeout: timeout,
		logger:  logger,
	}
}

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Acquire polls SetNX until it wins or the timeout elapses, in which case it
// returns domain.ErrConcurrencyConflict. The returned func releases the lock
// only if this holder still owns it.
func (l *SalonLock) Acquire(ctx context.Context, salonID uuid.UUID) (func(), error) {
	key := "qlock:" + salonID.String()
	deadline := time.Now().Add(l.timeout)

	for {
		ok, err := l.client.SetNX(ctx, key, l.owner, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			release := func() { l.release(key) }
			return release, nil
		}
		if time.Now().After(deadline) {
			return nil, domain.ErrConcurrencyConflict
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// release deletes the key only while this holder still owns it. A failed or
// lost release means the guard stays taken until the TTL runs out, so both
// cases are logged for the operator.
func (l *SalonLock) release(key string) {
	res, err := unlockScript.Run(context.Background(), l.client, []string{key}, l.owner).Result()
	if err != nil {
		l.logger.WithField("lock_key", key).Warn("salon lock release failed", err)
		return
	}
	if n, ok := res.(int64); ok && n == 0 {
		l.logger.WithField("lock_key", key).Warn("salon lock expired before release")
	}
}
