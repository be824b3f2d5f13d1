// Package idempotency replays stored responses for repeated Idempotency-Key
// submissions on mutating endpoints.
package idempotency

import (
	"context"

	redisadapter "github.com/salonflow/queue-service/internal/adapters/redis"
)

type Idempotency struct {
	store *redisadapter.Idempotency
}

func NewIdempotency(store *redisadapter.Idempotency) *Idempotency {
	return &Idempotency{store: store}
}

type Response struct {
	Status int
	Result []byte
}

func (i *Idempotency) Get(ctx context.Context, key string) (*Response, error) {
	stored, err := i.store.Get(ctx, key)
	if err != nil || stored == nil {
		return nil, err
	}
	return &Response{Status: stored.Status, Result: stored.Body}, nil
}

func (i *Idempotency) Set(ctx context.Context, key string, resp Response) error {
	return i.store.Set(ctx, key, redisadapter.StoredResponse{
		Status: resp.Status,
		Body:   resp.Result,
	})
}
