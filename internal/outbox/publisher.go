// Package outbox drains staged notification events to the broker.
package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	"github.com/salonflow/queue-service/internal/observability"
)

const (
	batchSize = 50
	// maxPublishAttempts caps broker retries per record; after that the
	// record is marked FAILED and left for operator inspection.
	maxPublishAttempts = 5
)

type store interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]postgres.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	OldestUnpublishedAge(ctx context.Context, now time.Time) (time.Duration, error)
}

type broker interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

type Publisher struct {
	repo     store
	broker   broker
	logger   observability.Logger
	attempts map[uuid.UUID]int
}

func NewPublisher(repo store, broker broker, logger observability.Logger) *Publisher {
	return &Publisher{
		repo:     repo,
		broker:   broker,
		logger:   logger,
		attempts: make(map[uuid.UUID]int),
	}
}

// Run polls the outbox until the context is cancelled. Each record is
// published with routing key "notification.<kind>" and marked published only
// after the broker accepts it, so delivery is at-least-once.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

func (p *Publisher) drain(ctx context.Context) {
	records, err := p.repo.GetUnpublishedOutbox(ctx, batchSize)
	if err != nil {
		p.logger.Error("outbox fetch failed", err)
		return
	}
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.ID.String(),
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Body:        rec.Payload,
		}
		if err := p.broker.Publish(ctx, "notification."+rec.Kind, msg); err != nil {
			p.attempts[rec.ID]++
			if p.attempts[rec.ID] < maxPublishAttempts {
				p.logger.WithField("outbox_id", rec.ID).Warn("outbox publish failed, will retry", err)
				continue
			}
			p.logger.WithField("outbox_id", rec.ID).Error("outbox publish gave up", err)
			if err := p.repo.MarkFailed(ctx, rec.ID); err != nil {
				p.logger.WithField("outbox_id", rec.ID).Error("outbox mark failed", err)
			} else {
				delete(p.attempts, rec.ID)
			}
			continue
		}
		delete(p.attempts, rec.ID)
		if err := p.repo.MarkPublished(ctx, rec.ID, time.Now()); err != nil {
			p.logger.WithField("outbox_id", rec.ID).Error("outbox mark failed", err)
		}
	}

	if lag, err := p.repo.OldestUnpublishedAge(ctx, time.Now()); err == nil {
		observability.OutboxLag.Set(lag.Seconds())
	}
}
