// Package rabbit connects the service to the salon.events topic exchange.
package rabbit

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

const eventsExchange = "salon.events"

type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(eventsExchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch}, nil
}

// Publish routes the message by key, e.g. "notification.TURN_NEXT" or
// "booking.confirmed".
func (p *Publisher) Publish(ctx context.Context, key string, msg amqp.Publishing) error {
	return p.ch.PublishWithContext(ctx, eventsExchange, key, false, false, msg)
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
