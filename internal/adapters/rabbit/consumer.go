package rabbit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/salonflow/queue-service/internal/observability"
)

const paymentsQueue = "payments.q"

type Consumer struct {
	ch *amqp.Channel
}

func NewConsumer(conn *amqp.Connection) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(paymentsQueue, true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	err = ch.QueueBind(paymentsQueue, "payment.completed", eventsExchange, false, nil)
	if err != nil {
		return nil, err
	}
	return &Consumer{ch: ch}, nil
}

// PaymentCompleted is the payload the payment provider emits once a charge
// clears. A completed payment confirms the booking and seats it in the queue.
type PaymentCompleted struct {
	BookingID uuid.UUID `json:"bookingId"`
	PaymentID string    `json:"paymentId"`
}

type BookingConfirmer interface {
	ConfirmBooking(ctx context.Context, bookingID uuid.UUID, paymentID string) error
}

// RunPaymentLoop consumes payment.completed events until the context is
// cancelled. Undecodable messages are rejected without requeue; handler
// failures are requeued for redelivery.
func (c *Consumer) RunPaymentLoop(ctx context.Context, confirmer BookingConfirmer, logger observability.Logger) error {
	deliveries, err := c.ch.Consume(paymentsQueue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var ev PaymentCompleted
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				logger.Error("undecodable payment event", err)
				d.Nack(false, false)
				continue
			}
			if err := confirmer.ConfirmBooking(ctx, ev.BookingID, ev.PaymentID); err != nil {
				logger.WithField("booking_id", ev.BookingID).Error("payment confirmation failed", err)
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
