// Package notify renders notification events into customer-facing messages,
// records them in the feed and stages them on the outbox for the broker.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/adapters/mongo"
	"github.com/salonflow/queue-service/internal/adapters/postgres"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

// Lookup resolves the names a rendered message needs. The postgres
// repository satisfies it.
type Lookup interface {
	BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error)
	SalonByID(ctx context.Context, id uuid.UUID) (*domain.Salon, error)
	ServiceByID(ctx context.Context, id uuid.UUID) (*domain.Service, error)
}

type Outbox interface {
	InsertOutbox(ctx context.Context, record postgres.OutboxRecord) error
}

type Feed interface {
	Insert(ctx context.Context, item mongo.FeedItem) error
}

type Service struct {
	lookup Lookup
	outbox Outbox
	feed   Feed
	logger observability.Logger
	now    func() time.Time
}

func NewService(lookup Lookup, outbox Outbox, feed Feed, logger observability.Logger) *Service {
	return &Service{
		lookup: lookup,
		outbox: outbox,
		feed:   feed,
		logger: logger,
		now:    time.Now,
	}
}

// Notify renders the event, appends it to the customer feed and stages it on
// the outbox. The feed write is best effort; the outbox write is not.
func (s *Service) Notify(ctx context.Context, ev domain.NotificationEvent) error {
	title, message, err := s.render(ctx, ev)
	if err != nil {
		return err
	}

	item := mongo.FeedItem{
		ID:         uuid.New(),
		CustomerID: ev.CustomerID,
		BookingID:  ev.BookingID,
		Kind:       string(ev.Kind),
		Title:      title,
		Message:    message,
		CreatedAt:  s.now(),
	}
	if err := s.feed.Insert(ctx, item); err != nil {
		s.logger.WithField("booking_id", ev.BookingID).Warn("feed write failed", err)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"customerId": ev.CustomerID,
		"bookingId":  ev.BookingID,
		"salonId":    ev.SalonID,
		"kind":       string(ev.Kind),
		"title":      title,
		"message":    message,
		"position":   ev.Position,
	})
	if err != nil {
		return err
	}
	return s.outbox.InsertOutbox(ctx, postgres.OutboxRecord{
		ID:         uuid.New(),
		BookingID:  ev.BookingID,
		SalonID:    ev.SalonID,
		CustomerID: ev.CustomerID,
		Kind:       string(ev.Kind),
		Payload:    payload,
	})
}

func (s *Service) render(ctx context.Context, ev domain.NotificationEvent) (title, message string, err error) {
	salon, err := s.lookup.SalonByID(ctx, ev.SalonID)
	if err != nil {
		return "", "", err
	}

	switch ev.Kind {
	case domain.NotifyBookingConfirmed:
		serviceName, err := s.serviceName(ctx, ev.BookingID)
		if err != nil {
			return "", "", err
		}
		return "Booking Confirmed", fmt.Sprintf(
			"Your booking at %s has been confirmed! Service: %s, Queue position: #%d",
			salon.Name, serviceName, ev.Position), nil
	case domain.NotifyServiceStarted:
		return "Service Started", fmt.Sprintf("Your service at %s has started!", salon.Name), nil
	case domain.NotifyTurnNext:
		return "You're Next!", fmt.Sprintf("You're next at %s! Please be ready.", salon.Name), nil
	case domain.NotifyGetReady:
		return "Get Ready", fmt.Sprintf("Get ready! You're 2nd in queue at %s.", salon.Name), nil
	case domain.NotifyQueueUpdate:
		return "Queue Updated", fmt.Sprintf("Your position at %s moved to #%d", salon.Name, ev.Position), nil
	case domain.NotifyLateArrival:
		return "Queue Position Changed", fmt.Sprintf("You arrived late. Your position moved to end of queue at %s", salon.Name), nil
	case domain.NotifyBookingCancelled:
		return "Booking Cancelled", fmt.Sprintf("Your booking at %s has been cancelled.", salon.Name), nil
	case domain.NotifyReviewRequest:
		return "Rate Your Experience", fmt.Sprintf("How was your experience at %s? Please rate your service.", salon.Name), nil
	default:
		return string(ev.Kind), fmt.Sprintf("Update from %s", salon.Name), nil
	}
}

func (s *Service) serviceName(ctx context.Context, bookingID uuid.UUID) (string, error) {
	b, err := s.lookup.BookingByID(ctx, bookingID)
	if err != nil {
		return "", err
	}
	svc, err := s.lookup.ServiceByID(ctx, b.ServiceID)
	if err != nil {
		return "", err
	}
	return svc.Name, nil
}
