// Package mongo stores the booking audit trail and the customer
// notification feed.
package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("booking_audit"),
		logger: logger,
	}
}

type TransitionLog struct {
	ID         uuid.UUID `bson:"_id"`
	BookingID  uuid.UUID `bson:"booking_id"`
	SalonID    uuid.UUID `bson:"salon_id"`
	CustomerID uuid.UUID `bson:"customer_id"`
	From       string    `bson:"from"`
	To         string    `bson:"to"`
	Timestamp  time.Time `bson:"timestamp"`
	Data       bson.M    `bson:"data"`
}

func (a *AuditLogger) LogTransition(ctx context.Context, b domain.Booking, from domain.BookingStatus) error {
	data := bson.M{
		"booking_type":   string(b.Type),
		"payment_status": string(b.PaymentStatus),
	}
	if b.QueuePosition != nil {
		data["queue_position"] = *b.QueuePosition
	}
	if b.CancellationReason != "" {
		data["cancellation_reason"] = b.CancellationReason
	}
	log := TransitionLog{
		ID:         uuid.New(),
		BookingID:  b.ID,
		SalonID:    b.SalonID,
		CustomerID: b.CustomerID,
		From:       string(from),
		To:         string(b.Status),
		Timestamp:  time.Now(),
		Data:       data,
	}
	_, err := a.coll.InsertOne(ctx, log)
	if err != nil {
		a.logger.Error("failed to insert transition log", err)
		return err
	}
	return nil
}

func (a *AuditLogger) BookingHistory(ctx context.Context, bookingID uuid.UUID) ([]TransitionLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := a.coll.Find(ctx, bson.M{"booking_id": bookingID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var logs []TransitionLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
