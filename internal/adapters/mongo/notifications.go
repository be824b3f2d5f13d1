package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/salonflow/queue-service/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// FeedStore holds rendered notifications so a customer can fetch their
// recent messages and unread count.
type FeedStore struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewFeedStore(db *mongo.Database, logger observability.Logger) *FeedStore {
	return &FeedStore{
		coll:   db.Collection("notifications"),
		logger: logger,
	}
}

type FeedItem struct {
	ID         uuid.UUID `bson:"_id" json:"id"`
	CustomerID uuid.UUID `bson:"customer_id" json:"customerId"`
	BookingID  uuid.UUID `bson:"booking_id" json:"bookingId"`
	Kind       string    `bson:"kind" json:"kind"`
	Title      string    `bson:"title" json:"title"`
	Message    string    `bson:"message" json:"message"`
	Read       bool      `bson:"read" json:"read"`
	CreatedAt  time.Time `bson:"created_at" json:"createdAt"`
}

func (f *FeedStore) Insert(ctx context.Context, item FeedItem) error {
	_, err := f.coll.InsertOne(ctx, item)
	if err != nil {
		f.logger.Error("failed to insert notification", err)
		return err
	}
	return nil
}

func (f *FeedStore) ListRecent(ctx context.Context, customerID uuid.UUID, limit int64) ([]FeedItem, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)
	cur, err := f.coll.Find(ctx, bson.M{"customer_id": customerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var items []FeedItem
	if err := cur.All(ctx, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (f *FeedStore) UnreadCount(ctx context.Context, customerID uuid.UUID) (int64, error) {
	return f.coll.CountDocuments(ctx, bson.M{"customer_id": customerID, "read": false})
}

func (f *FeedStore) MarkRead(ctx context.Context, customerID, id uuid.UUID) error {
	_, err := f.coll.UpdateOne(ctx,
		bson.M{"_id": id, "customer_id": customerID},
		bson.M{"$set": bson.M{"read": true}},
	)
	return err
}

func (f *FeedStore) MarkAllRead(ctx context.Context, customerID uuid.UUID) error {
	_, err := f.coll.UpdateMany(ctx,
		bson.M{"customer_id": customerID, "read": false},
		bson.M{"$set": bson.M{"read": true}},
	)
	return err
}
