package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OutboxRecord is a notification event staged for publication to the broker.
// Rows are written in the same store as the state change they describe and
// drained by the outbox publisher.
type OutboxRecord struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	SalonID     uuid.UUID
	CustomerID  uuid.UUID
	Kind        string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
	Status      string // NEW, PUBLISHED, FAILED
}

func (r *Repository) InsertOutbox(ctx context.Context, record OutboxRecord) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO outbox (id, booking_id, salon_id, customer_id, kind, payload_json, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'NEW')
	`, record.ID, record.BookingID, record.SalonID, record.CustomerID, record.Kind, record.Payload)
	return err
}

func (r *Repository) GetUnpublishedOutbox(ctx context.Context, limit int) ([]OutboxRecord, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id, booking_id, salon_id, customer_id, kind, payload_json, created_at, published_at, status
		FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		err := rows.Scan(&rec.ID, &rec.BookingID, &rec.SalonID, &rec.CustomerID, &rec.Kind, &rec.Payload, &rec.CreatedAt, &rec.PublishedAt, &rec.Status)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error {
	_, err := r.db(ctx).Exec(ctx, `
		UPDATE outbox SET status = 'PUBLISHED', published_at = $2 WHERE id = $1
	`, id, publishedAt)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx, `UPDATE outbox SET status = 'FAILED' WHERE id = $1`, id)
	return err
}

// OldestUnpublishedAge reports how far behind the publisher is running.
func (r *Repository) OldestUnpublishedAge(ctx context.Context, now time.Time) (time.Duration, error) {
	var oldest time.Time
	err := r.db(ctx).QueryRow(ctx, `
		SELECT created_at FROM outbox WHERE status = 'NEW' ORDER BY created_at ASC LIMIT 1
	`).Scan(&oldest)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return now.Sub(oldest), nil
}
