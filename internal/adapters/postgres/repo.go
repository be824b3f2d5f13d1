// Package postgres is the durable record store: bookings, queue entries,
// customers, salons, services, barbers and the notification outbox.
package postgres

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/salonflow/queue-service/internal/domain"
	"github.com/salonflow/queue-service/internal/observability"
)

const serializationFailureCode = "40001"

// querier is the statement surface shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn in a serializable transaction. Repository calls made with the
// context passed to fn join that transaction, so a multi-write operation
// commits or rolls back as one unit. The 40001 retry code is translated into
// domain.ErrSerializationFailure; a nested call reuses the open transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}

	start := time.Now()
	defer func() {
		observability.DBTxDuration.Observe(time.Since(start).Seconds())
	}()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return classifyTxError(err)
	}
	// Serialization conflicts can surface at commit as well.
	if err := tx.Commit(ctx); err != nil {
		return classifyTxError(err)
	}
	return nil
}

func classifyTxError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode {
		return domain.ErrSerializationFailure
	}
	return err
}

// db returns the open transaction carried by ctx, falling back to the pool.
func (r *Repository) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return r.pool
}

func (r *Repository) SaveBooking(ctx context.Context, b *domain.Booking) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO bookings (
			id, customer_id, salon_id, barber_id, service_id, booking_type, status,
			payment_status, payment_id, estimated_start_time, actual_start_time,
			actual_end_time, estimated_duration_minutes, queue_position, amount,
			special_requests, cancellation_reason, cancelled_at, cancelled_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
		ON CONFLICT (id) DO UPDATE SET
			barber_id = EXCLUDED.barber_id,
			status = EXCLUDED.status,
			payment_status = EXCLUDED.payment_status,
			payment_id = EXCLUDED.payment_id,
			estimated_start_time = EXCLUDED.estimated_start_time,
			actual_start_time = EXCLUDED.actual_start_time,
			actual_end_time = EXCLUDED.actual_end_time,
			queue_position = EXCLUDED.queue_position,
			cancellation_reason = EXCLUDED.cancellation_reason,
			cancelled_at = EXCLUDED.cancelled_at,
			cancelled_by = EXCLUDED.cancelled_by
	`, b.ID, b.CustomerID, b.SalonID, b.BarberID, b.ServiceID, b.Type, b.Status,
		b.PaymentStatus, b.PaymentID, b.EstimatedStartTime, b.ActualStartTime,
		b.ActualEndTime, b.EstimatedDurationMinutes, b.QueuePosition, b.Amount,
		b.SpecialRequests, b.CancellationReason, b.CancelledAt, b.CancelledBy, b.CreatedAt)
	return err
}

const bookingColumns = `
	id, customer_id, salon_id, barber_id, service_id, booking_type, status,
	payment_status, payment_id, estimated_start_time, actual_start_time,
	actual_end_time, estimated_duration_minutes, queue_position, amount,
	special_requests, cancellation_reason, cancelled_at, cancelled_by, created_at`

func scanBooking(row pgx.Row) (*domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.CustomerID, &b.SalonID, &b.BarberID, &b.ServiceID,
		&b.Type, &b.Status, &b.PaymentStatus, &b.PaymentID, &b.EstimatedStartTime,
		&b.ActualStartTime, &b.ActualEndTime, &b.EstimatedDurationMinutes,
		&b.QueuePosition, &b.Amount, &b.SpecialRequests, &b.CancellationReason,
		&b.CancelledAt, &b.CancelledBy, &b.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) BookingByID(ctx context.Context, id uuid.UUID) (*domain.Booking, error) {
	row := r.db(ctx).QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *Repository) collectBookings(rows pgx.Rows) ([]domain.Booking, error) {
	defer rows.Close()
	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (r *Repository) BookingsByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Booking, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE customer_id = $1 ORDER BY created_at DESC
	`, customerID)
	if err != nil {
		return nil, err
	}
	return r.collectBookings(rows)
}

func (r *Repository) ActiveBookingsBySalon(ctx context.Context, salonID uuid.UUID) ([]domain.Booking, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE salon_id = $1 AND status IN ('PENDING', 'CONFIRMED', 'IN_PROGRESS')
		ORDER BY created_at ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	return r.collectBookings(rows)
}

// OverdueConfirmedOnline returns confirmed online bookings whose estimated
// start is at or before the cutoff and that never actually started.
func (r *Repository) OverdueConfirmedOnline(ctx context.Context, cutoff time.Time) ([]domain.Booking, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE status = 'CONFIRMED' AND booking_type = 'ONLINE'
			AND estimated_start_time <= $1 AND actual_start_time IS NULL
		ORDER BY estimated_start_time ASC
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return r.collectBookings(rows)
}

func (r *Repository) SaveQueueEntry(ctx context.Context, e *domain.QueueEntry) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO queue_entries (
			id, salon_id, barber_id, booking_id, customer_name, service_name,
			position, estimated_wait_minutes, status, added_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			position = EXCLUDED.position,
			estimated_wait_minutes = EXCLUDED.estimated_wait_minutes,
			status = EXCLUDED.status
	`, e.ID, e.SalonID, e.BarberID, e.BookingID, e.CustomerName, e.ServiceName,
		e.Position, e.EstimatedWaitMinutes, e.Status, e.AddedAt)
	return err
}

const queueEntryColumns = `
	id, salon_id, barber_id, booking_id, customer_name, service_name,
	position, estimated_wait_minutes, status, added_at`

func scanQueueEntry(row pgx.Row) (*domain.QueueEntry, error) {
	var e domain.QueueEntry
	err := row.Scan(&e.ID, &e.SalonID, &e.BarberID, &e.BookingID, &e.CustomerName,
		&e.ServiceName, &e.Position, &e.EstimatedWaitMinutes, &e.Status, &e.AddedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// QueueEntryByBooking returns the booking's entry; at most one exists per
// booking by engine discipline.
func (r *Repository) QueueEntryByBooking(ctx context.Context, bookingID uuid.UUID) (*domain.QueueEntry, error) {
	row := r.db(ctx).QueryRow(ctx, `
		SELECT `+queueEntryColumns+` FROM queue_entries WHERE booking_id = $1
	`, bookingID)
	return scanQueueEntry(row)
}

func (r *Repository) QueueEntriesBySalon(ctx context.Context, salonID uuid.UUID) ([]domain.QueueEntry, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT `+queueEntryColumns+` FROM queue_entries
		WHERE salon_id = $1 ORDER BY position ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *Repository) MaxQueuePosition(ctx context.Context, salonID uuid.UUID) (int, error) {
	var max int
	err := r.db(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM queue_entries
		WHERE salon_id = $1 AND status IN ('WAITING', 'IN_SERVICE')
	`, salonID).Scan(&max)
	return max, err
}

func (r *Repository) CustomerByID(ctx context.Context, id uuid.UUID) (*domain.Customer, error) {
	return r.customerBy(ctx, `WHERE id = $1`, id)
}

func (r *Repository) CustomerByPhone(ctx context.Context, phone string) (*domain.Customer, error) {
	return r.customerBy(ctx, `WHERE phone = $1`, phone)
}

func (r *Repository) customerBy(ctx context.Context, where string, arg interface{}) (*domain.Customer, error) {
	var c domain.Customer
	err := r.db(ctx).QueryRow(ctx, `
		SELECT id, phone, full_name, no_show_count, total_bookings, is_active
		FROM customers `+where, arg).
		Scan(&c.ID, &c.Phone, &c.FullName, &c.NoShowCount, &c.TotalBookings, &c.IsActive)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) SaveCustomer(ctx context.Context, c *domain.Customer) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO customers (id, phone, full_name, no_show_count, total_bookings, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (id) DO UPDATE SET
			phone = EXCLUDED.phone,
			full_name = EXCLUDED.full_name,
			no_show_count = EXCLUDED.no_show_count,
			total_bookings = EXCLUDED.total_bookings,
			is_active = EXCLUDED.is_active
	`, c.ID, c.Phone, c.FullName, c.NoShowCount, c.TotalBookings, c.IsActive)
	return err
}

func (r *Repository) SalonByID(ctx context.Context, id uuid.UUID) (*domain.Salon, error) {
	var s domain.Salon
	err := r.db(ctx).QueryRow(ctx, `
		SELECT id, name, accepts_online_booking FROM salons WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.AcceptsOnlineBooking)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) SalonIDsWithLiveEntries(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT DISTINCT salon_id FROM queue_entries
		WHERE status IN ('WAITING', 'IN_SERVICE')
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) ServiceByID(ctx context.Context, id uuid.UUID) (*domain.Service, error) {
	var s domain.Service
	err := r.db(ctx).QueryRow(ctx, `
		SELECT id, salon_id, name, duration_minutes, price, is_active
		FROM services WHERE id = $1
	`, id).Scan(&s.ID, &s.SalonID, &s.Name, &s.DurationMinutes, &s.Price, &s.IsActive)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) BarberByID(ctx context.Context, id uuid.UUID) (*domain.Barber, error) {
	var b domain.Barber
	err := r.db(ctx).QueryRow(ctx, `
		SELECT id, salon_id, name, is_available, total_services
		FROM barbers WHERE id = $1
	`, id).Scan(&b.ID, &b.SalonID, &b.Name, &b.IsAvailable, &b.TotalServices)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Repository) SaveBarber(ctx context.Context, b *domain.Barber) error {
	_, err := r.db(ctx).Exec(ctx, `
		INSERT INTO barbers (id, salon_id, name, is_available, total_services)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_available = EXCLUDED.is_available,
			total_services = EXCLUDED.total_services
	`, b.ID, b.SalonID, b.Name, b.IsAvailable, b.TotalServices)
	return err
}

// AvailableBarbersByLoad orders by ascending total services: least busy first.
func (r *Repository) AvailableBarbersByLoad(ctx context.Context, salonID uuid.UUID) ([]domain.Barber, error) {
	rows, err := r.db(ctx).Query(ctx, `
		SELECT id, salon_id, name, is_available, total_services
		FROM barbers WHERE salon_id = $1 AND is_available
		ORDER BY total_services ASC
	`, salonID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Barber
	for rows.Next() {
		var b domain.Barber
		if err := rows.Scan(&b.ID, &b.SalonID, &b.Name, &b.IsAvailable, &b.TotalServices); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
