package domain

import (
	"time"

	"github.com/google/uuid"
)

type BookingType string

const (
	BookingTypeOnline BookingType = "ONLINE"
	BookingTypeWalkIn BookingType = "WALKIN"
)

type BookingStatus string

const (
	BookingPending    BookingStatus = "PENDING"
	BookingConfirmed  BookingStatus = "CONFIRMED"
	BookingInProgress BookingStatus = "IN_PROGRESS"
	BookingCompleted  BookingStatus = "COMPLETED"
	BookingCancelled  BookingStatus = "CANCELLED"
	BookingNoShow     BookingStatus = "NO_SHOW"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

type QueueStatus string

const (
	QueueWaiting   QueueStatus = "WAITING"
	QueueInService QueueStatus = "IN_SERVICE"
	QueueCompleted QueueStatus = "COMPLETED"
	QueueSkipped   QueueStatus = "SKIPPED"
)

type Booking struct {
	ID                       uuid.UUID
	CustomerID               uuid.UUID
	SalonID                  uuid.UUID
	BarberID                 *uuid.UUID
	ServiceID                uuid.UUID
	Type                     BookingType
	Status                   BookingStatus
	PaymentStatus            PaymentStatus
	PaymentID                string
	EstimatedStartTime       time.Time
	ActualStartTime          *time.Time
	ActualEndTime            *time.Time
	EstimatedDurationMinutes int
	QueuePosition            *int
	Amount                   float64
	SpecialRequests          string
	CancellationReason       string
	CancelledAt              *time.Time
	CancelledBy              *uuid.UUID
	CreatedAt                time.Time
}

// QueueEntry is one salon's position slot for a live booking. Customer and
// service names are denormalized copies taken at insertion time.
type QueueEntry struct {
	ID                   uuid.UUID
	SalonID              uuid.UUID
	BarberID             *uuid.UUID
	BookingID            uuid.UUID
	CustomerName         string
	ServiceName          string
	Position             int
	EstimatedWaitMinutes int
	Status               QueueStatus
	AddedAt              time.Time
}

type Customer struct {
	ID            uuid.UUID
	Phone         string
	FullName      string
	NoShowCount   int
	TotalBookings int
	IsActive      bool
}

type Salon struct {
	ID                   uuid.UUID
	Name                 string
	AcceptsOnlineBooking bool
}

type Service struct {
	ID              uuid.UUID
	SalonID         uuid.UUID
	Name            string
	DurationMinutes int
	Price           float64
	IsActive        bool
}

type Barber struct {
	ID            uuid.UUID
	SalonID       uuid.UUID
	Name          string
	IsAvailable   bool
	TotalServices int
}

type NotificationKind string

const (
	NotifyBookingConfirmed NotificationKind = "BOOKING_CONFIRMED"
	NotifyServiceStarted   NotificationKind = "SERVICE_STARTED"
	NotifyTurnNext         NotificationKind = "TURN_NEXT"
	NotifyGetReady         NotificationKind = "GET_READY"
	NotifyQueueUpdate      NotificationKind = "QUEUE_UPDATE"
	NotifyLateArrival      NotificationKind = "LATE_ARRIVAL"
	NotifyBookingCancelled NotificationKind = "BOOKING_CANCELLED"
	NotifyReviewRequest    NotificationKind = "REVIEW_REQUEST"
)

// NotificationEvent is the payload handed to the notification port. Position
// is meaningful only for the queue-position kinds.
type NotificationEvent struct {
	Kind       NotificationKind
	CustomerID uuid.UUID
	BookingID  uuid.UUID
	SalonID    uuid.UUID
	Position   int
}
