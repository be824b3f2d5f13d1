package domain

import (
	"time"

	"github.com/google/uuid"
)

// NoShowBlacklistThreshold is the no-show count at which a customer is blocked
// from creating new online bookings.
const NoShowBlacklistThreshold = 3

func NewOnlineBooking(customerID uuid.UUID, salon Salon, svc Service, barberID *uuid.UUID, estimatedStart time.Time, specialRequests string, now time.Time) Booking {
	return Booking{
		ID:                       uuid.New(),
		CustomerID:               customerID,
		SalonID:                  salon.ID,
		BarberID:                 barberID,
		ServiceID:                svc.ID,
		Type:                     BookingTypeOnline,
		Status:                   BookingPending,
		PaymentStatus:            PaymentPending,
		EstimatedStartTime:       estimatedStart,
		EstimatedDurationMinutes: svc.DurationMinutes,
		Amount:                   svc.Price,
		SpecialRequests:          specialRequests,
		CreatedAt:                now,
	}
}

// Walk-ins are confirmed immediately; payment is collected after service and
// settled outside this core.
func NewWalkInBooking(customerID uuid.UUID, salon Salon, svc Service, barberID *uuid.UUID, estimatedStart time.Time, now time.Time) Booking {
	return Booking{
		ID:                       uuid.New(),
		CustomerID:               customerID,
		SalonID:                  salon.ID,
		BarberID:                 barberID,
		ServiceID:                svc.ID,
		Type:                     BookingTypeWalkIn,
		Status:                   BookingConfirmed,
		PaymentStatus:            PaymentPending,
		EstimatedStartTime:       estimatedStart,
		EstimatedDurationMinutes: svc.DurationMinutes,
		Amount:                   svc.Price,
		CreatedAt:                now,
	}
}

func NewQueueEntry(b Booking, customerName, serviceName string, position, waitMinutes int, now time.Time) QueueEntry {
	return QueueEntry{
		ID:                   uuid.New(),
		SalonID:              b.SalonID,
		BarberID:             b.BarberID,
		BookingID:            b.ID,
		CustomerName:         customerName,
		ServiceName:          serviceName,
		Position:             position,
		EstimatedWaitMinutes: waitMinutes,
		Status:               QueueWaiting,
		AddedAt:              now,
	}
}

// IsLate reports whether the booking missed its estimated start by more than
// the grace period without the service having started.
func (b Booking) IsLate(graceMinutes int, now time.Time) bool {
	if b.ActualStartTime != nil || b.EstimatedStartTime.IsZero() {
		return false
	}
	return now.After(b.EstimatedStartTime.Add(time.Duration(graceMinutes) * time.Minute))
}

// RemainingServiceMinutes returns how many minutes of an in-progress service
// are still expected, never negative.
func (b Booking) RemainingServiceMinutes(now time.Time) int {
	if b.ActualStartTime == nil {
		return b.EstimatedDurationMinutes
	}
	elapsed := int(now.Sub(*b.ActualStartTime).Minutes())
	if remaining := b.EstimatedDurationMinutes - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

func (c Customer) IsBlacklisted() bool {
	return c.NoShowCount >= NoShowBlacklistThreshold
}

// Live reports whether the entry still occupies a queue slot.
func (q QueueEntry) Live() bool {
	return q.Status == QueueWaiting || q.Status == QueueInService
}
