package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/salonflow/queue-service/internal/observability"
	"github.com/salonflow/queue-service/internal/rateLimit"
)

func SetupRouter(h *Handlers, logger observability.Logger, rl *rateLimit.RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(JWTMiddleware)
	r.Use(RateLimitMiddleware(rl))

	r.Group(func(r chi.Router) {
		r.Use(IdempotencyKeyMiddleware)
		r.Post("/v1/bookings", h.CreateBooking)
		r.Post("/v1/walkins", h.CreateWalkIn)
	})

	r.Post("/v1/bookings/{id}/confirm", h.ConfirmBooking)
	r.Post("/v1/bookings/{id}/start", h.StartService)
	r.Post("/v1/bookings/{id}/complete", h.CompleteService)
	r.Post("/v1/bookings/{id}/cancel", h.CancelBooking)
	r.Post("/v1/bookings/{id}/no-show", h.MarkNoShow)
	r.Post("/v1/bookings/{id}/late", h.LateArrival)
	r.Get("/v1/bookings/{id}/queue-status", h.GetQueueStatus)
	r.Get("/v1/bookings/{id}/history", h.GetBookingHistory)

	r.Get("/v1/salons/{id}/queue", h.GetSalonQueue)
	r.Get("/v1/salons/{id}/queue/stats", h.GetQueueStats)
	r.Get("/v1/salons/{id}/queue/ws", h.QueueWS)
	r.Get("/v1/salons/{id}/bookings", h.GetSalonBookings)

	r.Get("/v1/customers/{id}/bookings", h.GetCustomerBookings)
	r.Get("/v1/customers/{id}/notifications", h.GetNotifications)
	r.Post("/v1/customers/{id}/notifications/read", h.MarkAllNotificationsRead)
	r.Post("/v1/customers/{id}/notifications/{notificationId}/read", h.MarkNotificationRead)

	r.Post("/v1/payments/callback", h.PaymentCallback)
	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}
