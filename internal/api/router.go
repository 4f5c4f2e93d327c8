package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hackgods/telehealth-booking/internal/appointment"
	"github.com/hackgods/telehealth-booking/internal/auth"
	"github.com/hackgods/telehealth-booking/internal/notify"
)

type RouterConfig struct {
	Service        *appointment.Service
	Inbox          notify.Inbox
	Authenticator  *auth.Authenticator
	HealthChecks   map[string]Check
	AllowedOrigins []string // browser origins allowed on the notification stream
	Logger         *zap.Logger
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(cfg.Service, cfg.Inbox, cfg.AllowedOrigins, logger)

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(RecoverMiddleware(logger))

	// Public endpoints
	health := NewHealthHandler(cfg.HealthChecks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Get("/specialties", h.ListSpecialties)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Authenticator))

		r.Get("/available-slots", h.SearchAvailableSlots)
		r.Get("/available-dates", h.SearchAvailableDates)

		r.Get("/my-appointments", h.ListMyAppointments)
		r.Get("/appointments/{id}", h.GetAppointment)
		r.With(RequireRole(appointment.RolePatient, appointment.RoleSpecialist)).
			Post("/cancel", h.CancelAppointment)

		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/stream", h.StreamNotifications)
		r.Put("/notifications/{id}/read", h.MarkNotificationRead)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(appointment.RolePatient))
			r.Post("/book", h.BookAppointment)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(appointment.RoleSpecialist))
			r.Post("/availability", h.PublishAvailability)
			r.Get("/availability", h.GetAvailability)
			r.Get("/availability/range", h.ListAvailability)
			r.Post("/appointments/{id}/status", h.UpdateAppointmentStatus)
		})
	})

	return r
}
