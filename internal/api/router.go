package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	Service      AppointmentService
	Cancellation CancellationNotifier
	Health       HealthReporter
	Dependencies []Dependency
	Logger       zerolog.Logger
	Env          string
	Version      string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	health := NewHealthHandler(cfg.Health, cfg.Dependencies, cfg.Env, cfg.Version)
	r.Get("/health", health.Status)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/scheduling", func(r chi.Router) {
		r.Post("/appointments", createAppointmentHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
		r.Put("/appointments/{id}", updateAppointmentHandler(cfg.Service))
		r.Delete("/appointments/{id}", cancelAppointmentHandler(cfg.Service, cfg.Cancellation, cfg.Logger))
		r.Get("/appointments/{id}/sync-logs", listSyncLogsHandler(cfg.Service))
		r.Get("/appointments/patient/{patientId}", listPatientAppointmentsHandler(cfg.Service))
		r.Get("/availability", availabilityHandler(cfg.Service))
	})

	return r
}
