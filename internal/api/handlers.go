package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/adapter"
	"github.com/hackgods/appointment-sync/internal/appointment"
	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/observability"
	"github.com/hackgods/appointment-sync/internal/retry"
)

// AppointmentService is the orchestrator surface exposed over HTTP.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	UpdateAppointment(ctx context.Context, id uuid.UUID, in appointment.UpdateInput) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	GetAppointmentsByPatient(ctx context.Context, patientID string) ([]appointment.Appointment, error)
	CheckAvailability(ctx context.Context, filter adapter.AvailabilityFilter) ([]adapter.Slot, error)
	ListSyncLogs(ctx context.Context, id uuid.UUID) ([]appointment.SyncLog, error)
}

// CancellationNotifier publishes the cancelled event for cancellations made over HTTP.
type CancellationNotifier interface {
	Cancelled(ctx context.Context, appt *appointment.Appointment, reason string) error
}

func createAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		scheduledAt, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduledAt must be an RFC 3339 timestamp")
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), appointment.CreateInput{
			PatientID:      req.PatientID,
			ProfessionalID: req.ProfessionalID,
			ScheduledAt:    scheduledAt,
			Notes:          req.Notes,
			Metadata:       req.Metadata,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

func updateAppointmentHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		var req UpdateAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		in := appointment.UpdateInput{
			ProfessionalID: req.ProfessionalID,
			Notes:          req.Notes,
			Metadata:       req.Metadata,
		}
		if req.ScheduledAt != nil {
			scheduledAt, err := time.Parse(time.RFC3339, *req.ScheduledAt)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_scheduled_at", "scheduledAt must be an RFC 3339 timestamp")
				return
			}
			in.ScheduledAt = &scheduledAt
		}
		if req.Status != nil {
			status := appointment.AppointmentStatus(strings.ToUpper(*req.Status))
			in.Status = &status
		}
		if in.Empty() {
			writeError(w, http.StatusBadRequest, "empty_update", "at least one field must be provided")
			return
		}

		appt, err := svc.UpdateAppointment(r.Context(), id, in)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, appt)
	}
}

// cancelAppointmentHandler publishes the cancelled event itself; the
// orchestrator leaves that to whoever initiated the cancellation.
func cancelAppointmentHandler(svc AppointmentService, notifier CancellationNotifier, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		reason := r.URL.Query().Get("reason")

		appt, err := svc.CancelAppointment(r.Context(), id, reason)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		if notifier != nil {
			if err := notifier.Cancelled(r.Context(), appt, reason); err != nil {
				log := observability.LoggerFromContext(r.Context(), logger)
				log.Error().Err(err).Str("appointment_id", id.String()).Msg("failed to publish cancelled event")
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func listPatientAppointmentsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientID := chi.URLParam(r, "patientId")

		appointments, err := svc.GetAppointmentsByPatient(r.Context(), patientID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, appointments)
	}
}

func listSyncLogsHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}

		logs, err := svc.ListSyncLogs(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, logs)
	}
}

func availabilityHandler(svc AppointmentService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		start, err := parseDate(q.Get("startDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_start_date", "startDate must be YYYY-MM-DD or RFC 3339")
			return
		}
		end, err := parseDate(q.Get("endDate"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_end_date", "endDate must be YYYY-MM-DD or RFC 3339")
			return
		}

		slots, err := svc.CheckAvailability(r.Context(), adapter.AvailabilityFilter{
			StartDate:      start,
			EndDate:        end,
			ProfessionalID: q.Get("professionalId"),
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, slots)
	}
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// handleServiceError maps orchestrator errors to HTTP statuses. Anything that
// is not a known domain error came from the external system's transport.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, appointment.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrMissingExternalID):
		writeError(w, http.StatusNotFound, "appointment_not_synced", err.Error())
	case errors.Is(err, appointment.ErrAppointmentBusy):
		writeError(w, http.StatusConflict, "appointment_busy", "appointment is being modified, please retry shortly")
	case errors.Is(err, appointment.ErrBusinessRejection):
		writeError(w, http.StatusUnprocessableEntity, "rejected_by_external_system", err.Error())
	case errors.Is(err, breaker.ErrCircuitOpen):
		writeError(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
	case retry.IsExhausted(err), errors.Is(err, adapter.ErrUnexpectedStatus):
		writeError(w, http.StatusBadGateway, "external_system_error", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		log := observability.LoggerFromContext(r.Context(), zerolog.Nop())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
