package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/appointment-sync/internal/adapter"
	"github.com/hackgods/appointment-sync/internal/breaker"
	"github.com/hackgods/appointment-sync/internal/observability"
	redisclient "github.com/hackgods/appointment-sync/internal/redis"
	"github.com/hackgods/appointment-sync/internal/retry"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrMissingExternalID = errors.New("appointment has no external id")
	ErrBusinessRejection = errors.New("rejected by external scheduling system")
	ErrAppointmentBusy   = errors.New("appointment is being modified, please retry")
)

// EventEmitter publishes domain events produced by the service.
// Only updates are emitted here; the cancel and create paths publish at the call site.
type EventEmitter interface {
	AppointmentUpdated(ctx context.Context, appt *Appointment) error
}

type Service struct {
	repo    Repository
	adapter adapter.Adapter
	breaker *breaker.Breaker
	retrier *retry.Executor
	locker  redisclient.Locker
	events  EventEmitter
	logger  zerolog.Logger
	tracer  trace.Tracer
}

func NewService(
	repo Repository,
	adp adapter.Adapter,
	cb *breaker.Breaker,
	retrier *retry.Executor,
	locker redisclient.Locker,
	events EventEmitter,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:    repo,
		adapter: adp,
		breaker: cb,
		retrier: retrier,
		locker:  locker,
		events:  events,
		logger:  logger.With().Str("component", "appointment_service").Logger(),
		tracer:  otel.Tracer("github.com/hackgods/appointment-sync/internal/appointment"),
	}
}

func (s *Service) AdapterName() string {
	return s.adapter.Name()
}

// CreateAppointment books the appointment in the external system first and only
// persists it locally once the external id is known.
func (s *Service) CreateAppointment(ctx context.Context, in CreateInput) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.create", trace.WithAttributes(
		attribute.String("patient.id", in.PatientID),
		attribute.String("adapter", s.adapter.Name()),
	))
	defer func() { endSpan(span, err) }()

	in.PatientID = strings.TrimSpace(in.PatientID)
	if in.PatientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrValidation)
	}
	if in.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduledAt is required", ErrValidation)
	}

	req := adapter.CreateRequest{
		PatientID:      in.PatientID,
		ProfessionalID: in.ProfessionalID,
		ScheduledAt:    in.ScheduledAt.UTC(),
		Notes:          in.Notes,
		Metadata:       in.Metadata,
	}

	res, err := s.callAdapter(ctx, func(ctx context.Context) (*adapter.Result, error) {
		return s.adapter.CreateAppointment(ctx, req)
	})
	if err != nil {
		s.recordSync(ctx, nil, OperationCreate, req, nil, err)
		return nil, fmt.Errorf("create appointment: %w", err)
	}
	if !res.Success || res.ExternalID == "" {
		rejErr := rejection(res)
		s.recordSync(ctx, nil, OperationCreate, req, res, rejErr)
		return nil, rejErr
	}

	now := time.Now().UTC()
	externalID := res.ExternalID
	appt = &Appointment{
		ID:             uuid.New(),
		ExternalID:     &externalID,
		AdapterType:    s.adapter.Name(),
		PatientID:      in.PatientID,
		ProfessionalID: optionalString(in.ProfessionalID),
		ScheduledAt:    in.ScheduledAt.UTC(),
		Status:         StatusConfirmed,
		Notes:          optionalString(in.Notes),
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if appt.Metadata == nil && res.Appointment != nil {
		appt.Metadata = res.Appointment.Metadata
	}

	if err := s.repo.CreateAppointment(ctx, appt); err != nil {
		persistErr := fmt.Errorf("persist appointment: %w", err)
		s.recordSync(ctx, nil, OperationCreate, req, res, persistErr)
		return nil, persistErr
	}

	s.recordSync(ctx, &appt.ID, OperationCreate, req, res, nil)

	s.log(ctx).Info().
		Str("appointment_id", appt.ID.String()).
		Str("external_id", externalID).
		Msg("appointment created")

	return appt, nil
}

// UpdateAppointment applies a partial update remotely, then locally, then emits
// an updated event.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, in UpdateInput) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.update", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer func() { endSpan(span, err) }()

	if in.Status != nil && !in.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, *in.Status)
	}
	if in.ScheduledAt != nil && in.ScheduledAt.IsZero() {
		return nil, fmt.Errorf("%w: scheduledAt must not be empty", ErrValidation)
	}

	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.loadSynced(ctx, id)
		if err != nil {
			return err
		}

		req := adapter.UpdateRequest{
			ProfessionalID: in.ProfessionalID,
			ScheduledAt:    in.ScheduledAt,
			Notes:          in.Notes,
			Metadata:       in.Metadata,
		}
		if in.Status != nil {
			status := string(*in.Status)
			req.Status = &status
		}

		res, err := s.callAdapter(ctx, func(ctx context.Context) (*adapter.Result, error) {
			return s.adapter.UpdateAppointment(ctx, *current.ExternalID, req)
		})
		if err != nil {
			s.recordSync(ctx, &id, OperationUpdate, req, nil, err)
			return fmt.Errorf("update appointment: %w", err)
		}
		if !res.Success {
			rejErr := rejection(res)
			s.recordSync(ctx, &id, OperationUpdate, req, res, rejErr)
			return rejErr
		}

		applyUpdate(current, in)
		current.UpdatedAt = time.Now().UTC()

		if err := s.repo.UpdateAppointment(ctx, current); err != nil {
			persistErr := fmt.Errorf("persist appointment: %w", err)
			s.recordSync(ctx, &id, OperationUpdate, req, res, persistErr)
			return persistErr
		}

		s.recordSync(ctx, &id, OperationUpdate, req, res, nil)
		appt = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.emitUpdated(ctx, appt)
	return appt, nil
}

// CancelAppointment cancels remotely and marks the local record CANCELLED. The
// reason is appended to the existing notes. No event is emitted here.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.cancel", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer func() { endSpan(span, err) }()

	reason = strings.TrimSpace(reason)

	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.loadSynced(ctx, id)
		if err != nil {
			return err
		}

		if current.Status == StatusCancelled {
			appt = current
			return nil
		}
		if current.Status.Terminal() {
			return fmt.Errorf("%w: cannot cancel appointment in status %s", ErrValidation, current.Status)
		}

		req := map[string]string{"externalId": *current.ExternalID}
		if reason != "" {
			req["reason"] = reason
		}

		err = s.breaker.Execute(ctx, func(ctx context.Context) error {
			return s.retrier.Execute(ctx, func(ctx context.Context) error {
				return s.adapter.CancelAppointment(ctx, *current.ExternalID, reason)
			})
		})
		if err != nil {
			s.recordSync(ctx, &id, OperationCancel, req, nil, err)
			return fmt.Errorf("cancel appointment: %w", err)
		}

		current.Status = StatusCancelled
		current.Notes = appendCancellationReason(current.Notes, reason)
		current.UpdatedAt = time.Now().UTC()

		if err := s.repo.UpdateAppointment(ctx, current); err != nil {
			persistErr := fmt.Errorf("persist appointment: %w", err)
			s.recordSync(ctx, &id, OperationCancel, req, nil, persistErr)
			return persistErr
		}

		s.recordSync(ctx, &id, OperationCancel, req, nil, nil)
		appt = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Info().Str("appointment_id", id.String()).Str("reason", reason).Msg("appointment cancelled")
	return appt, nil
}

// GetAppointment reads the local record only.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

func (s *Service) GetAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patientId is required", ErrValidation)
	}

	appointments, err := s.repo.ListAppointmentsByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	return appointments, nil
}

// CheckAvailability is read-only and idempotent; it goes through the breaker
// but is not retried and writes no sync log.
func (s *Service) CheckAvailability(ctx context.Context, filter adapter.AvailabilityFilter) (slots []adapter.Slot, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.check_availability")
	defer func() { endSpan(span, err) }()

	if filter.StartDate.IsZero() || filter.EndDate.IsZero() {
		return nil, fmt.Errorf("%w: startDate and endDate are required", ErrValidation)
	}
	if filter.EndDate.Before(filter.StartDate) {
		return nil, fmt.Errorf("%w: endDate must not be before startDate", ErrValidation)
	}

	slots, err = breaker.Run(ctx, s.breaker, func(ctx context.Context) ([]adapter.Slot, error) {
		return s.adapter.CheckAvailability(ctx, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if slots == nil {
		slots = []adapter.Slot{}
	}
	return slots, nil
}

// SyncAppointment pulls the external view of one appointment and reconciles
// status and schedule into the local record.
func (s *Service) SyncAppointment(ctx context.Context, id uuid.UUID) (appt *Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.sync", trace.WithAttributes(attribute.String("appointment.id", id.String())))
	defer func() { endSpan(span, err) }()

	changed := false
	err = s.withLock(ctx, id, func(ctx context.Context) error {
		current, err := s.loadSynced(ctx, id)
		if err != nil {
			return err
		}

		req := map[string]string{"externalId": *current.ExternalID}

		res, err := s.callAdapter(ctx, func(ctx context.Context) (*adapter.Result, error) {
			return s.adapter.GetAppointment(ctx, *current.ExternalID)
		})
		if err != nil {
			s.recordSync(ctx, &id, OperationSync, req, nil, err)
			return fmt.Errorf("sync appointment: %w", err)
		}
		if !res.Success || res.Appointment == nil {
			rejErr := rejection(res)
			s.recordSync(ctx, &id, OperationSync, req, res, rejErr)
			return rejErr
		}

		changed = reconcile(current, res.Appointment)
		if changed {
			current.UpdatedAt = time.Now().UTC()
			if err := s.repo.UpdateAppointment(ctx, current); err != nil {
				persistErr := fmt.Errorf("persist appointment: %w", err)
				s.recordSync(ctx, &id, OperationSync, req, res, persistErr)
				return persistErr
			}
		}

		s.recordSync(ctx, &id, OperationSync, req, res, nil)
		appt = current
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.emitUpdated(ctx, appt)
	}
	return appt, nil
}

// SyncPending reconciles up to limit open appointments. It stops early when the
// circuit opens since every remaining call would be rejected anyway.
func (s *Service) SyncPending(ctx context.Context, limit int) (synced, failed int, err error) {
	candidates, err := s.repo.ListAppointmentsForSync(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("list appointments for sync: %w", err)
	}

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return synced, failed, ctx.Err()
		}

		if _, err := s.SyncAppointment(ctx, candidate.ID); err != nil {
			failed++
			if errors.Is(err, breaker.ErrCircuitOpen) {
				s.log(ctx).Warn().Int("remaining", len(candidates)-synced-failed).Msg("circuit open, stopping sync batch")
				return synced, failed, nil
			}
			s.log(ctx).Warn().Err(err).Str("appointment_id", candidate.ID.String()).Msg("failed to sync appointment")
			continue
		}
		synced++
	}

	return synced, failed, nil
}

func (s *Service) ListSyncLogs(ctx context.Context, id uuid.UUID) ([]SyncLog, error) {
	if _, err := s.GetAppointment(ctx, id); err != nil {
		return nil, err
	}

	logs, err := s.repo.ListSyncLogs(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	return logs, nil
}

// callAdapter runs op under retry inside the breaker, so an exhausted retry
// sequence counts as one breaker failure.
func (s *Service) callAdapter(ctx context.Context, op func(context.Context) (*adapter.Result, error)) (*adapter.Result, error) {
	return breaker.Run(ctx, s.breaker, func(ctx context.Context) (*adapter.Result, error) {
		return retry.Do(ctx, s.retrier, op)
	})
}

// loadSynced loads an appointment that is known to the external system.
func (s *Service) loadSynced(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if appt.ExternalID == nil || *appt.ExternalID == "" {
		return nil, fmt.Errorf("%w: appointment %s", ErrMissingExternalID, id)
	}
	return appt, nil
}

func (s *Service) withLock(ctx context.Context, id uuid.UUID, fn func(ctx context.Context) error) error {
	err := s.locker.WithAppointmentLock(ctx, id, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrAppointmentBusy
	}
	return err
}

func (s *Service) emitUpdated(ctx context.Context, appt *Appointment) {
	if s.events == nil {
		return
	}
	if err := s.events.AppointmentUpdated(ctx, appt); err != nil {
		s.log(ctx).Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to emit appointment updated event")
	}
}

// recordSync appends exactly one audit row. A failing insert is logged, never returned.
func (s *Service) recordSync(ctx context.Context, appointmentID *uuid.UUID, op SyncOperation, request any, response *adapter.Result, opErr error) {
	entry := &SyncLog{
		AppointmentID: appointmentID,
		AdapterType:   s.adapter.Name(),
		Operation:     op,
		Request:       marshalPayload(request),
		Success:       opErr == nil,
		CreatedAt:     time.Now().UTC(),
	}
	if response != nil {
		entry.Response = marshalPayload(response)
	}
	if opErr != nil {
		msg := opErr.Error()
		entry.Error = &msg
	}

	// the audit row must land even when the caller's context was cancelled mid-operation
	if err := s.repo.InsertSyncLog(context.WithoutCancel(ctx), entry); err != nil {
		s.log(ctx).Error().Err(err).Str("operation", string(op)).Msg("failed to insert sync log")
	}
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := observability.LoggerFromContext(ctx, s.logger)
	return &l
}

func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func rejection(res *adapter.Result) error {
	msg := "external system returned no external id"
	if res != nil && res.Error != "" {
		msg = res.Error
	}
	return fmt.Errorf("%w: %s", ErrBusinessRejection, msg)
}

func applyUpdate(appt *Appointment, in UpdateInput) {
	if in.ProfessionalID != nil {
		appt.ProfessionalID = optionalString(*in.ProfessionalID)
	}
	if in.ScheduledAt != nil {
		appt.ScheduledAt = in.ScheduledAt.UTC()
	}
	if in.Status != nil {
		appt.Status = *in.Status
	}
	if in.Notes != nil {
		appt.Notes = optionalString(*in.Notes)
	}
	if in.Metadata != nil {
		appt.Metadata = in.Metadata
	}
}

// reconcile copies remote status and schedule onto appt and reports whether anything changed.
func reconcile(appt *Appointment, remote *adapter.ExternalAppointment) bool {
	changed := false

	if status := AppointmentStatus(strings.ToUpper(remote.Status)); status.Valid() && status != appt.Status {
		appt.Status = status
		changed = true
	}
	if !remote.ScheduledAt.IsZero() && !remote.ScheduledAt.Equal(appt.ScheduledAt) {
		appt.ScheduledAt = remote.ScheduledAt.UTC()
		changed = true
	}

	return changed
}

func appendCancellationReason(notes *string, reason string) *string {
	if reason == "" {
		return notes
	}
	line := "Cancellation reason: " + reason
	if notes == nil || *notes == "" {
		return &line
	}
	combined := *notes + "\n" + line
	return &combined
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
