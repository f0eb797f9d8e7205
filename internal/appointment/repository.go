package appointment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	CreateAppointment(ctx context.Context, appt *Appointment) error
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	UpdateAppointment(ctx context.Context, appt *Appointment) error
	ListAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error)

	// Sync worker: non-terminal appointments that have an external id, least recently touched first
	ListAppointmentsForSync(ctx context.Context, limit int) ([]Appointment, error)

	// Audit trail
	InsertSyncLog(ctx context.Context, entry *SyncLog) error
	ListSyncLogs(ctx context.Context, appointmentID uuid.UUID) ([]SyncLog, error)
}
