package appointment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "PENDING"
	StatusConfirmed  AppointmentStatus = "CONFIRMED"
	StatusInProgress AppointmentStatus = "IN_PROGRESS"
	StatusCompleted  AppointmentStatus = "COMPLETED"
	StatusCancelled  AppointmentStatus = "CANCELLED"
	StatusNoShow     AppointmentStatus = "NO_SHOW"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal statuses are never reconciled against the external system again.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type SyncOperation string

const (
	OperationCreate SyncOperation = "CREATE"
	OperationUpdate SyncOperation = "UPDATE"
	OperationCancel SyncOperation = "CANCEL"
	OperationSync   SyncOperation = "SYNC"
)

// Appointment is the local record of one booking and its last known state.
// ExternalID stays nil until the external system confirms the booking.
type Appointment struct {
	ID             uuid.UUID         `json:"id"`
	ExternalID     *string           `json:"externalId"`
	AdapterType    string            `json:"adapterType"`
	PatientID      string            `json:"patientId"`
	ProfessionalID *string           `json:"professionalId,omitempty"`
	ScheduledAt    time.Time         `json:"scheduledAt"`
	Status         AppointmentStatus `json:"status"`
	Notes          *string           `json:"notes,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// SyncLog is the append-only audit row of one synchronization attempt.
// AppointmentID is nil for creates the external system rejected.
type SyncLog struct {
	ID            int64           `json:"id"`
	AppointmentID *uuid.UUID      `json:"appointmentId"`
	AdapterType   string          `json:"adapterType"`
	Operation     SyncOperation   `json:"operation"`
	Request       json.RawMessage `json:"request"`
	Response      json.RawMessage `json:"response,omitempty"`
	Success       bool            `json:"success"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type CreateInput struct {
	PatientID      string         `json:"patientId"`
	ProfessionalID string         `json:"professionalId,omitempty"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UpdateInput is a partial update: nil fields are left untouched.
type UpdateInput struct {
	ProfessionalID *string            `json:"professionalId,omitempty"`
	ScheduledAt    *time.Time         `json:"scheduledAt,omitempty"`
	Status         *AppointmentStatus `json:"status,omitempty"`
	Notes          *string            `json:"notes,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

func (in UpdateInput) Empty() bool {
	return in.ProfessionalID == nil && in.ScheduledAt == nil && in.Status == nil && in.Notes == nil && in.Metadata == nil
}
