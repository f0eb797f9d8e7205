// Package adapter defines the contract every external scheduling integration implements.
//
// Failures travel on two channels. A business rejection (the remote system answered
// and refused) comes back as a Result with Success=false and a nil error. A transport
// failure (timeout, refused connection, 5xx) comes back as a non-nil error. Callers
// retry and count breaker failures only for the second kind.
package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Type is the closed set of adapter implementations.
type Type string

const (
	TypeMock Type = "mock"
	TypeREST Type = "rest"
)

func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeMock, TypeREST:
		return Type(s), nil
	default:
		return "", fmt.Errorf("unknown adapter type %q", s)
	}
}

type CreateRequest struct {
	PatientID      string         `json:"patientId"`
	ProfessionalID string         `json:"professionalId,omitempty"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest carries only the fields being changed.
type UpdateRequest struct {
	ProfessionalID *string        `json:"professionalId,omitempty"`
	ScheduledAt    *time.Time     `json:"scheduledAt,omitempty"`
	Status         *string        `json:"status,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ExternalAppointment is the remote system's view of a booking.
type ExternalAppointment struct {
	ExternalID     string         `json:"externalId"`
	PatientID      string         `json:"patientId"`
	ProfessionalID string         `json:"professionalId,omitempty"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	Status         string         `json:"status"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type Result struct {
	Success     bool                 `json:"success"`
	ExternalID  string               `json:"externalId,omitempty"`
	Appointment *ExternalAppointment `json:"appointment,omitempty"`
	Error       string               `json:"error,omitempty"`
}

type AvailabilityFilter struct {
	StartDate      time.Time
	EndDate        time.Time
	ProfessionalID string
}

type Slot struct {
	Date         string         `json:"date"` // YYYY-MM-DD
	Time         string         `json:"time"` // HH:MM
	Available    bool           `json:"available"`
	Professional string         `json:"professional,omitempty"`
	Location     string         `json:"location,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Adapter is one binding to an external scheduling system.
type Adapter interface {
	Name() string
	CreateAppointment(ctx context.Context, req CreateRequest) (*Result, error)
	UpdateAppointment(ctx context.Context, externalID string, req UpdateRequest) (*Result, error)
	CancelAppointment(ctx context.Context, externalID, reason string) error
	GetAppointment(ctx context.Context, externalID string) (*Result, error)
	CheckAvailability(ctx context.Context, filter AvailabilityFilter) ([]Slot, error)
	HealthCheck(ctx context.Context) bool
}

// Options configures whichever adapter New builds.
type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// New builds the adapter for t.
func New(t Type, opts Options) (Adapter, error) {
	switch t {
	case TypeMock:
		return NewMockAdapter(), nil
	case TypeREST:
		return NewRESTAdapter(opts)
	default:
		return nil, fmt.Errorf("unknown adapter type %q", t)
	}
}
