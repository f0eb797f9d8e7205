package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-sync/internal/appointment"
)

// Routing keys double as envelope patterns and queue names.
const (
	PatternCreateCommand = "scheduling.create"
	PatternCancelCommand = "scheduling.cancel"

	PatternConfirmedEvent = "core.confirmed"
	PatternFailedEvent    = "core.failed"
	PatternUpdatedEvent   = "core.updated"
	PatternCancelledEvent = "core.cancelled"
)

// RetryCountHeader counts how many times a command has been republished after a handler failure.
const RetryCountHeader = "x-retry-count"

var ErrMalformedMessage = errors.New("malformed message")

// Envelope is the wire shape of every message on the exchange.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

type CreateCommand struct {
	RequestID      string         `json:"requestId,omitempty"`
	PatientID      string         `json:"patientId"`
	ProfessionalID string         `json:"professionalId,omitempty"`
	ScheduledAt    time.Time      `json:"scheduledAt"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (c CreateCommand) Input() appointment.CreateInput {
	return appointment.CreateInput{
		PatientID:      c.PatientID,
		ProfessionalID: c.ProfessionalID,
		ScheduledAt:    c.ScheduledAt,
		Notes:          c.Notes,
		Metadata:       c.Metadata,
	}
}

type CancelCommand struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	Reason        string    `json:"reason,omitempty"`
}

type ConfirmedEvent struct {
	RequestID     string    `json:"requestId,omitempty"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	ExternalID    string    `json:"externalId"`
	PatientID     string    `json:"patientId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Status        string    `json:"status"`
}

type FailedEvent struct {
	Command   string          `json:"command"`
	RequestID string          `json:"requestId,omitempty"`
	Error     string          `json:"error"`
	Request   json.RawMessage `json:"request,omitempty"`
	FailedAt  time.Time       `json:"failedAt"`
}

type UpdatedEvent struct {
	AppointmentID  uuid.UUID `json:"appointmentId"`
	ExternalID     string    `json:"externalId,omitempty"`
	ProfessionalID string    `json:"professionalId,omitempty"`
	ScheduledAt    time.Time `json:"scheduledAt"`
	Status         string    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type CancelledEvent struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
	ExternalID    string    `json:"externalId,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CancelledAt   time.Time `json:"cancelledAt"`
}

func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	return env, nil
}

func EncodeEnvelope(pattern string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", pattern, err)
	}
	return json.Marshal(Envelope{Pattern: pattern, Data: raw})
}

func DecodeCreateCommand(data json.RawMessage) (CreateCommand, error) {
	var cmd CreateCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return CreateCommand{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	var missing []string
	if strings.TrimSpace(cmd.PatientID) == "" {
		missing = append(missing, "patientId")
	}
	if cmd.ScheduledAt.IsZero() {
		missing = append(missing, "scheduledAt")
	}
	if len(missing) > 0 {
		return CreateCommand{}, fmt.Errorf("%w: missing %s", ErrMalformedMessage, strings.Join(missing, ", "))
	}

	return cmd, nil
}

func DecodeCancelCommand(data json.RawMessage) (CancelCommand, error) {
	var cmd CancelCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return CancelCommand{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if cmd.AppointmentID == uuid.Nil {
		return CancelCommand{}, fmt.Errorf("%w: missing appointmentId", ErrMalformedMessage)
	}
	return cmd, nil
}
