package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/appointment"
)

// Publisher sends a raw message to the exchange under routingKey.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error
}

// AMQPPublisher publishes persistent JSON messages on the shared publish channel.
type AMQPPublisher struct {
	conn     *Connection
	exchange string

	mu sync.Mutex
}

func NewAMQPPublisher(conn *Connection, exchange string) *AMQPPublisher {
	return &AMQPPublisher{conn: conn, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte, headers amqp.Table) error {
	ch, err := p.conn.publishChannel()
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Events publishes the outbound domain events. It satisfies appointment.EventEmitter.
type Events struct {
	pub    Publisher
	logger zerolog.Logger
}

func NewEvents(pub Publisher, logger zerolog.Logger) *Events {
	return &Events{
		pub:    pub,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

var _ appointment.EventEmitter = (*Events)(nil)

func (e *Events) Confirmed(ctx context.Context, appt *appointment.Appointment, requestID string) error {
	return e.publish(ctx, PatternConfirmedEvent, ConfirmedEvent{
		RequestID:     requestID,
		AppointmentID: appt.ID,
		ExternalID:    deref(appt.ExternalID),
		PatientID:     appt.PatientID,
		ScheduledAt:   appt.ScheduledAt,
		Status:        string(appt.Status),
	})
}

// Failed reports a command that could not be carried out, echoing the original request.
func (e *Events) Failed(ctx context.Context, command, requestID string, cause error, request json.RawMessage) error {
	if !json.Valid(request) {
		request = nil
	}
	return e.publish(ctx, PatternFailedEvent, FailedEvent{
		Command:   command,
		RequestID: requestID,
		Error:     cause.Error(),
		Request:   request,
		FailedAt:  time.Now().UTC(),
	})
}

func (e *Events) AppointmentUpdated(ctx context.Context, appt *appointment.Appointment) error {
	return e.publish(ctx, PatternUpdatedEvent, UpdatedEvent{
		AppointmentID:  appt.ID,
		ExternalID:     deref(appt.ExternalID),
		ProfessionalID: deref(appt.ProfessionalID),
		ScheduledAt:    appt.ScheduledAt,
		Status:         string(appt.Status),
		Notes:          deref(appt.Notes),
		UpdatedAt:      appt.UpdatedAt,
	})
}

func (e *Events) Cancelled(ctx context.Context, appt *appointment.Appointment, reason string) error {
	return e.publish(ctx, PatternCancelledEvent, CancelledEvent{
		AppointmentID: appt.ID,
		ExternalID:    deref(appt.ExternalID),
		Status:        string(appt.Status),
		Reason:        reason,
		CancelledAt:   appt.UpdatedAt,
	})
}

func (e *Events) publish(ctx context.Context, pattern string, data any) error {
	body, err := EncodeEnvelope(pattern, data)
	if err != nil {
		return err
	}
	if err := e.pub.Publish(ctx, pattern, body, nil); err != nil {
		return err
	}

	e.logger.Debug().Str("pattern", pattern).Msg("event published")
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
