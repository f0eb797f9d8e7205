package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/appointment"
	redisclient "github.com/hackgods/appointment-sync/internal/redis"
)

// AppointmentService is the orchestrator surface the gateway drives.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, in appointment.CreateInput) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

type GatewayConfig struct {
	MaxAttempts      int // total deliveries of a command whose handler keeps failing
	Prefetch         int
	ConnectPolls     int
	ConnectPollEvery time.Duration
}

// Gateway consumes create/cancel commands and answers them with events.
type Gateway struct {
	svc         AppointmentService
	events      *Events
	republisher Publisher
	idempotency redisclient.IdempotencyStore
	cfg         GatewayConfig
	logger      zerolog.Logger

	requeues *requeueCounter
}

func NewGateway(svc AppointmentService, events *Events, republisher Publisher, idempotency redisclient.IdempotencyStore, cfg GatewayConfig, logger zerolog.Logger) *Gateway {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 10
	}
	return &Gateway{
		svc:         svc,
		events:      events,
		republisher: republisher,
		idempotency: idempotency,
		cfg:         cfg,
		logger:      logger.With().Str("component", "gateway").Logger(),
		requeues:    newRequeueCounter(),
	}
}

// Start waits for the broker connection and then registers the command
// consumers. Consumers are registered again after every reconnect.
func (g *Gateway) Start(ctx context.Context, conn *Connection) error {
	if err := WaitForConnection(ctx, conn, g.cfg.ConnectPolls, g.cfg.ConnectPollEvery); err != nil {
		return fmt.Errorf("gateway start: %w", err)
	}

	return conn.OnConnect(ctx, func(ctx context.Context, c *amqp.Connection) error {
		for _, queue := range CommandQueues {
			if err := g.consume(ctx, c, queue); err != nil {
				return err
			}
		}
		return nil
	})
}

func (g *Gateway) consume(ctx context.Context, conn *amqp.Connection, queue string) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel for %s: %w", queue, err)
	}
	if err := ch.Qos(g.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos for %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	go func() {
		defer func() { _ = ch.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					g.logger.Warn().Str("queue", queue).Msg("delivery channel closed")
					return
				}
				g.HandleDelivery(ctx, d)
			}
		}
	}()

	g.logger.Info().Str("queue", queue).Msg("consumer registered")
	return nil
}

// HandleDelivery runs the handler and settles the delivery. A failed handler is
// republished with an incremented retry count until MaxAttempts deliveries have
// been made, after which the message is acked and dropped. When the republish
// itself fails the message is requeued as is, and those broker redeliveries
// count towards the same bound.
func (g *Gateway) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	retries := retryCount(d.Headers)
	key := deliveryKey(d)
	requeued := g.requeues.get(key)
	if requeued == 0 && d.Redelivered {
		requeued = 1
	}
	attempt := retries + requeued + 1

	log := g.logger.With().
		Str("routing_key", d.RoutingKey).
		Str("message_id", d.MessageId).
		Int("attempt", attempt).
		Logger()

	err := g.dispatch(ctx, d.RoutingKey, d.Body)
	if err == nil {
		g.requeues.forget(key)
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ack message")
		}
		return
	}

	if attempt >= g.cfg.MaxAttempts {
		g.requeues.forget(key)
		log.Error().Err(err).Int("max_attempts", g.cfg.MaxAttempts).Msg("discarding message after final attempt")
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ack discarded message")
		}
		return
	}

	log.Warn().Err(err).Msg("handler failed, republishing message")

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(attempt)

	if pubErr := g.republisher.Publish(ctx, d.RoutingKey, d.Body, headers); pubErr != nil {
		log.Error().Err(pubErr).Msg("failed to republish message, requeueing")
		g.requeues.set(key, requeued+1)
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error().Err(nackErr).Msg("failed to nack message")
		}
		return
	}

	g.requeues.forget(key)
	if ackErr := d.Ack(false); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ack republished message")
	}
}

func (g *Gateway) dispatch(ctx context.Context, routingKey string, body []byte) error {
	env, err := DecodeEnvelope(body)
	if err != nil {
		return g.malformed(ctx, routingKey, err, body)
	}

	pattern := env.Pattern
	if pattern == "" {
		pattern = routingKey
	}

	switch pattern {
	case PatternCreateCommand:
		return g.handleCreate(ctx, env.Data)
	case PatternCancelCommand:
		return g.handleCancel(ctx, env.Data)
	default:
		return g.malformed(ctx, pattern, fmt.Errorf("%w: unknown pattern %q", ErrMalformedMessage, pattern), env.Data)
	}
}

func (g *Gateway) handleCreate(ctx context.Context, data json.RawMessage) error {
	cmd, err := DecodeCreateCommand(data)
	if err != nil {
		return g.malformed(ctx, PatternCreateCommand, err, data)
	}

	if appt := g.previouslyCreated(ctx, cmd.RequestID); appt != nil {
		g.logger.Info().Str("request_id", cmd.RequestID).Str("appointment_id", appt.ID.String()).Msg("duplicate create command, re-emitting confirmation")
		return g.events.Confirmed(ctx, appt, cmd.RequestID)
	}

	appt, err := g.svc.CreateAppointment(ctx, cmd.Input())
	if err != nil {
		g.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("create command failed")
		return g.events.Failed(ctx, PatternCreateCommand, cmd.RequestID, err, data)
	}

	if cmd.RequestID != "" && g.idempotency != nil {
		if err := g.idempotency.Remember(ctx, cmd.RequestID, appt.ID.String()); err != nil {
			g.logger.Warn().Err(err).Str("request_id", cmd.RequestID).Msg("failed to remember create command")
		}
	}

	return g.events.Confirmed(ctx, appt, cmd.RequestID)
}

func (g *Gateway) handleCancel(ctx context.Context, data json.RawMessage) error {
	cmd, err := DecodeCancelCommand(data)
	if err != nil {
		return g.malformed(ctx, PatternCancelCommand, err, data)
	}

	if _, err := g.svc.CancelAppointment(ctx, cmd.AppointmentID, cmd.Reason); err != nil {
		g.logger.Warn().Err(err).Str("appointment_id", cmd.AppointmentID.String()).Msg("cancel command failed")
		return g.events.Failed(ctx, PatternCancelCommand, "", err, data)
	}

	appt, err := g.svc.GetAppointment(ctx, cmd.AppointmentID)
	if err != nil {
		return fmt.Errorf("reload cancelled appointment: %w", err)
	}

	return g.events.Cancelled(ctx, appt, cmd.Reason)
}

// malformed reports a payload no redelivery can fix. The returned error is only
// the publish error, so the delivery is acked once the failed event is out.
func (g *Gateway) malformed(ctx context.Context, command string, cause error, raw []byte) error {
	g.logger.Warn().Err(cause).Str("command", command).Msg("malformed message")
	return g.events.Failed(ctx, command, "", cause, raw)
}

func (g *Gateway) previouslyCreated(ctx context.Context, requestID string) *appointment.Appointment {
	if requestID == "" || g.idempotency == nil {
		return nil
	}

	value, found, err := g.idempotency.Lookup(ctx, requestID)
	if err != nil {
		g.logger.Warn().Err(err).Str("request_id", requestID).Msg("idempotency lookup failed")
		return nil
	}
	if !found {
		return nil
	}

	id, err := uuid.Parse(value)
	if err != nil {
		return nil
	}

	appt, err := g.svc.GetAppointment(ctx, id)
	if err != nil {
		if !errors.Is(err, appointment.ErrAppointmentNotFound) {
			g.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to load previously created appointment")
		}
		return nil
	}
	return appt
}

// retryCount reads RetryCountHeader, accepting every integer type AMQP tables decode to.
func retryCount(headers amqp.Table) int {
	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}

// deliveryKey identifies a message across broker requeues.
func deliveryKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, append([]byte(d.RoutingKey+"\x00"), d.Body...)).String()
}

// maxTrackedRequeues caps the counter; past it the map is reset and the
// Redelivered flag alone bounds what was forgotten.
const maxTrackedRequeues = 10000

// requeueCounter remembers how often a message went back to its queue
// unchanged, which the retry-count header cannot record.
type requeueCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newRequeueCounter() *requeueCounter {
	return &requeueCounter{counts: make(map[string]int)}
}

func (c *requeueCounter) get(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

func (c *requeueCounter) set(key string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counts) >= maxTrackedRequeues {
		c.counts = make(map[string]int)
	}
	c.counts[key] = n
}

func (c *requeueCounter) forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
}
