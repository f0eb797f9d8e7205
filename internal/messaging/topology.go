package messaging

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyChannel is the subset of *amqp.Channel needed to declare the topology.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

type TopologyConfig struct {
	Exchange        string
	QueueMaxLength  int64
	QueueMessageTTL time.Duration
}

// CommandQueues are consumed by the gateway.
var CommandQueues = []string{PatternCreateCommand, PatternCancelCommand}

// EventQueues hold the outbound events until downstream services consume them.
var EventQueues = []string{PatternConfirmedEvent, PatternFailedEvent, PatternUpdatedEvent, PatternCancelledEvent}

func (cfg TopologyConfig) queueArgs() amqp.Table {
	args := amqp.Table{}
	if cfg.QueueMaxLength > 0 {
		args["x-max-length"] = cfg.QueueMaxLength
	}
	if cfg.QueueMessageTTL > 0 {
		ttl := cfg.QueueMessageTTL.Milliseconds()
		if ttl <= 0 {
			ttl = 1
		}
		args["x-message-ttl"] = ttl
	}
	return args
}

// DeclareTopology declares the durable topic exchange and binds one durable
// queue per routing key. Declarations are idempotent.
func DeclareTopology(ch TopologyChannel, cfg TopologyConfig) error {
	if cfg.Exchange == "" {
		return fmt.Errorf("declare topology: exchange name is required")
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	queues := append(append([]string{}, CommandQueues...), EventQueues...)
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, cfg.queueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}

	return nil
}
