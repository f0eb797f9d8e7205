package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("rabbitmq: not connected")

// ConnectHook runs on every (re)established connection.
type ConnectHook func(ctx context.Context, conn *amqp.Connection) error

// Connection owns a single AMQP connection and redials it with a fixed delay
// whenever the broker closes it.
type Connection struct {
	url               string
	reconnectInterval time.Duration
	logger            zerolog.Logger
	dial              func(url string) (*amqp.Connection, error)

	connected atomic.Bool

	mu    sync.RWMutex
	conn  *amqp.Connection
	pubCh *amqp.Channel

	// hookMu serializes hook registration against hook execution after a redial.
	hookMu sync.Mutex
	hooks  []ConnectHook
}

func NewConnection(url string, reconnectInterval time.Duration, logger zerolog.Logger) *Connection {
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	return &Connection{
		url:               url,
		reconnectInterval: reconnectInterval,
		logger:            logger.With().Str("component", "rabbitmq").Logger(),
		dial:              amqp.Dial,
	}
}

func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// OnConnect registers fn for future connections and, when a connection is
// already up, runs it immediately against that connection.
func (c *Connection) OnConnect(ctx context.Context, fn ConnectHook) error {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.hooks = append(c.hooks, fn)

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return fn(ctx, conn)
}

// Run dials until ctx is done, redialling after every connection loss.
func (c *Connection) Run(ctx context.Context) {
	for {
		closed, err := c.connect(ctx)
		if err != nil {
			c.logger.Error().Err(err).Dur("retry_in", c.reconnectInterval).Msg("rabbitmq connection failed")
		} else {
			select {
			case <-ctx.Done():
				return
			case amqpErr, ok := <-closed:
				c.markDisconnected()
				if ok && amqpErr != nil {
					c.logger.Warn().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("rabbitmq connection closed")
				} else {
					c.logger.Warn().Msg("rabbitmq connection closed")
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectInterval):
		}
	}
}

func (c *Connection) connect(ctx context.Context) (<-chan *amqp.Error, error) {
	conn, err := c.dial(c.url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	// Publishing conn under hookMu keeps a concurrent OnConnect from running
	// its hook here and again in the loop below.
	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.mu.Lock()
	c.conn = conn
	c.pubCh = nil
	c.mu.Unlock()

	for _, hook := range c.hooks {
		if err := hook(ctx, conn); err != nil {
			_ = conn.Close()
			c.markDisconnected()
			return nil, fmt.Errorf("rabbitmq connect hook: %w", err)
		}
	}

	c.connected.Store(true)
	c.logger.Info().Msg("connected to rabbitmq")
	return closed, nil
}

func (c *Connection) markDisconnected() {
	c.connected.Store(false)
	c.mu.Lock()
	c.pubCh = nil
	c.mu.Unlock()
}

// Channel opens a fresh channel on the current connection. Callers own it.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return nil, ErrNotConnected
	}
	return conn.Channel()
}

// publishChannel returns the shared channel used for publishing, opening it on demand.
func (c *Connection) publishChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pubCh != nil && !c.pubCh.IsClosed() {
		return c.pubCh, nil
	}
	if c.conn == nil || c.conn.IsClosed() {
		return nil, ErrNotConnected
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	c.pubCh = ch
	return ch, nil
}

func (c *Connection) Close() error {
	c.connected.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// ConnectionState is anything that can report whether the broker link is up.
type ConnectionState interface {
	IsConnected() bool
}

// WaitForConnection polls state up to polls times, every interval, and fails
// if no connection appears in that window.
func WaitForConnection(ctx context.Context, state ConnectionState, polls int, interval time.Duration) error {
	if polls < 1 {
		polls = 1
	}

	for i := 0; i < polls; i++ {
		if state.IsConnected() {
			return nil
		}
		if i == polls-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	if state.IsConnected() {
		return nil
	}
	return fmt.Errorf("%w after %d polls of %s", ErrNotConnected, polls, interval)
}
