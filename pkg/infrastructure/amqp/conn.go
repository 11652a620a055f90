package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
)

var ErrConnectionClosed = errors.New("amqp connection is closed")

// Connection is the broker connection pooled channels are opened on. A connection
// lost to the broker is dialed again by the next OpenChannel.
type Connection interface {
	Start(ctx context.Context) error
	Stop() error

	OpenChannel(ctx context.Context) (Channel, error)
	ManagedConnectionFactory(id string, config FactoryConfig) *ManagedConnectionFactory
}

// Channel is the part of *amqp.Channel the adapter uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	Tx() error
	TxCommit() error
	TxRollback() error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

func NewAMQPConnection(config *ConnectionConfig, logger logging.Logger) Connection {
	return &connection{
		config: config,
		logger: logger,
	}
}

type connection struct {
	config *ConnectionConfig
	logger logging.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	stopped bool
}

func (c *connection) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	return c.dial(ctx)
}

func (c *connection) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	return errors.WithStack(conn.Close())
}

func (c *connection) OpenChannel(ctx context.Context) (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrConnectionClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.dial(ctx); err != nil {
			return nil, err
		}
	}
	channel, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "open amqp channel")
	}
	return channel, nil
}

func (c *connection) ManagedConnectionFactory(id string, config FactoryConfig) *ManagedConnectionFactory {
	return NewManagedConnectionFactory(id, c.OpenChannel, config, c.logger)
}

func (c *connection) dial(ctx context.Context) error {
	url := fmt.Sprintf("amqp://%s:%s@%s/", c.config.User, c.config.Password, c.config.Host)

	var conn *amqp.Connection
	err := backoff.Retry(func() error {
		connection, cErr := amqp.Dial(url)
		if cErr != nil {
			c.logger.Warning(cErr, "AMQP is not reachable yet")
			return cErr
		}
		conn = connection
		return nil
	}, backoff.WithContext(newBackOff(c.config.ConnectTimeout), ctx))
	if err != nil {
		return errors.Wrap(err, "dial amqp")
	}

	if err = c.validateConnection(conn); err != nil {
		return err
	}
	c.conn = conn

	connErrorChan := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.processConnectErrors(conn, connErrorChan)
	return nil
}

func (c *connection) validateConnection(conn *amqp.Connection) error {
	if conn == nil {
		return errors.New("amqp connection is empty")
	}
	if conn.IsClosed() {
		return ErrConnectionClosed
	}
	return nil
}

func (c *connection) processConnectErrors(conn *amqp.Connection, ch chan *amqp.Error) {
	err := <-ch
	if err == nil {
		return
	}

	c.logger.Error(err, "AMQP connection lost, it is dialed again on the next channel request")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
}

func newBackOff(timeout time.Duration) backoff.BackOff {
	exponentialBackOff := backoff.NewExponentialBackOff()
	const defaultTimeout = 60 * time.Second
	if timeout != 0 {
		exponentialBackOff.MaxElapsedTime = timeout
	} else {
		exponentialBackOff.MaxElapsedTime = defaultTimeout
	}
	exponentialBackOff.MaxInterval = 5 * time.Second
	return exponentialBackOff
}
