package amqp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

var (
	ErrChannelClosed          = errors.New("amqp channel is closed")
	ErrPublisherClosed        = errors.New("publisher is closed")
	ErrTransactionInProgress  = errors.New("local transaction already started")
	ErrNoTransactionInProcess = errors.New("no local transaction started")
	ErrXANotSupported         = errors.New("amqp channels support local transactions only")
)

// ChannelOpener opens a channel on a broker connection.
type ChannelOpener func(ctx context.Context) (Channel, error)

func NewManagedConnectionFactory(id string, open ChannelOpener, config FactoryConfig, logger logging.Logger) *ManagedConnectionFactory {
	if config.Exchange == nil && config.Queue == nil {
		panic("exchange or queue config is required")
	}
	return &ManagedConnectionFactory{
		id:     id,
		open:   open,
		config: config,
		logger: logger.WithField("factory", id),
	}
}

type ManagedConnectionFactory struct {
	id     string
	open   ChannelOpener
	config FactoryConfig
	logger logging.Logger
}

func (f *ManagedConnectionFactory) ID() string {
	return f.id
}

func (f *ManagedConnectionFactory) TransactionSupport() connector.TransactionSupportLevel {
	return connector.LocalTransactionSupport
}

// CreateManagedConnection opens a channel and declares the configured topology on it.
func (f *ManagedConnectionFactory) CreateManagedConnection(
	ctx context.Context,
	_ *connector.Subject,
	_ connector.ConnectionRequestInfo,
) (_ connector.ManagedConnection, err error) {
	channel, err := f.open(ctx)
	if err != nil {
		return nil, err
	}
	if err = validateChannel(channel); err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = liberr.Join(err, channel.Close())
		}
	}()

	if err = declareTopology(f.config, channel); err != nil {
		return nil, errors.Wrapf(err, "%s: declare topology", f.id)
	}

	m := &ManagedConnection{
		channel: channel,
		config:  f.config,
		logger:  f.logger,
	}
	go m.processChannelErrors(channel.NotifyClose(make(chan *amqp.Error, 1)))
	return m, nil
}

// ManagedConnection is a pooled AMQP channel. Once a local transaction was
// started the channel stays in transactional mode, and publishing outside of a
// local transaction commits each message.
type ManagedConnection struct {
	channel Channel
	config  FactoryConfig
	logger  logging.Logger

	mu        sync.Mutex
	listeners []connector.ConnectionEventListener
	handles   []*Publisher
	txMode    bool
	inTx      bool
	destroyed bool
}

func (m *ManagedConnection) GetConnection(_ context.Context, _ *connector.Subject, _ connector.ConnectionRequestInfo) (connector.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrChannelClosed
	}
	p := &Publisher{mc: m}
	m.handles = append(m.handles, p)
	return p, nil
}

func (m *ManagedConnection) AssociateConnection(handle connector.Handle) error {
	p, ok := handle.(*Publisher)
	if !ok {
		return errors.Errorf("cannot associate handle of type %T", handle)
	}
	if previous := p.associate(m); previous != nil && previous != m {
		previous.removeHandle(p)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handles = append(m.handles, p)
	return nil
}

func (m *ManagedConnection) Cleanup() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = nil
	inTx := m.inTx
	m.inTx = false
	m.mu.Unlock()

	for _, p := range handles {
		p.invalidate(m)
	}
	if inTx {
		m.logger.Warning(nil, "rolling back local transaction left open on channel")
		return errors.Wrap(m.channel.TxRollback(), "rollback unfinished local transaction")
	}
	return nil
}

func (m *ManagedConnection) Destroy() error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return nil
	}
	m.destroyed = true
	handles := m.handles
	m.handles = nil
	m.mu.Unlock()

	for _, p := range handles {
		p.invalidate(m)
	}
	err := m.channel.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return errors.WithStack(err)
}

func (m *ManagedConnection) Validate(_ context.Context) error {
	return validateChannel(m.channel)
}

func (m *ManagedConnection) AddConnectionEventListener(listener connector.ConnectionEventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

func (m *ManagedConnection) RemoveConnectionEventListener(listener connector.ConnectionEventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l == listener {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *ManagedConnection) LocalTransaction() (connector.LocalTransaction, error) {
	return localTransaction{mc: m}, nil
}

func (m *ManagedConnection) XAResource() (connector.XAResource, error) {
	return nil, ErrXANotSupported
}

func (m *ManagedConnection) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inTx {
		return ErrTransactionInProgress
	}
	if !m.txMode {
		if err := m.channel.Tx(); err != nil {
			return errors.Wrap(err, "select transactional mode")
		}
		m.txMode = true
	}
	m.inTx = true
	return nil
}

func (m *ManagedConnection) commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return ErrNoTransactionInProcess
	}
	m.inTx = false
	return errors.WithStack(m.channel.TxCommit())
}

func (m *ManagedConnection) rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx {
		return ErrNoTransactionInProcess
	}
	m.inTx = false
	return errors.WithStack(m.channel.TxRollback())
}

func (m *ManagedConnection) publish(ctx context.Context, delivery Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := validateChannel(m.channel); err != nil {
		return err
	}

	var exchange string
	if m.config.Exchange != nil {
		exchange = m.config.Exchange.Name
	}
	err := m.channel.PublishWithContext(
		ctx,
		exchange,
		delivery.RoutingKey,
		true,
		false,
		amqp.Publishing{
			ContentType:   delivery.ContentType,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: delivery.CorrelationID,
			Timestamp:     time.Now(),
			Type:          delivery.Type,
			AppId:         m.config.AppID,
			Body:          delivery.Body,
		},
	)
	if err != nil {
		return errors.Wrap(err, "publish delivery")
	}
	if m.txMode && !m.inTx {
		return errors.Wrap(m.channel.TxCommit(), "commit delivery")
	}
	return nil
}

func (m *ManagedConnection) removeHandle(p *Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, handle := range m.handles {
		if handle == p {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			return
		}
	}
}

func (m *ManagedConnection) fire(event connector.ConnectionEvent) error {
	event.Source = m
	m.mu.Lock()
	listeners := append([]connector.ConnectionEventListener(nil), m.listeners...)
	m.mu.Unlock()

	var err error
	for _, l := range listeners {
		switch event.ID {
		case connector.ConnectionClosed:
			err = liberr.Join(err, l.ConnectionClosed(event))
		case connector.LocalTransactionStarted:
			err = liberr.Join(err, l.LocalTransactionStarted(event))
		case connector.LocalTransactionCommitted:
			err = liberr.Join(err, l.LocalTransactionCommitted(event))
		case connector.LocalTransactionRolledback:
			err = liberr.Join(err, l.LocalTransactionRolledback(event))
		default:
			err = liberr.Join(err, l.ConnectionErrorOccurred(event))
		}
	}
	return err
}

// checkError reports a closed channel to the listeners and returns err.
func (m *ManagedConnection) checkError(ctx context.Context, p *Publisher, err error) error {
	if err == nil || !(errors.Is(err, amqp.ErrClosed) || errors.Is(err, ErrChannelClosed)) {
		return err
	}
	if fireErr := m.fire(connector.ConnectionEvent{
		ID:      connector.ConnectionErrorOccurred,
		Handle:  p,
		Err:     err,
		Context: ctx,
	}); fireErr != nil {
		m.logger.Error(fireErr, "connection error notification failed")
	}
	return err
}

// processChannelErrors waits for the channel to close. A close initiated by the
// broker is reported as a connection error, a Close of our own is not.
func (m *ManagedConnection) processChannelErrors(ch chan *amqp.Error) {
	err := <-ch
	if err == nil {
		return
	}

	m.logger.Error(err, "AMQP channel closed by the broker")
	if fireErr := m.fire(connector.ConnectionEvent{
		ID:      connector.ConnectionErrorOccurred,
		Err:     err,
		Context: context.Background(),
	}); fireErr != nil {
		m.logger.Error(fireErr, "connection error notification failed")
	}
}

func validateChannel(channel Channel) error {
	if channel == nil {
		return errors.New("amqp channel is empty")
	}
	if channel.IsClosed() {
		return ErrChannelClosed
	}
	return nil
}

// localTransaction is driven by the connection pool, it fires no events.
type localTransaction struct {
	mc *ManagedConnection
}

func (t localTransaction) Begin(_ context.Context) error {
	return t.mc.begin()
}

func (t localTransaction) Commit(_ context.Context) error {
	return t.mc.commit()
}

func (t localTransaction) Rollback(_ context.Context) error {
	return t.mc.rollback()
}
