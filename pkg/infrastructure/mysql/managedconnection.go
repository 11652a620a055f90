package mysql

import (
	"context"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	"gitea.xscloud.ru/xscloud/connpool/pkg/application/logging"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

var (
	ErrConnectionClosed       = errors.New("connection is closed")
	ErrConnectionDestroyed    = errors.New("managed connection is destroyed")
	ErrTransactionInProgress  = errors.New("local transaction already started")
	ErrNoTransactionInProcess = errors.New("no local transaction started")
)

func newManagedConnection(conn *sqlx.Conn, logger logging.Logger) *ManagedConnection {
	m := &ManagedConnection{
		conn:   conn,
		logger: logger,
	}
	m.xa = &xaResource{mc: m}
	return m
}

// ManagedConnection is a pinned MySQL session. Its handles share the session and
// the local transaction running on it.
type ManagedConnection struct {
	conn   *sqlx.Conn
	logger logging.Logger
	xa     *xaResource

	mu        sync.Mutex
	listeners []connector.ConnectionEventListener
	handles   []*Connection
	tx        *sqlx.Tx
	locks     int
	destroyed bool
}

func (m *ManagedConnection) GetConnection(_ context.Context, _ *connector.Subject, _ connector.ConnectionRequestInfo) (connector.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return nil, ErrConnectionDestroyed
	}
	h := &Connection{mc: m}
	m.handles = append(m.handles, h)
	return h, nil
}

func (m *ManagedConnection) AssociateConnection(handle connector.Handle) error {
	h, ok := handle.(*Connection)
	if !ok {
		return errors.Errorf("cannot associate handle of type %T", handle)
	}
	if previous := h.associate(m); previous != nil && previous != m {
		previous.removeHandle(h)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrConnectionDestroyed
	}
	m.handles = append(m.handles, h)
	return nil
}

// Cleanup invalidates handles, rolls back a local transaction left open by the
// application and releases named locks taken on the session.
func (m *ManagedConnection) Cleanup() error {
	m.mu.Lock()
	handles := m.handles
	m.handles = nil
	tx := m.tx
	m.tx = nil
	locks := m.locks
	m.locks = 0
	m.mu.Unlock()

	for _, h := range handles {
		h.invalidate(m)
	}

	var err error
	if tx != nil {
		m.logger.Warning(nil, "rolling back local transaction left open on connection")
		err = errors.Wrap(tx.Rollback(), "rollback unfinished local transaction")
	}
	if locks > 0 {
		_, lockErr := m.conn.ExecContext(context.Background(), "DO RELEASE_ALL_LOCKS()")
		err = liberr.Join(err, errors.Wrap(lockErr, "release named locks"))
	}
	return err
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
	tx := m.tx
	m.tx = nil
	m.mu.Unlock()

	for _, h := range handles {
		h.invalidate(m)
	}

	var err error
	// a session with an open transaction cannot be closed
	if tx != nil {
		err = errors.WithStack(tx.Rollback())
	}
	return liberr.Join(err, errors.WithStack(m.conn.Close()))
}

func (m *ManagedConnection) Validate(ctx context.Context) error {
	return errors.WithStack(m.conn.PingContext(ctx))
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
	return m.xa, nil
}

func (m *ManagedConnection) client() ClientContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		return m.tx
	}
	return m.conn
}

func (m *ManagedConnection) begin(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tx != nil {
		return ErrTransactionInProgress
	}
	tx, err := m.conn.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	m.tx = tx
	return nil
}

func (m *ManagedConnection) commit() error {
	tx, err := m.takeTransaction()
	if err != nil {
		return err
	}
	return errors.WithStack(tx.Commit())
}

func (m *ManagedConnection) rollback() error {
	tx, err := m.takeTransaction()
	if err != nil {
		return err
	}
	return errors.WithStack(tx.Rollback())
}

func (m *ManagedConnection) takeTransaction() (*sqlx.Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := m.tx
	if tx == nil {
		return nil, ErrNoTransactionInProcess
	}
	m.tx = nil
	return tx, nil
}

func (m *ManagedConnection) removeHandle(h *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, handle := range m.handles {
		if handle == h {
			m.handles = append(m.handles[:i], m.handles[i+1:]...)
			return
		}
	}
}

func (m *ManagedConnection) lockAcquired() {
	m.mu.Lock()
	m.locks++
	m.mu.Unlock()
}

func (m *ManagedConnection) lockReleased() {
	m.mu.Lock()
	if m.locks > 0 {
		m.locks--
	}
	m.mu.Unlock()
}

// fire delivers event to every listener, listeners are called without holding the connection lock.
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

// checkError reports a broken session to the listeners and returns err.
func (m *ManagedConnection) checkError(ctx context.Context, h *Connection, err error) error {
	if err == nil || !isBadConnection(err) {
		return err
	}
	m.logger.Warning(err, "mysql session is broken")
	if fireErr := m.fire(connector.ConnectionEvent{
		ID:      connector.ConnectionErrorOccurred,
		Handle:  h,
		Err:     err,
		Context: ctx,
	}); fireErr != nil {
		m.logger.Error(fireErr, "connection error notification failed")
	}
	return err
}

// localTransaction is driven by the connection pool, it fires no events.
type localTransaction struct {
	mc *ManagedConnection
}

func (t localTransaction) Begin(ctx context.Context) error {
	return t.mc.begin(ctx)
}

func (t localTransaction) Commit(_ context.Context) error {
	return t.mc.commit()
}

func (t localTransaction) Rollback(_ context.Context) error {
	return t.mc.rollback()
}
