package mysql

import (
	"context"
	"database/sql"
	"sync"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
	liberr "gitea.xscloud.ru/xscloud/connpool/pkg/common/errors"
)

// Connection is the application handle of a ManagedConnection. Queries run in the
// local transaction of the session when one is active. Begin, Commit and Rollback
// are application level local transactions reported to the connection pool.
type Connection struct {
	mu     sync.Mutex
	mc     *ManagedConnection
	closed bool
}

func (c *Connection) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	mc, err := c.managedConnection()
	if err != nil {
		return nil, err
	}
	rows, err := mc.client().QueryContext(ctx, query, args...)
	return rows, mc.checkError(ctx, c, err)
}

func (c *Connection) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	mc, err := c.managedConnection()
	if err != nil {
		return nil, err
	}
	result, err := mc.client().ExecContext(ctx, query, args...)
	return result, mc.checkError(ctx, c, err)
}

func (c *Connection) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	mc, err := c.managedConnection()
	if err != nil {
		return err
	}
	return mc.checkError(ctx, c, mc.client().SelectContext(ctx, dest, query, args...))
}

func (c *Connection) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	mc, err := c.managedConnection()
	if err != nil {
		return err
	}
	return mc.checkError(ctx, c, mc.client().GetContext(ctx, dest, query, args...))
}

func (c *Connection) Begin(ctx context.Context) error {
	mc, err := c.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.begin(ctx); err != nil {
		return mc.checkError(ctx, c, err)
	}
	err = mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionStarted,
		Handle:  c,
		Context: ctx,
	})
	if err != nil {
		return liberr.Join(err, mc.rollback())
	}
	return nil
}

func (c *Connection) Commit(ctx context.Context) error {
	mc, err := c.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.commit(); err != nil {
		return mc.checkError(ctx, c, err)
	}
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionCommitted,
		Handle:  c,
		Context: ctx,
	})
}

func (c *Connection) Rollback(ctx context.Context) error {
	mc, err := c.managedConnection()
	if err != nil {
		return err
	}
	if err = mc.rollback(); err != nil {
		return mc.checkError(ctx, c, err)
	}
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.LocalTransactionRolledback,
		Handle:  c,
		Context: ctx,
	})
}

// Close gives the handle back, the second call is a no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mc := c.mc
	c.mc = nil
	c.mu.Unlock()

	if mc == nil {
		return nil
	}
	mc.removeHandle(c)
	return mc.fire(connector.ConnectionEvent{
		ID:      connector.ConnectionClosed,
		Handle:  c,
		Context: context.Background(),
	})
}

func (c *Connection) managedConnection() (*ManagedConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.mc == nil {
		return nil, ErrConnectionClosed
	}
	return c.mc, nil
}

func (c *Connection) associate(mc *ManagedConnection) *ManagedConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous := c.mc
	c.mc = mc
	c.closed = false
	return previous
}

// invalidate detaches the handle from mc unless it was moved to another managed connection.
func (c *Connection) invalidate(mc *ManagedConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mc == mc {
		c.mc = nil
		c.closed = true
	}
}
